package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newHTTPMetrics(mp.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/runs/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"run_id": c.Param("id")})
	})

	for _, path := range []string{"/health", "/api/v1/runs/run-1", "/api/v1/runs/run-2"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			switch md.Name {
			case "specflow.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				byEndpoint := map[string]int64{}
				for _, dp := range sum.DataPoints {
					v, _ := dp.Attributes.Value(attribute.Key("endpoint"))
					byEndpoint[v.AsString()] += dp.Value
				}
				assert.Equal(t, map[string]int64{"/health": 1, "/api/v1/runs/:id": 2}, byEndpoint)
			case "specflow.http.request_duration_seconds":
				hist, ok := md.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				var total uint64
				for _, dp := range hist.DataPoints {
					total += dp.Count
				}
				assert.Equal(t, uint64(3), total)
			}
		}
	}

	assert.True(t, found["specflow.http.requests_total"], "requests counter not found")
	assert.True(t, found["specflow.http.request_duration_seconds"], "duration histogram not found")
	assert.True(t, found["specflow.http.response_size_bytes"], "response size histogram not found")
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "/"},
		{"/health", "/health"},
		{"/api/v1/runs/:id", "/api/v1/runs/:id"},
		{"/api/v1/runs/:id/events", "/api/v1/runs/:id/events"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizePath(tt.input), tt.input)
	}
}

func TestHTTPMetrics_RunsAndStreams(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newHTTPMetrics(mp.Meter(httpInstrumentationName), nil)
	ctx := context.Background()

	m.RunStarted(ctx, "text_extraction")
	m.RunStarted(ctx, "text_extraction")
	closeFirst := m.StreamOpened(ctx)
	closeSecond := m.StreamOpened(ctx)
	closeFirst()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	values := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					values[md.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), values["specflow.http.runs_started_total"])
	assert.Equal(t, int64(1), values["specflow.http.event_streams"])

	closeSecond()
}

func TestHTTPMetrics_NilIsNoop(t *testing.T) {
	var m *HTTPMetrics
	assert.NotPanics(t, func() {
		m.RunStarted(context.Background(), "x")
		m.StreamOpened(context.Background())()
	})
}

func TestIsStream(t *testing.T) {
	assert.True(t, isStream("/api/v1/runs/:id/events"))
	assert.False(t, isStream("/api/v1/runs/:id"))
}
