package http

import (
	"context"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflow/internal/logging"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/specflow/internal/http"

// HTTPMetrics holds the API's OpenTelemetry instruments. A nil *HTTPMetrics
// records nothing.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *logging.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
	runsStarted    metric.Int64Counter
	openStreams    metric.Int64UpDownCounter
}

// NewHTTPMetrics creates a new HTTPMetrics instance on the global meter
// provider.
func NewHTTPMetrics(logger *logging.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *logging.Logger) *HTTPMetrics {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &HTTPMetrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"specflow.http.requests_total",
		metric.WithDescription("HTTP requests by method, route template and status code."),
		metric.WithUnit("{request}"),
	)
	m.check("requests counter", err)

	m.requestDur, err = m.meter.Float64Histogram(
		"specflow.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration by method, route template and status. Event streams are excluded."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	m.check("duration histogram", err)

	m.responseSize, err = m.meter.Int64Histogram(
		"specflow.http.response_size_bytes",
		metric.WithDescription("HTTP response body size by method, route template and status."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000, 500000),
	)
	m.check("response size histogram", err)

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"specflow.http.active_requests",
		metric.WithDescription("Requests currently being served."),
		metric.WithUnit("{request}"),
	)
	m.check("active requests gauge", err)

	m.runsStarted, err = m.meter.Int64Counter(
		"specflow.http.runs_started_total",
		metric.WithDescription("Runs started through POST /api/v1/runs, by manifest."),
		metric.WithUnit("{run}"),
	)
	m.check("runs started counter", err)

	m.openStreams, err = m.meter.Int64UpDownCounter(
		"specflow.http.event_streams",
		metric.WithDescription("Open run event streams."),
		metric.WithUnit("{stream}"),
	)
	m.check("event streams gauge", err)
}

func (m *HTTPMetrics) check(instrument string, err error) {
	if err != nil {
		m.logger.Warn(context.Background(), "failed to create "+instrument, zap.Error(err))
	}
}

// RunStarted counts a run started for manifest.
func (m *HTTPMetrics) RunStarted(ctx context.Context, manifest string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("manifest", manifest)))
}

// StreamOpened records an event stream opening. Call the returned func when
// it closes.
func (m *HTTPMetrics) StreamOpened(ctx context.Context) (closed func()) {
	if m == nil || m.openStreams == nil {
		return func() {}
	}
	m.openStreams.Add(ctx, 1)
	return func() { m.openStreams.Add(context.WithoutCancel(ctx), -1) }
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := req.Context()

			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
				defer m.activeRequests.Add(context.WithoutCancel(ctx), -1)
			}

			err := next(c)

			route := normalizePath(c.Path())
			res := c.Response()
			attrs := metric.WithAttributes(
				attribute.String("method", req.Method),
				attribute.String("endpoint", route),
				attribute.Int("status", res.Status),
			)

			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil && !isStream(route) {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, res.Size, attrs)
			}
			return err
		}
	}
}

// normalizePath returns the route template echo matched, such as
// /api/v1/runs/:id, so run ids never become label values. Unmatched
// requests have no template.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

// isStream reports whether route serves Server-Sent Events, whose duration
// is the lifetime of the run rather than request latency.
func isStream(route string) bool {
	return strings.HasSuffix(route, "/events")
}
