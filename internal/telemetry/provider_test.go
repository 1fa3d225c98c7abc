package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()

	res, err := newResource(cfg)
	require.NoError(t, err)

	var foundServiceName bool
	for _, attr := range res.Attributes() {
		if string(attr.Key) == "service.name" {
			assert.Equal(t, cfg.ServiceName, attr.Value.AsString())
			foundServiceName = true
		}
	}
	assert.True(t, foundServiceName, "service.name attribute not found")
}

func TestNewTarget(t *testing.T) {
	t.Run("grpc keeps endpoint", func(t *testing.T) {
		cfg := NewDefaultConfig()
		tg := newTarget(cfg)
		assert.False(t, tg.http)
		assert.Equal(t, "localhost:4317", tg.endpoint)
		assert.True(t, tg.insecure)
		assert.Nil(t, tg.tls)
	})

	t.Run("http strips scheme", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Protocol = "http/protobuf"
		cfg.Endpoint = "https://otel.example.com:4318"
		cfg.Insecure = false
		tg := newTarget(cfg)
		assert.True(t, tg.http)
		assert.Equal(t, "otel.example.com:4318", tg.endpoint)
	})

	t.Run("skip verify only without insecure", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.TLSSkipVerify = true
		assert.Nil(t, newTarget(cfg).tls)

		cfg.Insecure = false
		tg := newTarget(cfg)
		require.NotNil(t, tg.tls)
		assert.True(t, tg.tls.InsecureSkipVerify)
	})
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		desc := newSampler(SamplingConfig{Rate: tt.rate}).Description()
		assert.Contains(t, desc, "ParentBased")
		assert.Contains(t, desc, tt.want)
	}
}

func TestOptionalProviders(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Logs.Enabled = false
	res, err := newResource(cfg)
	require.NoError(t, err)

	mp, err := newMeterProvider(context.Background(), cfg, res)
	require.NoError(t, err)
	assert.Nil(t, mp)

	lp, err := newLoggerProvider(context.Background(), cfg, res)
	require.NoError(t, err)
	assert.Nil(t, lp)
}

func TestNewTracerProvider(t *testing.T) {
	// Exporters connect lazily, so no collector is needed.
	cfg := NewDefaultConfig()
	res, err := newResource(cfg)
	require.NoError(t, err)

	tp, err := newTracerProvider(context.Background(), cfg, res)
	require.NoError(t, err)
	assert.NotNil(t, tp.Tracer("test"))
	require.NoError(t, tp.Shutdown(context.Background()))
}
