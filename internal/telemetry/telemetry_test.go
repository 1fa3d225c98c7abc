package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/specflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func signalNames(tel *Telemetry) []string {
	names := make([]string, len(tel.signals))
	for i, s := range tel.signals {
		names[i] = s.name
	}
	return names
}

func shutdownQuickly(t *testing.T, tel *Telemetry) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = tel.Shutdown(ctx) // no collector is listening
	})
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), FromConfig(config.Default().Telemetry, "dev"))
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("specflow.orchestrator"))
	assert.NotNil(t, tel.Meter("specflow.http"))
	assert.Nil(t, tel.LoggerProvider())
	assert.Empty(t, tel.signals)
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())

	require.NoError(t, tel.ForceFlush(context.Background()))
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy, "unhealthy once shut down")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), FromConfig(config.TelemetryConfig{
		Enabled:    true,
		Endpoint:   "collector.example.com:4317",
		Insecure:   true,
		SampleRate: 1,
	}, "dev"))
	assert.Nil(t, tel)
	assert.ErrorContains(t, err, "invalid telemetry config")
}

func TestNew_StartsConfiguredSignals(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		logs     bool
		metrics  bool
		want     []string
	}{
		{"grpc traces and metrics", "grpc", false, true, []string{"trace", "meter"}},
		{"grpc with logs", "grpc", true, true, []string{"trace", "meter", "log"}},
		{"http with logs", "http/protobuf", true, true, []string{"trace", "meter", "log"}},
		{"http traces only", "http/protobuf", false, false, []string{"trace"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromConfig(config.TelemetryConfig{
				Enabled:    true,
				Protocol:   tt.protocol,
				Insecure:   true,
				SampleRate: 1,
				Logs:       tt.logs,
			}, "dev")
			cfg.Metrics.Enabled = tt.metrics

			tel, err := New(context.Background(), cfg)
			require.NoError(t, err)
			shutdownQuickly(t, tel)

			assert.True(t, tel.IsEnabled())
			assert.False(t, tel.Health().Degraded, tel.Health().Reasons)
			assert.Equal(t, tt.want, signalNames(tel))
			assert.Equal(t, tt.logs, tel.LoggerProvider() != nil)
		})
	}
}

func TestTelemetry_DegradedReasons(t *testing.T) {
	tel := &Telemetry{}
	tel.healthy.Store(true)
	tel.setDegraded("log provider failed: %v", "dial refused")

	health := tel.Health()
	assert.True(t, health.Healthy)
	assert.True(t, health.Degraded)
	assert.Equal(t, []string{"log provider failed: dial refused"}, health.Reasons)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("specflow.orchestrator")
		_ = tel.Meter("specflow.http")
		_ = tel.LoggerProvider()
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})
	assert.False(t, tel.Health().Healthy)
	assert.True(t, tel.Health().Degraded)
}

func TestTestTelemetry_StepSpans(t *testing.T) {
	tt := NewTestTelemetry()
	tracer := tt.Tracer("specflow.orchestrator")

	ctx, run := tracer.Start(context.Background(), "specflow.run")
	for attempt := 1; attempt <= 2; attempt++ {
		_, step := tracer.Start(ctx, "specflow.step")
		step.SetAttributes(
			attribute.String("step.id", "extract"),
			attribute.Int("step.attempt", attempt),
			attribute.Bool("step.retry", attempt > 1),
			attribute.Float64("step.score", 0.5),
		)
		step.End()
	}
	run.End()

	tt.AssertSpanExists(t, "specflow.run")
	steps := tt.SpansNamed("specflow.step")
	require.Len(t, steps, 2)
	assert.Len(t, tt.Spans(), 3)
	for _, s := range steps {
		assert.Equal(t, run.SpanContext().SpanID(), s.Parent().SpanID())
	}

	tt.AssertSpanAttribute(t, "specflow.step", "step.id", "extract")
	attempt, ok := SpanAttribute(steps[1], "step.attempt")
	require.True(t, ok)
	assert.Equal(t, int64(2), attempt)
	retry, _ := SpanAttribute(steps[1], "step.retry")
	assert.Equal(t, true, retry)
	score, _ := SpanAttribute(steps[0], "step.score")
	assert.Equal(t, 0.5, score)
	_, ok = SpanAttribute(steps[0], "step.fingerprint")
	assert.False(t, ok)

	assert.Nil(t, tt.SpanByName("specflow.agent"))
}

func TestTestTelemetry_CollectsMetrics(t *testing.T) {
	tt := NewTestTelemetry()
	counter, err := tt.Meter("specflow.http").Int64Counter("specflow.http.runs_started_total")
	require.NoError(t, err)

	counter.Add(context.Background(), 1)
	counter.Add(context.Background(), 2)

	rm, err := tt.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, "specflow.http.runs_started_total", rm.ScopeMetrics[0].Metrics[0].Name)

	require.NoError(t, tt.ForceFlush(context.Background()))
	require.NoError(t, tt.Shutdown(context.Background()))
	assert.False(t, tt.Health().Healthy)
}
