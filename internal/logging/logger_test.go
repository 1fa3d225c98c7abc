package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/specflow/internal/config"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }, "format must be"},
		{"no outputs", func(c *Config) { c.Output.Stdout = false }, "at least one output"},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, "sampling tick"},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, "invalid redaction pattern"},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"k": ""} }, "empty value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			_, err := NewLogger(cfg, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLogger_LevelsAndContextFields(t *testing.T) {
	logger := NewTestLogger()

	ctx := WithRunID(context.Background(), "run-42")
	ctx = WithStep(ctx, "extract", 2)

	logger.Trace(ctx, "trace message")
	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message", zap.String("status", "passed"))
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	require.Len(t, logger.All(), 5)
	logger.AssertLogged(t, TraceLevel, "trace")
	logger.AssertLogged(t, zapcore.ErrorLevel, "error message")
	logger.AssertField(t, "info message", "run.id", "run-42")
	logger.AssertField(t, "info message", "step.id", "extract")
	logger.AssertField(t, "info message", "step.attempt", int64(2))
	logger.AssertField(t, "info message", "status", "passed")

	logger.Reset()
	assert.Empty(t, logger.All())
}

func TestContextFields_Trace(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	keys := map[string]bool{}
	for _, f := range ContextFields(ctx) {
		keys[f.Key] = true
	}
	assert.True(t, keys["trace_id"])
	assert.True(t, keys["span_id"])
}

func TestContextAccessors(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithStep(ctx, "write", 0)
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))

	step, attempt := StepFromContext(ctx)
	assert.Equal(t, "write", step)
	assert.Zero(t, attempt)

	for _, f := range ContextFields(ctx) {
		assert.NotEqual(t, "step.attempt", f.Key)
	}

	logger := NewTestLogger()
	assert.Same(t, logger.Logger, FromContext(WithLogger(ctx, logger.Logger)))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestRedactingEncoder(t *testing.T) {
	cfg := NewDefaultConfig()
	enc, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), cfg.Redaction)
	require.NoError(t, err)

	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.InfoLevel)
	z := zap.New(core)

	z.Info("llm configured",
		zap.String("api_key", "sk-abcdefghijklmnopqrstuvwxyz"),
		zap.String("header", "Bearer abc.def"),
		zap.String("model", "gpt-4o"),
		Secret("token", config.Secret("hunter2")),
	)

	out := buf.String()
	assert.NotContains(t, out, "sk-abcdefghijklmnopqrstuvwxyz")
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "gpt-4o")
	assert.Contains(t, out, "[REDACTED:pattern]")
}

func TestRedactingEncoder_ConsoleAndBoundFields(t *testing.T) {
	enc, err := NewRedactingEncoder(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	var buf bytes.Buffer
	z := zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.InfoLevel)).
		With(zap.String("authorization", "Basic dXNlcjpwYXNz"))
	z.Info("calling provider", zap.String("url", "https://api.example.com?api_key=abc123"), zap.String("step", "extract"))

	out := buf.String()
	assert.NotContains(t, out, "dXNlcjpwYXNz")
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, "extract")
}

func TestRedactingCore(t *testing.T) {
	rules, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	obs, logs := observer.New(zapcore.InfoLevel)
	z := zap.New(&redactingCore{Core: obs, rules: rules}).With(zap.String("token", "t0k3n"))
	z.Info("llm configured",
		zap.String("api_key", "plain"),
		zap.String("header", "Bearer abc.def"),
		zap.String("model", "gpt-4o"),
	)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "[REDACTED]", fields["token"])
	assert.Equal(t, "[REDACTED]", fields["api_key"])
	assert.Equal(t, "[REDACTED:pattern]", fields["header"])
	assert.Equal(t, "gpt-4o", fields["model"])
}

func TestSampledCore_ErrorsNeverDropped(t *testing.T) {
	logger := NewTestLogger()
	cfg := SamplingConfig{Enabled: true, Tick: config.Duration(1 << 40), Initial: 1, Thereafter: 0}
	sampled := zap.New(newSampledCore(logger.Underlying().Core(), cfg))

	for i := 0; i < 5; i++ {
		sampled.Info("repeated")
		sampled.Error("failure")
	}

	assert.Equal(t, 1, logger.FilterMessage("repeated").Len())
	assert.Equal(t, 5, logger.FilterMessage("failure").Len())
}

func TestTestLogger_AssertNoSecrets(t *testing.T) {
	logger := NewTestLogger()
	logger.Info(context.Background(), "configured", RedactedString("api_key", "sk-abcdefghijklmnopqrstuvwxyz"))

	logger.AssertNoSecrets(t)
	logger.AssertNotLogged(t, zapcore.ErrorLevel, "configured")
}
