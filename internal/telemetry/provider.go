package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"
)

// newResource creates a resource describing the service.
func newResource(cfg *Config) (*resource.Resource, error) {
	// A standalone resource avoids schema URL conflicts with
	// resource.Default(), which uses a different semconv version.
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	), nil
}

// target is the collector connection shared by every signal.
type target struct {
	http     bool
	endpoint string
	insecure bool
	tls      *tls.Config // nil means system defaults
}

func newTarget(cfg *Config) target {
	t := target{
		http:     cfg.Protocol == "http/protobuf",
		endpoint: cfg.Endpoint,
		insecure: cfg.Insecure,
	}
	if t.http {
		// The OTLP HTTP exporters expect host:port, not full URLs.
		t.endpoint = stripScheme(t.endpoint)
	}
	if !t.insecure && cfg.TLSSkipVerify {
		t.tls = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // User explicitly requested
	}
	return t
}

// newTracerProvider creates a TracerProvider with an OTLP exporter.
func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*trace.TracerProvider, error) {
	t := newTarget(cfg)

	var exporter trace.SpanExporter
	var err error
	if t.http {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(t.endpoint)}
		if t.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else if t.tls != nil {
			opts = append(opts, otlptracehttp.WithTLSClientConfig(t.tls))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	} else {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(t.endpoint)}
		if t.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else if t.tls != nil {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(t.tls)))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(newSampler(cfg.Sampling)),
	), nil
}

// newSampler samples root spans at the configured rate; child spans follow
// their parent.
func newSampler(cfg SamplingConfig) trace.Sampler {
	var root trace.Sampler
	switch {
	case cfg.Rate >= 1.0:
		root = trace.AlwaysSample()
	case cfg.Rate <= 0:
		root = trace.NeverSample()
	default:
		root = trace.TraceIDRatioBased(cfg.Rate)
	}
	return trace.ParentBased(root)
}

// newMeterProvider creates a MeterProvider with an OTLP exporter, or nil
// when metrics export is off.
func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*metric.MeterProvider, error) {
	if !cfg.Metrics.Enabled {
		return nil, nil
	}
	t := newTarget(cfg)

	// Cumulative temporality is required for Prometheus-compatible backends
	// like VictoriaMetrics. This overrides OTEL_EXPORTER_OTLP_METRICS_TEMPORALITY_PREFERENCE
	// environment variable, which a parent process may have set.
	cumulative := func(metric.InstrumentKind) metricdata.Temporality {
		return metricdata.CumulativeTemporality
	}

	var exporter metric.Exporter
	var err error
	if t.http {
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(t.endpoint),
			otlpmetrichttp.WithTemporalitySelector(cumulative),
		}
		if t.insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		} else if t.tls != nil {
			opts = append(opts, otlpmetrichttp.WithTLSClientConfig(t.tls))
		}
		exporter, err = otlpmetrichttp.New(ctx, opts...)
	} else {
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(t.endpoint),
			otlpmetricgrpc.WithTemporalitySelector(cumulative),
		}
		if t.insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		} else if t.tls != nil {
			opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(t.tls)))
		}
		exporter, err = otlpmetricgrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(cfg.Metrics.ExportInterval.Duration()))),
	), nil
}

// newLoggerProvider creates a LoggerProvider for the zap bridge, or nil when
// log export is off.
func newLoggerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	if !cfg.Logs.Enabled {
		return nil, nil
	}
	t := newTarget(cfg)

	var exporter sdklog.Exporter
	var err error
	if t.http {
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(t.endpoint)}
		if t.insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		} else if t.tls != nil {
			opts = append(opts, otlploghttp.WithTLSClientConfig(t.tls))
		}
		exporter, err = otlploghttp.New(ctx, opts...)
	} else {
		opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(t.endpoint)}
		if t.insecure {
			opts = append(opts, otlploggrpc.WithInsecure())
		} else if t.tls != nil {
			opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(t.tls)))
		}
		exporter, err = otlploggrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating log exporter: %w", err)
	}

	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	), nil
}

// stripScheme removes http:// or https:// from an endpoint URL.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return endpoint
}
