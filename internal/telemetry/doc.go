// Package telemetry provides OpenTelemetry instrumentation for specflow.
//
// # Overview
//
// Runs and step attempts are traced as spans ("specflow.run" and
// "specflow.step") and exported over OTLP to a collector. With logs enabled,
// LoggerProvider feeds the zap OTEL bridge in internal/logging, so log
// records carry the trace and span of the step that wrote them. Prometheus
// metrics are served separately by the HTTP API.
//
// # Usage
//
//	cfg := telemetry.FromConfig(appCfg.Telemetry, version)
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	orch := orchestrator.New(graph, specs, agents,
//	    orchestrator.WithTracer(tel.Tracer("specflow.orchestrator")))
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: "grpc"        # or "http/protobuf"
//	  service_name: "specflow"
//	  sample_rate: 1.0
//	  logs: true
//
// # Error Handling
//
// Telemetry failures do not crash the application. A provider that cannot
// start is skipped and Health reports the reason; the others keep working.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "specflow.step")
//	span.End()
//	tt.AssertSpanExists(t, "specflow.step")
package telemetry
