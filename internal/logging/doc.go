// Package logging provides structured logging for specflow.
//
// # Overview
//
// The package wraps Zap with:
//   - A custom Trace level (-2, below Debug)
//   - Stdout and OpenTelemetry outputs
//   - Run, step and trace correlation fields pulled from the context
//   - Field-name and pattern based secret redaction
//   - Sampling below Error level
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithStep(ctx, "extract", 2)
//	logger.Info(ctx, "step attempt finished", zap.String("status", "passed"))
//
// produces
//
//	{"level":"info","ts":"...","msg":"step attempt finished",
//	 "run.id":"...","step.id":"extract","step.attempt":2,"status":"passed"}
//
// # Tests
//
// NewTestLogger records every entry in memory and offers AssertLogged,
// AssertField and AssertNoSecrets helpers.
package logging
