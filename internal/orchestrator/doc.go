// Package orchestrator executes workflow graphs.
//
// # Step lifecycle
//
// Every attempt of a step moves through a fixed sequence:
//
//	invariants → pre-specs → snapshot → agent → snapshot → post-specs → invariants → persist → route
//
// A failed pre-spec skips the agent and follows the step's on_fail edge. A
// failed post-spec is retried up to the step's retry limit (capped by the
// run's per-step budget), with the failure details written to the context
// under workflow.RetryKey so the agent can correct itself. Two consecutive
// failures of the same step with an identical fingerprint halt the run with
// a *workflow.LoopDetectedError. An invariant failure at any point halts the
// run with a *workflow.InvariantViolationError.
//
// # Persistence and progress
//
// Each finalized attempt is handed to the Recorder and then to every
// ProgressFunc. Recorder errors are logged and kept on the RunRecord; they
// never fail the run. Panicking progress callbacks are recovered.
//
// # Usage
//
//	o := orchestrator.New(graph, specRegistry, agentRegistry,
//	    orchestrator.WithRecorder(store),
//	    orchestrator.WithLogger(logger),
//	)
//	wc, _ := o.NewContext(config, map[string]any{"input_folder": in})
//	rec, err := o.Run(ctx, wc)
//
// Start runs the same loop on a goroutine and returns a Handle whose Latest
// method exposes the run's progress.
package orchestrator
