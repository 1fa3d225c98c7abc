// Package workflow defines the data model shared by every specflow component.
//
// A run walks a Graph of steps. Each step runs one agent against a Context,
// guarded by pre, post and invariant specs. Every attempt at a step produces a
// StepAttempt, and the attempts of a run are collected in a RunRecord.
//
// # Ownership
//
// A Context belongs to exactly one in-flight run. Agents mutate its data
// in place; config and budgets are fixed when the Context is created and have
// no setters. Snapshot returns a deep copy that later mutations cannot reach,
// which is what StepAttempt.ContextBefore and ContextAfter hold.
//
// # Errors
//
// The error taxonomy (ConfigurationError, ManifestError, LoopDetectedError,
// ...) lives here so that the manifest loader, the orchestrator and the
// persistence adapters agree on kinds. Use KindOf to classify an error chain.
package workflow
