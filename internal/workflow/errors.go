package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a run or load failed.
type ErrorKind string

const (
	KindConfiguration      ErrorKind = "configuration"
	KindManifest           ErrorKind = "manifest"
	KindSpecEvaluation     ErrorKind = "spec_evaluation"
	KindAgentExecution     ErrorKind = "agent_execution"
	KindLoopDetected       ErrorKind = "loop_detected"
	KindBudgetExceeded     ErrorKind = "budget_exceeded"
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindPersistence        ErrorKind = "persistence"
	KindStepFailed         ErrorKind = "step_failed"
	KindCancelled          ErrorKind = "cancelled"
	KindInternal           ErrorKind = "internal"
)

// ConfigurationError reports a reference to an id nothing registered.
type ConfigurationError struct {
	Kind string // "spec", "agent" or "step"
	ID   string
	Ref  string // where the reference appeared, e.g. "step extract"
}

func (e *ConfigurationError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("unknown %s %q referenced by %s", e.Kind, e.ID, e.Ref)
	}
	return fmt.Sprintf("unknown %s %q", e.Kind, e.ID)
}

// ManifestError reports a structurally invalid workflow definition.
type ManifestError struct {
	Manifest string
	Err      error
}

func (e *ManifestError) Error() string {
	if e.Manifest == "" {
		return fmt.Sprintf("invalid manifest: %v", e.Err)
	}
	return fmt.Sprintf("invalid manifest %q: %v", e.Manifest, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// SpecEvaluationError reports a predicate that panicked or errored. The
// registry turns it into a failed SpecResult rather than propagating it.
type SpecEvaluationError struct {
	RuleID string
	Err    error
}

func (e *SpecEvaluationError) Error() string {
	return fmt.Sprintf("spec %q evaluation failed: %v", e.RuleID, e.Err)
}

func (e *SpecEvaluationError) Unwrap() error { return e.Err }

// AgentExecutionError reports an agent that returned an error or panicked.
type AgentExecutionError struct {
	StepID  string
	AgentID string
	Err     error
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("agent %q failed in step %q: %v", e.AgentID, e.StepID, e.Err)
}

func (e *AgentExecutionError) Unwrap() error { return e.Err }

// LoopDetectedError halts a run whose step failed the same way twice in a row.
type LoopDetectedError struct {
	StepID      string
	Attempt     int
	Fingerprint string
	FailedRules []string
}

func (e *LoopDetectedError) Error() string {
	return fmt.Sprintf("loop detected in step %q at attempt %d: repeated failure %s (%s)",
		e.StepID, e.Attempt, e.Fingerprint, strings.Join(e.FailedRules, ", "))
}

// BudgetExceededError halts a run that has used up a global budget.
type BudgetExceededError struct {
	Budget string
	Limit  int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s limit of %d reached", e.Budget, e.Limit)
}

// InvariantViolationError halts a run whose invariant specs failed.
type InvariantViolationError struct {
	StepID   string
	RuleIDs  []string
	Messages []string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violated at step %q: %s", e.StepID, strings.Join(e.Messages, "; "))
}

// StepFailedError ends a run whose last step exhausted its attempts and
// routed to the terminal marker.
type StepFailedError struct {
	StepID   string
	Attempts int
	Reason   string
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %s", e.StepID, e.Attempts, e.Reason)
}

// PersistenceError reports a failed write to the run store. It never aborts
// a run.
type PersistenceError struct {
	Op    string
	RunID string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// KindOf classifies err by the first taxonomy error found in its chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		loop      *LoopDetectedError
		budget    *BudgetExceededError
		invariant *InvariantViolationError
		manifest  *ManifestError
		cfg       *ConfigurationError
		agent     *AgentExecutionError
		spec      *SpecEvaluationError
		persist   *PersistenceError
		failed    *StepFailedError
	)
	switch {
	case errors.As(err, &loop):
		return KindLoopDetected
	case errors.As(err, &budget):
		return KindBudgetExceeded
	case errors.As(err, &invariant):
		return KindInvariantViolation
	case errors.As(err, &manifest):
		return KindManifest
	case errors.As(err, &cfg):
		return KindConfiguration
	case errors.As(err, &agent):
		return KindAgentExecution
	case errors.As(err, &spec):
		return KindSpecEvaluation
	case errors.As(err, &persist):
		return KindPersistence
	case errors.As(err, &failed):
		return KindStepFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}
