package workflow

import (
	"sort"
	"time"
)

// Terminal is the routing target that ends a run.
const Terminal = "__end__"

// RetryKey is the reserved data key the orchestrator writes before a retry.
// It is excluded from failure fingerprints.
const RetryKey = "_last_failure"

// Condition selects which edge leaves a step.
type Condition string

const (
	OnPass Condition = "on_pass"
	OnFail Condition = "on_fail"
)

// Valid reports whether c is a routable condition.
func (c Condition) Valid() bool {
	return c == OnPass || c == OnFail
}

// ConditionFor maps a step outcome to the edge condition it follows.
func ConditionFor(passed bool) Condition {
	if passed {
		return OnPass
	}
	return OnFail
}

// Phase is the role a spec plays for a step.
type Phase string

const (
	PhasePre       Phase = "pre"
	PhasePost      Phase = "post"
	PhaseInvariant Phase = "invariant"
)

// SpecResult is the verdict of one spec evaluation.
type SpecResult struct {
	RuleID       string   `json:"rule_id"`
	Passed       bool     `json:"passed"`
	Message      string   `json:"message"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// AllPassed reports whether every result passed. An empty list passes.
func AllPassed(results []SpecResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// FailedRuleIDs returns the sorted, de-duplicated ids of failed results.
func FailedRuleIDs(results []SpecResult) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, r := range results {
		if r.Passed {
			continue
		}
		if _, ok := seen[r.RuleID]; ok {
			continue
		}
		seen[r.RuleID] = struct{}{}
		ids = append(ids, r.RuleID)
	}
	sort.Strings(ids)
	return ids
}

// RetryPolicy controls how often a failing step is re-run.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
}

// DefaultRetryPolicy is applied to steps that declare no retry block.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Delay: time.Second}
}

// StepDefinition binds an agent to the specs that guard it.
type StepDefinition struct {
	ID             string      `json:"id"`
	AgentID        string      `json:"agent"`
	Description    string      `json:"description,omitempty"`
	PreSpecs       []string    `json:"pre_specs,omitempty"`
	PostSpecs      []string    `json:"post_specs,omitempty"`
	InvariantSpecs []string    `json:"invariant_specs,omitempty"`
	Retry          RetryPolicy `json:"retry"`
}

// Edge is a directed transition taken when its condition matches.
type Edge struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Condition Condition `json:"condition"`
}

// Graph is a validated, read-only workflow.
type Graph struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Version     string                    `json:"version,omitempty"`
	Entry       string                    `json:"entry_step"`
	Steps       map[string]StepDefinition `json:"steps"`
	Edges       []Edge                    `json:"edges"`
	Budgets     Budgets                   `json:"budgets"`
	// Defaults seed the run config; application config overrides them.
	Defaults map[string]any `json:"defaults,omitempty"`
}

// Step returns the definition of id.
func (g *Graph) Step(id string) (StepDefinition, bool) {
	s, ok := g.Steps[id]
	return s, ok
}

// StepIDs returns all step ids in sorted order.
func (g *Graph) StepIDs() []string {
	ids := make([]string, 0, len(g.Steps))
	for id := range g.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MaxAttempts returns the effective attempt limit for a step, capped by the
// per-step budget when one is set.
func (g *Graph) MaxAttempts(step StepDefinition) int {
	return EffectiveMaxAttempts(step.Retry, g.Budgets)
}

// EffectiveMaxAttempts caps a retry policy by the per-step budget. The
// result is at least 1.
func EffectiveMaxAttempts(retry RetryPolicy, b Budgets) int {
	n := retry.MaxAttempts
	if n < 1 {
		n = 1
	}
	if limit := b.MaxAttemptsPerStep; limit > 0 && n > limit {
		n = limit
	}
	return n
}

// StepStatus is the lifecycle state of one attempt.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepAttempt records one execution attempt of one step.
type StepAttempt struct {
	Seq              int            `json:"seq"`
	StepID           string         `json:"step_id"`
	AgentID          string         `json:"agent_id"`
	Attempt          int            `json:"attempt"`
	Status           StepStatus     `json:"status"`
	PreResults       []SpecResult   `json:"pre_results"`
	PostResults      []SpecResult   `json:"post_results"`
	InvariantResults []SpecResult   `json:"invariant_results"`
	ContextBefore    map[string]any `json:"context_before"`
	ContextAfter     map[string]any `json:"context_after"`
	Trace            []TraceEntry   `json:"trace,omitempty"`
	Error            string         `json:"error,omitempty"`
	Fingerprint      string         `json:"fingerprint,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
}

// Duration is the wall time the attempt took.
func (a StepAttempt) Duration() time.Duration {
	if a.FinishedAt.IsZero() {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the full history of one run.
type RunRecord struct {
	RunID             string            `json:"run_id"`
	ManifestName      string            `json:"manifest_name"`
	Status            RunStatus         `json:"status"`
	Steps             []StepAttempt     `json:"steps"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at,omitempty"`
	Error             string            `json:"error,omitempty"`
	ErrorKind         ErrorKind         `json:"error_kind,omitempty"`
	PersistenceErrors []string          `json:"persistence_errors,omitempty"`
}

// LastAttempt returns the most recent attempt, if any.
func (r *RunRecord) LastAttempt() (StepAttempt, bool) {
	if len(r.Steps) == 0 {
		return StepAttempt{}, false
	}
	return r.Steps[len(r.Steps)-1], true
}

// Clone returns a copy whose slices and maps are not shared with r.
// Attempt snapshots are shared; they are never mutated once recorded.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Steps = append([]StepAttempt(nil), r.Steps...)
	out.PersistenceErrors = append([]string(nil), r.PersistenceErrors...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
