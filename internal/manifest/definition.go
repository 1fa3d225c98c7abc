// Package manifest turns declarative workflow definitions into validated
// graphs.
//
// A definition is plain data. Parsing (YAML, JSON, TOML) is separate from
// validation, so any structured source can feed Load.
package manifest

import (
	"github.com/fyrsmithlabs/specflow/internal/specs"
)

// Definition is the document form of a workflow.
type Definition struct {
	Name        string                  `koanf:"name" json:"name" toml:"name"`
	Description string                  `koanf:"description" json:"description,omitempty" toml:"description"`
	Version     string                  `koanf:"version" json:"version,omitempty" toml:"version"`
	EntryStep   string                  `koanf:"entry_step" json:"entry_step" toml:"entry_step"`
	Steps       map[string]StepSpec     `koanf:"steps" json:"steps" toml:"steps"`
	Edges       []EdgeSpec              `koanf:"edges" json:"edges,omitempty" toml:"edges"`
	Budgets     *BudgetSpec             `koanf:"budgets" json:"budgets,omitempty" toml:"budgets"`
	Defaults    map[string]any          `koanf:"defaults" json:"defaults,omitempty" toml:"defaults"`
	Policies    map[string]specs.Policy `koanf:"policies" json:"policies,omitempty" toml:"policies"`
}

// StepSpec declares one step.
type StepSpec struct {
	Agent       string     `koanf:"agent" json:"agent" toml:"agent"`
	Description string     `koanf:"description" json:"description,omitempty" toml:"description"`
	Specs       SpecRefs   `koanf:"specs" json:"specs,omitempty" toml:"specs"`
	Retry       *RetrySpec `koanf:"retry" json:"retry,omitempty" toml:"retry"`
}

// SpecRefs lists rule ids by role.
type SpecRefs struct {
	Pre       []string `koanf:"pre" json:"pre,omitempty" toml:"pre"`
	Post      []string `koanf:"post" json:"post,omitempty" toml:"post"`
	Invariant []string `koanf:"invariant" json:"invariant,omitempty" toml:"invariant"`
}

// RetrySpec overrides the default retry policy. Nil fields keep the default.
type RetrySpec struct {
	MaxAttempts  *int     `koanf:"max_attempts" json:"max_attempts,omitempty" toml:"max_attempts"`
	DelaySeconds *float64 `koanf:"delay_seconds" json:"delay_seconds,omitempty" toml:"delay_seconds"`
}

// EdgeSpec declares a transition. Condition defaults to on_pass; "always"
// expands into one pass and one fail edge.
type EdgeSpec struct {
	From      string `koanf:"from" json:"from" toml:"from"`
	To        string `koanf:"to" json:"to" toml:"to"`
	Condition string `koanf:"condition" json:"condition,omitempty" toml:"condition"`
}

// BudgetSpec overrides the default run budgets. Nil fields keep the default.
type BudgetSpec struct {
	MaxAttemptsPerStep *int `koanf:"max_attempts_per_step" json:"max_attempts_per_step,omitempty" toml:"max_attempts_per_step"`
	MaxTotalSteps      *int `koanf:"max_total_steps" json:"max_total_steps,omitempty" toml:"max_total_steps"`
}

// ConditionAlways is accepted in definitions only.
const ConditionAlways = "always"
