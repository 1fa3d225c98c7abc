// Package specs holds the registry of validation rules that guard steps.
//
// A spec is a pure check over a read-only view of the run context. The same
// spec may serve as a pre-condition for one step and a post-condition for
// another; the step definition assigns the role.
package specs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflow/internal/logging"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// Verdict is what a spec reports. The registry adds the rule id.
type Verdict struct {
	Passed       bool
	Message      string
	SuggestedFix string
	Tags         []string
}

// Pass builds a passing verdict.
func Pass(message string, tags ...string) Verdict {
	return Verdict{Passed: true, Message: message, Tags: tags}
}

// Fail builds a failing verdict.
func Fail(message, fix string, tags ...string) Verdict {
	return Verdict{Message: message, SuggestedFix: fix, Tags: tags}
}

// Spec checks a run context. Implementations must not mutate anything and
// must return the same verdict for the same view.
type Spec interface {
	Check(ctx context.Context, v workflow.View) (Verdict, error)
}

// Func adapts a plain predicate to Spec.
type Func func(v workflow.View) Verdict

func (f Func) Check(_ context.Context, v workflow.View) (Verdict, error) {
	return f(v), nil
}

// Registry maps rule ids to specs.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]Spec
	logger *logging.Logger
}

// NewRegistry creates an empty registry. A nil logger discards output.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		specs:  make(map[string]Spec),
		logger: logger.Named("specs"),
	}
}

// Register adds a spec under ruleID. Registering an id twice is an error.
func (r *Registry) Register(ruleID string, s Spec) error {
	if ruleID == "" {
		return fmt.Errorf("rule id is required")
	}
	if s == nil {
		return fmt.Errorf("spec %q is nil", ruleID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[ruleID]; exists {
		return fmt.Errorf("spec %q already registered", ruleID)
	}
	r.specs[ruleID] = s
	return nil
}

// RegisterFunc is Register for a plain predicate.
func (r *Registry) RegisterFunc(ruleID string, fn func(workflow.View) Verdict) error {
	return r.Register(ruleID, Func(fn))
}

// Has reports whether ruleID is registered.
func (r *Registry) Has(ruleID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[ruleID]
	return ok
}

// IDs returns all registered rule ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.specs))
	for id := range r.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Evaluate runs one spec. An unknown id returns a *workflow.ConfigurationError.
// A spec that errors or panics yields a failed result carrying the
// *workflow.SpecEvaluationError message; it is logged, not returned.
func (r *Registry) Evaluate(ctx context.Context, ruleID string, v workflow.View) (workflow.SpecResult, error) {
	r.mu.RLock()
	s, ok := r.specs[ruleID]
	r.mu.RUnlock()
	if !ok {
		return workflow.SpecResult{}, &workflow.ConfigurationError{Kind: "spec", ID: ruleID}
	}

	verdict, err := check(ctx, s, v)
	if err != nil {
		evalErr := &workflow.SpecEvaluationError{RuleID: ruleID, Err: err}
		r.logger.Error(ctx, "spec evaluation failed", zap.String("rule_id", ruleID), zap.Error(evalErr))
		return workflow.SpecResult{
			RuleID:       ruleID,
			Passed:       false,
			Message:      evalErr.Error(),
			SuggestedFix: "Fix the spec implementation; it must not error or panic",
			Tags:         []string{"evaluation_error"},
		}, nil
	}

	r.logger.Trace(ctx, "spec evaluated",
		zap.String("rule_id", ruleID),
		zap.Bool("passed", verdict.Passed),
		zap.String("message", verdict.Message),
	)
	return workflow.SpecResult{
		RuleID:       ruleID,
		Passed:       verdict.Passed,
		Message:      verdict.Message,
		SuggestedFix: verdict.SuggestedFix,
		Tags:         verdict.Tags,
	}, nil
}

// EvaluateAll runs ruleIDs in order and returns every result.
func (r *Registry) EvaluateAll(ctx context.Context, ruleIDs []string, v workflow.View) ([]workflow.SpecResult, error) {
	results := make([]workflow.SpecResult, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		res, err := r.Evaluate(ctx, id, v)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func check(ctx context.Context, s Spec, v workflow.View) (verdict Verdict, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return s.Check(ctx, v)
}
