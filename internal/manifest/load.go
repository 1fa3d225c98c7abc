package manifest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflow/internal/logging"
	"github.com/fyrsmithlabs/specflow/internal/specs"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// Validation failures. Each is wrapped in a *workflow.ManifestError.
var (
	ErrMissingName      = errors.New("manifest must have a 'name' field")
	ErrMissingEntry     = errors.New("manifest must have an 'entry_step' field")
	ErrNoSteps          = errors.New("manifest must define at least one step")
	ErrInvalidStepID    = errors.New("invalid step id")
	ErrMissingAgent     = errors.New("step must have an 'agent' field")
	ErrUnknownEntryStep = errors.New("entry_step not found in steps")
	ErrUnknownStep      = errors.New("edge references unknown step")
	ErrInvalidCondition = errors.New("invalid edge condition")
	ErrDuplicateEdge    = errors.New("duplicate edge")
	ErrPassCycle        = errors.New("cycle through on_pass edges")
	ErrInvalidRetry     = errors.New("invalid retry policy")
	ErrInvalidBudget    = errors.New("invalid budget")
)

var stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Lookup reports whether an id is registered.
type Lookup interface {
	Has(id string) bool
}

// Loader validates definitions against the registered specs and agents.
type Loader struct {
	specs  *specs.Registry
	agents Lookup
	logger *logging.Logger
}

// NewLoader creates a Loader. A nil logger discards warnings.
func NewLoader(specReg *specs.Registry, agents Lookup, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Loader{specs: specReg, agents: agents, logger: logger.Named("manifest")}
}

// LoadFile parses path, registers its policies and validates it.
func (l *Loader) LoadFile(ctx context.Context, path string) (*workflow.Graph, error) {
	def, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return l.Compile(ctx, def)
}

// Compile registers the definition's policies, then validates it.
func (l *Loader) Compile(ctx context.Context, def *Definition) (*workflow.Graph, error) {
	if len(def.Policies) > 0 {
		if err := specs.RegisterPolicies(ctx, l.specs, def.Policies); err != nil {
			return nil, &workflow.ManifestError{Manifest: def.Name, Err: err}
		}
	}
	g, warnings, err := Load(def, l.specs, l.agents)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		l.logger.Warn(ctx, "manifest warning", zap.String("manifest", def.Name), zap.String("warning", w))
	}
	return g, nil
}

// Load validates def and builds the graph. Warnings describe problems that
// do not prevent execution, such as steps unreachable from the entry.
func Load(def *Definition, specSet, agents Lookup) (*workflow.Graph, []string, error) {
	fail := func(err error) (*workflow.Graph, []string, error) {
		return nil, nil, &workflow.ManifestError{Manifest: def.Name, Err: err}
	}

	if def.Name == "" {
		return fail(ErrMissingName)
	}
	if def.EntryStep == "" {
		return fail(ErrMissingEntry)
	}
	if len(def.Steps) == 0 {
		return fail(ErrNoSteps)
	}

	budgets, err := buildBudgets(def.Budgets)
	if err != nil {
		return fail(err)
	}

	g := &workflow.Graph{
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
		Entry:       def.EntryStep,
		Steps:       make(map[string]workflow.StepDefinition, len(def.Steps)),
		Budgets:     budgets,
		Defaults:    def.Defaults,
	}
	if g.Version == "" {
		g.Version = "1.0"
	}

	var errs []error
	for _, id := range sortedKeys(def.Steps) {
		step, err := buildStep(id, def.Steps[id], specSet, agents)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		g.Steps[id] = step
	}
	if len(errs) > 0 {
		return fail(errors.Join(errs...))
	}

	if _, ok := def.Steps[def.EntryStep]; !ok {
		return fail(fmt.Errorf("%w: %q not in %v", ErrUnknownEntryStep, def.EntryStep, g.StepIDs()))
	}

	edges, err := buildEdges(def.Edges, g.Steps)
	if err != nil {
		return fail(err)
	}
	g.Edges = edges

	reachable := reachableFrom(g)
	if cycle := findPassCycle(g, reachable); cycle != nil {
		return fail(fmt.Errorf("%w: %v", ErrPassCycle, cycle))
	}

	var warnings []string
	for _, id := range g.StepIDs() {
		if !reachable[id] {
			warnings = append(warnings, fmt.Sprintf("step %q is unreachable from entry step %q", id, g.Entry))
		}
	}
	return g, warnings, nil
}

func buildBudgets(spec *BudgetSpec) (workflow.Budgets, error) {
	b := workflow.DefaultBudgets()
	if spec == nil {
		return b, nil
	}
	if spec.MaxAttemptsPerStep != nil {
		b.MaxAttemptsPerStep = *spec.MaxAttemptsPerStep
	}
	if spec.MaxTotalSteps != nil {
		b.MaxTotalSteps = *spec.MaxTotalSteps
	}
	if b.MaxAttemptsPerStep < 0 || b.MaxTotalSteps < 0 {
		return b, fmt.Errorf("%w: budgets cannot be negative", ErrInvalidBudget)
	}
	return b, nil
}

func buildStep(id string, spec StepSpec, specSet, agents Lookup) (workflow.StepDefinition, error) {
	if !stepIDPattern.MatchString(id) {
		return workflow.StepDefinition{}, fmt.Errorf("%w %q: use letters, digits, '_' or '-'", ErrInvalidStepID, id)
	}
	if spec.Agent == "" {
		return workflow.StepDefinition{}, fmt.Errorf("step %q: %w", id, ErrMissingAgent)
	}
	ref := "step " + id
	if !agents.Has(spec.Agent) {
		return workflow.StepDefinition{}, fmt.Errorf("step %q: %w", id,
			&workflow.ConfigurationError{Kind: "agent", ID: spec.Agent, Ref: ref})
	}
	for _, group := range [][]string{spec.Specs.Pre, spec.Specs.Post, spec.Specs.Invariant} {
		for _, ruleID := range group {
			if !specSet.Has(ruleID) {
				return workflow.StepDefinition{}, fmt.Errorf("step %q: %w", id,
					&workflow.ConfigurationError{Kind: "spec", ID: ruleID, Ref: ref})
			}
		}
	}

	retry := workflow.DefaultRetryPolicy()
	if spec.Retry != nil {
		if spec.Retry.MaxAttempts != nil {
			retry.MaxAttempts = *spec.Retry.MaxAttempts
		}
		if spec.Retry.DelaySeconds != nil {
			retry.Delay = time.Duration(*spec.Retry.DelaySeconds * float64(time.Second))
		}
	}
	if retry.MaxAttempts < 1 {
		return workflow.StepDefinition{}, fmt.Errorf("step %q: %w: max_attempts must be at least 1", id, ErrInvalidRetry)
	}
	if retry.Delay < 0 {
		return workflow.StepDefinition{}, fmt.Errorf("step %q: %w: delay cannot be negative", id, ErrInvalidRetry)
	}

	return workflow.StepDefinition{
		ID:             id,
		AgentID:        spec.Agent,
		Description:    spec.Description,
		PreSpecs:       append([]string(nil), spec.Specs.Pre...),
		PostSpecs:      append([]string(nil), spec.Specs.Post...),
		InvariantSpecs: append([]string(nil), spec.Specs.Invariant...),
		Retry:          retry,
	}, nil
}

func buildEdges(specEdges []EdgeSpec, steps map[string]workflow.StepDefinition) ([]workflow.Edge, error) {
	var edges []workflow.Edge
	for _, e := range specEdges {
		if _, ok := steps[e.From]; !ok {
			return nil, fmt.Errorf("%w: from %q", ErrUnknownStep, e.From)
		}
		if _, ok := steps[e.To]; !ok && e.To != workflow.Terminal {
			return nil, fmt.Errorf("%w: to %q", ErrUnknownStep, e.To)
		}
		switch cond := e.Condition; cond {
		case "", string(workflow.OnPass):
			edges = append(edges, workflow.Edge{From: e.From, To: e.To, Condition: workflow.OnPass})
		case string(workflow.OnFail):
			edges = append(edges, workflow.Edge{From: e.From, To: e.To, Condition: workflow.OnFail})
		case ConditionAlways:
			edges = append(edges,
				workflow.Edge{From: e.From, To: e.To, Condition: workflow.OnPass},
				workflow.Edge{From: e.From, To: e.To, Condition: workflow.OnFail},
			)
		default:
			return nil, fmt.Errorf("%w %q on edge %s -> %s", ErrInvalidCondition, cond, e.From, e.To)
		}
	}

	seen := make(map[string]workflow.Edge)
	for _, e := range edges {
		k := e.From + "\x00" + string(e.Condition)
		if prev, dup := seen[k]; dup {
			return nil, fmt.Errorf("%w: step %q has two %s edges (to %q and %q)",
				ErrDuplicateEdge, e.From, e.Condition, prev.To, e.To)
		}
		seen[k] = e
	}
	return edges, nil
}

func reachableFrom(g *workflow.Graph) map[string]bool {
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	seen := map[string]bool{g.Entry: true}
	queue := []string{g.Entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if next == workflow.Terminal || seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}
	return seen
}

// findPassCycle returns the steps of a cycle made of on_pass edges among
// reachable steps, or nil.
func findPassCycle(g *workflow.Graph, reachable map[string]bool) []string {
	next := make(map[string]string)
	for _, e := range g.Edges {
		if e.Condition == workflow.OnPass && e.To != workflow.Terminal {
			next[e.From] = e.To
		}
	}

	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colour[id] = grey
		path = append(path, id)
		if to, ok := next[id]; ok {
			switch colour[to] {
			case grey:
				for i, p := range path {
					if p == to {
						return append(append([]string(nil), path[i:]...), to)
					}
				}
			case white:
				if cycle := visit(to); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		colour[id] = black
		return nil
	}

	for _, id := range g.StepIDs() {
		if reachable[id] && colour[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]StepSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
