package specs

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// DefaultPolicyQuery is evaluated when a policy does not name its own query.
const DefaultPolicyQuery = "data.specflow.decision"

// unsafeBuiltins keeps compiled policies deterministic.
var unsafeBuiltins = map[string]struct{}{
	"http.send":          {},
	"time.now_ns":        {},
	"rand.intn":          {},
	"uuid.rfc4122":       {},
	"opa.runtime":        {},
	"net.lookup_ip_addr": {},
}

// Policy declares a Rego-backed spec. Exactly one of Module or Path is set.
type Policy struct {
	Module string `json:"module,omitempty" koanf:"module" toml:"module"`
	Path   string `json:"path,omitempty" koanf:"path" toml:"path"`
	Query  string `json:"query,omitempty" koanf:"query" toml:"query"`
}

// RegoSpec evaluates a prepared Rego query against the run context.
//
// The input document is {run_id, data, config, budgets}. The query must
// yield either a boolean or an object {allow, message, suggested_fix}.
type RegoSpec struct {
	ruleID string
	query  rego.PreparedEvalQuery
}

// CompilePolicy prepares p for evaluation under ruleID.
func CompilePolicy(ctx context.Context, ruleID string, p Policy) (*RegoSpec, error) {
	module := p.Module
	if module == "" && p.Path != "" {
		raw, err := os.ReadFile(p.Path)
		if err != nil {
			return nil, fmt.Errorf("reading policy %q: %w", ruleID, err)
		}
		module = string(raw)
	}
	if module == "" {
		return nil, fmt.Errorf("policy %q has no module", ruleID)
	}
	query := p.Query
	if query == "" {
		query = DefaultPolicyQuery
	}

	r := rego.New(
		rego.Query(query),
		rego.Module(ruleID+".rego", module),
		rego.UnsafeBuiltins(unsafeBuiltins),
		rego.StrictBuiltinErrors(true),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %q: %w", ruleID, err)
	}
	return &RegoSpec{ruleID: ruleID, query: prepared}, nil
}

// RegisterPolicies compiles every policy, then registers them. A policy may
// replace an earlier policy of the same id but never any other spec. Nothing
// is registered if any policy fails to compile.
func RegisterPolicies(ctx context.Context, r *Registry, policies map[string]Policy) error {
	compiled := make(map[string]*RegoSpec, len(policies))
	for id, p := range policies {
		s, err := CompilePolicy(ctx, id, p)
		if err != nil {
			return err
		}
		compiled[id] = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range compiled {
		if existing, ok := r.specs[id]; ok {
			if _, isPolicy := existing.(*RegoSpec); !isPolicy {
				return fmt.Errorf("policy %q would shadow a registered spec", id)
			}
		}
	}
	for id, s := range compiled {
		r.specs[id] = s
	}
	return nil
}

func (s *RegoSpec) Check(ctx context.Context, v workflow.View) (Verdict, error) {
	results, err := s.query.Eval(ctx, rego.EvalInput(policyInput(v)))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Fail("policy decision is undefined", "Give the policy a default decision", "policy"), nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case bool:
		if val {
			return Pass("policy allowed", "policy"), nil
		}
		return Fail("policy denied", "", "policy"), nil
	case map[string]any:
		allow, _ := val["allow"].(bool)
		message, _ := val["message"].(string)
		fix, _ := val["suggested_fix"].(string)
		if message == "" {
			message = "policy denied"
			if allow {
				message = "policy allowed"
			}
		}
		if allow {
			return Pass(message, "policy"), nil
		}
		return Fail(message, fix, "policy"), nil
	default:
		return Verdict{}, fmt.Errorf("unexpected policy result type %T", val)
	}
}

func policyInput(v workflow.View) map[string]any {
	data := make(map[string]any)
	for _, k := range v.Keys() {
		data[k], _ = v.Get(k)
	}
	cfg := make(map[string]any)
	for _, k := range v.ConfigKeys() {
		cfg[k], _ = v.Config(k)
	}
	b := v.Budgets()
	return map[string]any{
		"run_id": v.RunID(),
		"data":   data,
		"config": cfg,
		"budgets": map[string]any{
			"max_attempts_per_step": b.MaxAttemptsPerStep,
			"max_total_steps":       b.MaxTotalSteps,
		},
	}
}
