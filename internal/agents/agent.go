// Package agents defines the actors that do the work of a workflow step and
// the built-in agents of the file extraction pipeline.
//
// An agent receives the run's Context and mutates its data in place. Agents
// never decide what runs next; routing belongs to the orchestrator.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// Agent performs one step of a workflow.
type Agent interface {
	Execute(ctx context.Context, wc *workflow.Context) error
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, wc *workflow.Context) error

func (f Func) Execute(ctx context.Context, wc *workflow.Context) error {
	return f(ctx, wc)
}

// Registry maps agent ids to implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent under id. Registering an id twice is an error.
func (r *Registry) Register(id string, a Agent) error {
	if id == "" {
		return fmt.Errorf("agent id is required")
	}
	if a == nil {
		return fmt.Errorf("agent %q is nil", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[id]; exists {
		return fmt.Errorf("agent %q already registered", id)
	}
	r.agents[id] = a
	return nil
}

// Get returns the agent registered under id. An unknown id yields a
// *workflow.ConfigurationError.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, &workflow.ConfigurationError{Kind: "agent", ID: id}
	}
	return a, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Built-in agent ids.
const (
	IntakeID  = "intake_agent"
	ExtractID = "extract_agent"
	WriteID   = "write_agent"
)

// RegisterBuiltins registers the intake, extract and write agents.
func RegisterBuiltins(r *Registry, extract *ExtractAgent) error {
	if extract == nil {
		extract = NewExtractAgent()
	}
	for id, a := range map[string]Agent{
		IntakeID:  &IntakeAgent{},
		ExtractID: extract,
		WriteID:   &WriteAgent{},
	} {
		if err := r.Register(id, a); err != nil {
			return err
		}
	}
	return nil
}
