// Package router selects the next step of a workflow from a step outcome.
package router

import (
	"sort"

	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

type key struct {
	from string
	cond workflow.Condition
}

// Router is an immutable edge index. Safe for concurrent use.
type Router struct {
	next     map[key]string
	outgoing map[string][]workflow.Edge
}

// New indexes edges. The graph loader guarantees at most one edge per
// (step, condition); if that is violated the first edge wins.
func New(edges []workflow.Edge) *Router {
	r := &Router{
		next:     make(map[key]string, len(edges)),
		outgoing: make(map[string][]workflow.Edge),
	}
	for _, e := range edges {
		k := key{e.From, e.Condition}
		if _, dup := r.next[k]; dup {
			continue
		}
		r.next[k] = e.To
		r.outgoing[e.From] = append(r.outgoing[e.From], e)
	}
	for from := range r.outgoing {
		sort.Slice(r.outgoing[from], func(i, j int) bool {
			return r.outgoing[from][i].Condition == workflow.OnPass && r.outgoing[from][j].Condition != workflow.OnPass
		})
	}
	return r
}

// ForGraph builds a router over g's edges.
func ForGraph(g *workflow.Graph) *Router {
	return New(g.Edges)
}

// Select returns the step that follows stepID for outcome. When no edge
// matches, or the edge targets workflow.Terminal, terminal is true.
func (r *Router) Select(stepID string, outcome workflow.Condition) (next string, terminal bool) {
	to, ok := r.next[key{stepID, outcome}]
	if !ok || to == workflow.Terminal {
		return workflow.Terminal, true
	}
	return to, false
}

// Outgoing lists the edges leaving stepID, pass edge first.
func (r *Router) Outgoing(stepID string) []workflow.Edge {
	edges := r.outgoing[stepID]
	out := make([]workflow.Edge, len(edges))
	copy(out, edges)
	return out
}
