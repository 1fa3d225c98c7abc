package workflow

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/mitchellh/copystructure"
)

// Budgets bounds a run. Zero values mean "no limit".
type Budgets struct {
	MaxAttemptsPerStep int `json:"max_attempts_per_step" koanf:"max_attempts_per_step" toml:"max_attempts_per_step"`
	MaxTotalSteps      int `json:"max_total_steps" koanf:"max_total_steps" toml:"max_total_steps"`
}

// DefaultBudgets returns the budgets applied when a manifest declares none.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxAttemptsPerStep: 3,
		MaxTotalSteps:      20,
	}
}

// TraceEntry is one append-only record of something an agent did.
type TraceEntry struct {
	Type      string         `json:"type"`
	Agent     string         `json:"agent,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// View is the read-only face of a Context handed to spec predicates.
type View interface {
	RunID() string
	Get(key string) (any, bool)
	GetString(key string) string
	Keys() []string
	Config(key string) (any, bool)
	ConfigString(key string) string
	ConfigKeys() []string
	Budgets() Budgets
}

// Context is the state container for a single run.
type Context struct {
	runID   string
	data    map[string]any
	config  map[string]any
	trace   []TraceEntry
	budgets Budgets
}

var _ View = (*Context)(nil)

// NewContext creates a Context for runID. The config map is deep-copied so
// the caller cannot change it behind the run's back.
func NewContext(runID string, config map[string]any, budgets Budgets) (*Context, error) {
	cfg, err := deepCopy(config)
	if err != nil {
		return nil, fmt.Errorf("copying config: %w", err)
	}
	return &Context{
		runID:   runID,
		data:    make(map[string]any),
		config:  cfg,
		budgets: budgets,
	}, nil
}

// RunID returns the owning run's id.
func (c *Context) RunID() string { return c.runID }

// Get returns the data value stored under key.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.data[key]
	return v, ok
}

// GetString returns the data value under key if it is a string, else "".
func (c *Context) GetString(key string) string {
	s, _ := c.data[key].(string)
	return s
}

// Set stores value under key, replacing any previous value.
func (c *Context) Set(key string, value any) {
	c.data[key] = value
}

// Delete removes key from data.
func (c *Context) Delete(key string) {
	delete(c.data, key)
}

// Keys returns the data keys in sorted order.
func (c *Context) Keys() []string {
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Config returns the run configuration value under key.
func (c *Context) Config(key string) (any, bool) {
	v, ok := c.config[key]
	return v, ok
}

// ConfigString returns the config value under key if it is a string, else "".
func (c *Context) ConfigString(key string) string {
	s, _ := c.config[key].(string)
	return s
}

// ConfigKeys returns the config keys in sorted order.
func (c *Context) ConfigKeys() []string {
	keys := make([]string, 0, len(c.config))
	for k := range c.config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Budgets returns the run budgets.
func (c *Context) Budgets() Budgets { return c.budgets }

// AddTrace appends an entry to the trace. A zero timestamp is filled in.
func (c *Context) AddTrace(entry TraceEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	c.trace = append(c.trace, entry)
}

// Trace returns a copy of the trace.
func (c *Context) Trace() []TraceEntry {
	out := make([]TraceEntry, len(c.trace))
	copy(out, c.trace)
	return out
}

// TraceSince returns the entries appended after the first n.
func (c *Context) TraceSince(n int) []TraceEntry {
	if n >= len(c.trace) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	out := make([]TraceEntry, len(c.trace)-n)
	copy(out, c.trace[n:])
	return out
}

// TraceLen returns the number of trace entries.
func (c *Context) TraceLen() int { return len(c.trace) }

// Snapshot returns a deep, independent copy of data.
func (c *Context) Snapshot() (map[string]any, error) {
	return deepCopy(c.data)
}

func deepCopy(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	cp, err := copystructure.Copy(m)
	if err != nil {
		return nil, err
	}
	out, ok := cp.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected copy type %T", cp)
	}
	return out, nil
}

// Len reports the length of v when v is a slice, array or map.
func Len(v any) (int, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), true
	default:
		return 0, false
	}
}
