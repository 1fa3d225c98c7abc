package secrets

import (
	"regexp"
	"sort"
	"strings"
)

// Result is the outcome of scrubbing one string.
type Result struct {
	Scrubbed string
	// ByRule counts findings per rule id. Matched values are never kept.
	ByRule map[string]int
}

// Total returns the number of findings.
func (r Result) Total() int {
	n := 0
	for _, c := range r.ByRule {
		n += c
	}
	return n
}

// Scrubber detects and redacts secrets. A nil *Scrubber passes everything
// through unchanged.
type Scrubber struct {
	config *Config
}

type redaction struct {
	start, end int
}

// New creates a Scrubber. If cfg is nil, DefaultConfig() is used.
func New(cfg *Config) (*Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scrubber{config: cfg}, nil
}

// MustNew creates a Scrubber, panicking on error.
func MustNew(cfg *Config) *Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Enabled reports whether scrubbing is active.
func (s *Scrubber) Enabled() bool {
	return s != nil && s.config.Enabled
}

// Scrub redacts secrets from content.
func (s *Scrubber) Scrub(content string) Result {
	res := Result{Scrubbed: content, ByRule: map[string]int{}}
	if !s.Enabled() || content == "" {
		return res
	}

	var found []redaction
	for _, rule := range s.config.compiledRules {
		if len(rule.keywords) > 0 && !anyMatch(rule.keywords, content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			res.ByRule[rule.ID]++
			found = append(found, redaction{start: m[0], end: m[1]})
		}
	}
	if len(found) == 0 {
		return res
	}

	var b strings.Builder
	last := 0
	for _, r := range merge(found) {
		b.WriteString(content[last:r.start])
		b.WriteString(s.config.RedactionString)
		last = r.end
	}
	b.WriteString(content[last:])
	res.Scrubbed = b.String()
	return res
}

// ScrubValue returns a copy of v with every string scrubbed and every value
// under a sensitive map key masked. Maps and slices are walked recursively;
// other values are returned as is. The second result is the number of
// redactions made.
func (s *Scrubber) ScrubValue(v any) (any, int) {
	if !s.Enabled() {
		return v, 0
	}
	return s.scrubValue(v)
}

// ScrubMap is ScrubValue for the common snapshot shape.
func (s *Scrubber) ScrubMap(m map[string]any) (map[string]any, int) {
	if m == nil || !s.Enabled() {
		return m, 0
	}
	out, n := s.scrubValue(m)
	return out.(map[string]any), n
}

func (s *Scrubber) scrubValue(v any) (any, int) {
	switch t := v.(type) {
	case string:
		r := s.Scrub(t)
		return r.Scrubbed, r.Total()
	case map[string]any:
		out := make(map[string]any, len(t))
		total := 0
		for k, val := range t {
			if s.sensitiveKey(k) && val != nil && val != "" {
				out[k] = s.config.RedactionString
				total++
				continue
			}
			sv, n := s.scrubValue(val)
			out[k] = sv
			total += n
		}
		return out, total
	case []any:
		out := make([]any, len(t))
		total := 0
		for i, val := range t {
			sv, n := s.scrubValue(val)
			out[i] = sv
			total += n
		}
		return out, total
	case []string:
		out := make([]string, len(t))
		total := 0
		for i, val := range t {
			r := s.Scrub(val)
			out[i] = r.Scrubbed
			total += r.Total()
		}
		return out, total
	case []map[string]any:
		out := make([]map[string]any, len(t))
		total := 0
		for i, val := range t {
			sv, n := s.scrubValue(val)
			out[i] = sv.(map[string]any)
			total += n
		}
		return out, total
	default:
		return v, 0
	}
}

func (s *Scrubber) sensitiveKey(k string) bool {
	return s.config.sensitive[strings.ToLower(k)]
}

func (s *Scrubber) allowed(match string) bool {
	for _, p := range s.config.compiledAllowList {
		if p.MatchString(match) {
			return true
		}
	}
	return false
}

func anyMatch(patterns []*regexp.Regexp, content string) bool {
	for _, p := range patterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

// merge sorts redactions and joins overlapping or adjacent ones.
func merge(rs []redaction) []redaction {
	sort.Slice(rs, func(i, j int) bool { return rs[i].start < rs[j].start })
	out := []redaction{rs[0]}
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
