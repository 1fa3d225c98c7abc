package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// fingerprintInput fields are declared in key order so the JSON encoding is
// canonical.
type fingerprintInput struct {
	DataKeys    []string `json:"data_keys"`
	FailedRules []string `json:"failed_rules"`
	StepID      string   `json:"step_id"`
}

// Fingerprint identifies a failure by step, the shape of the data, and which
// rules failed. Values are ignored, so a step that keeps failing the same
// rules without changing its keys produces the same fingerprint. RetryKey is
// not part of the shape.
func Fingerprint(stepID string, dataKeys, failedRules []string) string {
	keys := make([]string, 0, len(dataKeys))
	for _, k := range dataKeys {
		if k == RetryKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rules := append([]string{}, failedRules...)
	sort.Strings(rules)

	// Marshal cannot fail for string slices.
	b, _ := json.Marshal(fingerprintInput{
		DataKeys:    keys,
		FailedRules: rules,
		StepID:      stepID,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}
