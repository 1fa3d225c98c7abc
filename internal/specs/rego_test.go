package specs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const outputPolicy = `package specflow

import rego.v1

default decision := {"allow": false, "message": "output_folder must be under /srv", "suggested_fix": "Write into /srv"}

decision := {"allow": true, "message": "output folder approved"} if {
	startswith(input.data.output_folder, "/srv/")
}
`

func TestCompilePolicy_ObjectDecision(t *testing.T) {
	ctx := context.Background()
	s, err := CompilePolicy(ctx, "output_under_srv", Policy{Module: outputPolicy})
	require.NoError(t, err)

	wc := newTestContext(t, nil)
	wc.Set(KeyOutputFolder, "/tmp/out")
	v, err := s.Check(ctx, wc)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Equal(t, "output_folder must be under /srv", v.Message)
	assert.Equal(t, "Write into /srv", v.SuggestedFix)

	wc.Set(KeyOutputFolder, "/srv/out")
	v, err = s.Check(ctx, wc)
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Equal(t, "output folder approved", v.Message)
}

func TestCompilePolicy_BoolDecisionAndCustomQuery(t *testing.T) {
	ctx := context.Background()
	module := `package budget

import rego.v1

default small := false

small if input.budgets.max_total_steps <= 20

has_key if input.config.api_key != ""
`
	s, err := CompilePolicy(ctx, "small_budget", Policy{Module: module, Query: "data.budget.small"})
	require.NoError(t, err)

	v, err := s.Check(ctx, newTestContext(t, nil))
	require.NoError(t, err)
	assert.True(t, v.Passed)

	keyed, err := CompilePolicy(ctx, "has_key", Policy{Module: module, Query: "data.budget.has_key"})
	require.NoError(t, err)
	v, err = keyed.Check(ctx, newTestContext(t, nil))
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Contains(t, v.Message, "undefined")
}

func TestCompilePolicy_Rejections(t *testing.T) {
	ctx := context.Background()

	_, err := CompilePolicy(ctx, "empty", Policy{})
	assert.ErrorContains(t, err, "has no module")

	_, err = CompilePolicy(ctx, "syntax", Policy{Module: "package specflow\n\ndecision := {"})
	assert.ErrorContains(t, err, "failed to prepare policy")

	impure := `package specflow

import rego.v1

decision if time.now_ns() > 0
`
	_, err = CompilePolicy(ctx, "impure", Policy{Module: impure})
	assert.Error(t, err)
}

func TestRegisterPolicies_FromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.rego")
	require.NoError(t, os.WriteFile(path, []byte(outputPolicy), 0600))

	r := NewRegistry(nil)
	require.NoError(t, RegisterPolicies(context.Background(), r, map[string]Policy{
		"output_under_srv": {Path: path},
	}))
	assert.True(t, r.Has("output_under_srv"))

	wc := newTestContext(t, nil)
	wc.Set(KeyOutputFolder, "/srv/a")
	res, err := r.Evaluate(context.Background(), "output_under_srv", wc)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, []string{"policy"}, res.Tags)
}

func TestRegisterPolicies_ReplaceOnlyPolicies(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	require.NoError(t, RegisterBuiltins(r))

	policies := map[string]Policy{"output_under_srv": {Module: outputPolicy}}
	require.NoError(t, RegisterPolicies(ctx, r, policies))
	require.NoError(t, RegisterPolicies(ctx, r, policies), "reloading a policy replaces it")

	err := RegisterPolicies(ctx, r, map[string]Policy{"intake_pre": {Module: outputPolicy}})
	assert.ErrorContains(t, err, "shadow")
}
