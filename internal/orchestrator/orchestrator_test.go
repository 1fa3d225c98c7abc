package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/specflow/internal/agents"
	"github.com/fyrsmithlabs/specflow/internal/logging"
	"github.com/fyrsmithlabs/specflow/internal/manifest"
	"github.com/fyrsmithlabs/specflow/internal/specs"
	"github.com/fyrsmithlabs/specflow/internal/telemetry"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// MockRecorder is a mock implementation of Recorder.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordRunStart(ctx context.Context, run *workflow.RunRecord) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRecorder) RecordStepAttempt(ctx context.Context, runID string, a workflow.StepAttempt) error {
	args := m.Called(ctx, runID, a)
	return args.Error(0)
}

func (m *MockRecorder) RecordRunEnd(ctx context.Context, run *workflow.RunRecord) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

type fixture struct {
	specs  *specs.Registry
	agents *agents.Registry
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{specs: specs.NewRegistry(nil), agents: agents.NewRegistry()}
	require.NoError(t, f.specs.RegisterFunc("pass", func(workflow.View) specs.Verdict {
		return specs.Pass("ok")
	}))
	require.NoError(t, f.specs.RegisterFunc("fail", func(workflow.View) specs.Verdict {
		return specs.Fail("always fails", "nothing will help")
	}))
	require.NoError(t, f.specs.RegisterFunc("has_a", func(v workflow.View) specs.Verdict {
		if _, ok := v.Get("a"); ok {
			return specs.Pass("a present")
		}
		return specs.Fail("a missing", "run step a")
	}))
	require.NoError(t, f.specs.RegisterFunc("no_poison", func(v workflow.View) specs.Verdict {
		if _, ok := v.Get("poison"); ok {
			return specs.Fail("poison present", "do not write poison")
		}
		return specs.Pass("clean")
	}))
	return f
}

func (f *fixture) agent(t *testing.T, id string, fn func(context.Context, *workflow.Context) error) {
	t.Helper()
	require.NoError(t, f.agents.Register(id, agents.Func(fn)))
}

func (f *fixture) new(g *workflow.Graph, opts ...Option) *Orchestrator {
	sleeper := func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return New(g, f.specs, f.agents, append([]Option{WithSleeper(sleeper)}, opts...)...)
}

func step(id, agent string, maxAttempts int) workflow.StepDefinition {
	return workflow.StepDefinition{
		ID:      id,
		AgentID: agent,
		Retry:   workflow.RetryPolicy{MaxAttempts: maxAttempts, Delay: time.Second},
	}
}

func graph(steps []workflow.StepDefinition, edges ...workflow.Edge) *workflow.Graph {
	g := &workflow.Graph{
		Name:    "test",
		Entry:   steps[0].ID,
		Steps:   make(map[string]workflow.StepDefinition),
		Edges:   edges,
		Budgets: workflow.Budgets{MaxAttemptsPerStep: 5, MaxTotalSteps: 10},
	}
	for _, s := range steps {
		g.Steps[s.ID] = s
	}
	return g
}

func edge(from, to string, cond workflow.Condition) workflow.Edge {
	return workflow.Edge{From: from, To: to, Condition: cond}
}

func run(t *testing.T, o *Orchestrator, data map[string]any) (*workflow.RunRecord, error) {
	t.Helper()
	wc, err := o.NewContext(nil, data)
	require.NoError(t, err)
	return o.Run(context.Background(), wc)
}

func noop(context.Context, *workflow.Context) error { return nil }

func TestRun_TwoStepsComplete(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "writer", func(_ context.Context, wc *workflow.Context) error {
		wc.Set("a", 1)
		return nil
	})
	f.agent(t, "reader", noop)

	a := step("a", "writer", 1)
	a.PostSpecs = []string{"has_a"}
	b := step("b", "reader", 1)
	b.PreSpecs = []string{"has_a"}
	b.PostSpecs = []string{"pass"}
	g := graph([]workflow.StepDefinition{a, b}, edge("a", "b", workflow.OnPass))

	rec, err := run(t, f.new(g), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, rec.Status)
	require.Len(t, rec.Steps, 2)
	assert.Equal(t, "a", rec.Steps[0].StepID)
	assert.Equal(t, "b", rec.Steps[1].StepID)
	for i, s := range rec.Steps {
		assert.Equal(t, i+1, s.Seq)
		assert.Equal(t, workflow.StepPassed, s.Status)
		assert.False(t, s.FinishedAt.Before(s.StartedAt))
	}
	assert.NotContains(t, rec.Steps[0].ContextBefore, "a")
	assert.Equal(t, 1, rec.Steps[0].ContextAfter["a"])
	assert.Empty(t, rec.Error)
	assert.Empty(t, rec.ErrorKind)
}

func TestRun_RepeatedFailureIsLoop(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.agent(t, "idle", func(context.Context, *workflow.Context) error {
		calls++
		return nil
	})
	a := step("a", "idle", 5)
	a.PostSpecs = []string{"fail"}
	g := graph([]workflow.StepDefinition{a})

	metrics := NewMetrics()
	before := testutil.ToFloat64(metrics.LoopDetectionsTotal.WithLabelValues("a"))

	rec, err := run(t, f.new(g, WithMetrics(metrics)), nil)
	var loop *workflow.LoopDetectedError
	require.True(t, errors.As(err, &loop))
	assert.Equal(t, "a", loop.StepID)
	assert.Equal(t, 2, loop.Attempt)
	assert.Equal(t, []string{"fail"}, loop.FailedRules)

	assert.Equal(t, workflow.RunFailed, rec.Status)
	assert.Equal(t, workflow.KindLoopDetected, rec.ErrorKind)
	require.Len(t, rec.Steps, 2)
	assert.Equal(t, rec.Steps[0].Fingerprint, rec.Steps[1].Fingerprint)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, f.sleeps)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LoopDetectionsTotal.WithLabelValues("a")))
}

func TestRun_ProgressingFailuresUseAllAttempts(t *testing.T) {
	f := newFixture(t)
	var seen []map[string]any
	n := 0
	f.agent(t, "grow", func(_ context.Context, wc *workflow.Context) error {
		if raw, ok := wc.Get(workflow.RetryKey); ok {
			seen = append(seen, raw.(map[string]any))
		}
		n++
		wc.Set(fmt.Sprintf("k%d", n), true)
		return nil
	})
	a := step("a", "grow", 3)
	a.PostSpecs = []string{"fail"}
	g := graph([]workflow.StepDefinition{a}, edge("a", workflow.Terminal, workflow.OnFail))

	rec, err := run(t, f.new(g), nil)
	var failed *workflow.StepFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, workflow.KindStepFailed, rec.ErrorKind)

	require.Len(t, rec.Steps, 3)
	fps := map[string]bool{}
	for i, s := range rec.Steps {
		assert.Equal(t, i+1, s.Attempt)
		assert.Equal(t, workflow.StepFailed, s.Status)
		fps[s.Fingerprint] = true
	}
	assert.Len(t, fps, 3)
	assert.Len(t, f.sleeps, 2)

	require.Len(t, seen, 2)
	assert.Equal(t, "a", seen[0]["step_id"])
	assert.Equal(t, 1, seen[0]["attempt"])
	assert.Equal(t, []string{"fail"}, seen[0]["failed_rules"])
	assert.Equal(t, []string{"always fails"}, seen[0]["messages"])
	assert.Equal(t, 2, seen[1]["attempt"])
}

func TestRun_RetryThenPassClearsRetryKey(t *testing.T) {
	f := newFixture(t)
	n := 0
	f.agent(t, "flaky", func(_ context.Context, wc *workflow.Context) error {
		n++
		if n == 2 {
			wc.Set("a", "done")
		}
		return nil
	})
	retryVisible := true
	f.agent(t, "next", func(_ context.Context, wc *workflow.Context) error {
		_, retryVisible = wc.Get(workflow.RetryKey)
		return nil
	})
	a := step("a", "flaky", 3)
	a.PostSpecs = []string{"has_a"}
	g := graph([]workflow.StepDefinition{a, step("b", "next", 1)}, edge("a", "b", workflow.OnPass))

	rec, err := run(t, f.new(g), nil)
	require.NoError(t, err)
	require.Len(t, rec.Steps, 3)
	assert.Equal(t, workflow.StepFailed, rec.Steps[0].Status)
	assert.Equal(t, workflow.StepPassed, rec.Steps[1].Status)
	assert.Contains(t, rec.Steps[1].ContextBefore, workflow.RetryKey)
	assert.NotContains(t, rec.Steps[2].ContextBefore, workflow.RetryKey)
	assert.False(t, retryVisible)
}

func TestRun_RetryBudgetCapsAttempts(t *testing.T) {
	f := newFixture(t)
	n := 0
	f.agent(t, "grow", func(_ context.Context, wc *workflow.Context) error {
		n++
		wc.Set(fmt.Sprintf("k%d", n), true)
		return nil
	})
	a := step("a", "grow", 10)
	a.PostSpecs = []string{"fail"}
	g := graph([]workflow.StepDefinition{a})
	g.Budgets.MaxAttemptsPerStep = 2

	rec, err := run(t, f.new(g), nil)
	require.Error(t, err)
	assert.Len(t, rec.Steps, 2)
}

func TestRun_PreFailureSkipsAgent(t *testing.T) {
	f := newFixture(t)
	called := false
	f.agent(t, "guarded", func(context.Context, *workflow.Context) error {
		called = true
		return nil
	})
	f.agent(t, "fallback", noop)

	a := step("a", "guarded", 3)
	a.PreSpecs = []string{"has_a"}
	b := step("b", "fallback", 1)
	g := graph([]workflow.StepDefinition{a, b},
		edge("a", workflow.Terminal, workflow.OnPass),
		edge("a", "b", workflow.OnFail),
	)

	rec, err := run(t, f.new(g), map[string]any{"input": "x"})
	require.NoError(t, err)
	assert.False(t, called)
	require.Len(t, rec.Steps, 2)

	skipped := rec.Steps[0]
	assert.Equal(t, workflow.StepSkipped, skipped.Status)
	assert.Equal(t, skipped.ContextBefore, skipped.ContextAfter)
	assert.Empty(t, skipped.PostResults)
	assert.Contains(t, skipped.Error, "pre-spec failed: has_a")
	assert.Empty(t, f.sleeps)
	assert.Equal(t, "b", rec.Steps[1].StepID)
}

func TestRun_SelfLoopOnFailureIsDetected(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "idle", noop)
	a := step("a", "idle", 1)
	a.PostSpecs = []string{"fail"}
	g := graph([]workflow.StepDefinition{a}, edge("a", "a", workflow.OnFail))

	rec, err := run(t, f.new(g), nil)
	var loop *workflow.LoopDetectedError
	require.True(t, errors.As(err, &loop))
	require.Len(t, rec.Steps, 2)
	assert.Equal(t, 1, rec.Steps[1].Attempt)
	assert.Equal(t, 2, rec.Steps[1].Seq)
}

func TestRun_InvariantViolationBeforeAgent(t *testing.T) {
	f := newFixture(t)
	called := false
	f.agent(t, "worker", func(context.Context, *workflow.Context) error {
		called = true
		return nil
	})
	a := step("a", "worker", 3)
	a.InvariantSpecs = []string{"no_poison"}
	g := graph([]workflow.StepDefinition{a})

	rec, err := run(t, f.new(g), map[string]any{"poison": true})
	var inv *workflow.InvariantViolationError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, []string{"no_poison"}, inv.RuleIDs)
	assert.False(t, called)
	assert.Equal(t, workflow.KindInvariantViolation, rec.ErrorKind)
	require.Len(t, rec.Steps, 1)
	assert.Equal(t, workflow.StepFailed, rec.Steps[0].Status)
	assert.Empty(t, f.sleeps)
}

func TestRun_InvariantViolationAfterPostPass(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "poisoner", func(_ context.Context, wc *workflow.Context) error {
		wc.Set("poison", true)
		return nil
	})
	f.agent(t, "never", func(context.Context, *workflow.Context) error {
		t.Fatal("step b must not run")
		return nil
	})
	a := step("a", "poisoner", 3)
	a.PostSpecs = []string{"pass"}
	a.InvariantSpecs = []string{"no_poison"}
	b := step("b", "never", 1)
	g := graph([]workflow.StepDefinition{a, b}, edge("a", "b", workflow.OnPass))

	rec, err := run(t, f.new(g), nil)
	var inv *workflow.InvariantViolationError
	require.True(t, errors.As(err, &inv))
	require.Len(t, rec.Steps, 1)
	s := rec.Steps[0]
	assert.True(t, workflow.AllPassed(s.PostResults))
	assert.Len(t, s.InvariantResults, 2)
	assert.Equal(t, true, s.ContextAfter["poison"])
}

func TestRun_TotalStepBudget(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "idle", noop)
	a := step("a", "idle", 1)
	b := step("b", "idle", 1)
	g := graph([]workflow.StepDefinition{a, b},
		edge("a", "b", workflow.OnPass),
		edge("b", "a", workflow.OnPass),
	)
	g.Budgets.MaxTotalSteps = 3

	rec, err := run(t, f.new(g), nil)
	var budget *workflow.BudgetExceededError
	require.True(t, errors.As(err, &budget))
	assert.Equal(t, "max_total_steps", budget.Budget)
	assert.Equal(t, 3, budget.Limit)
	assert.Len(t, rec.Steps, 3)
	assert.Equal(t, workflow.KindBudgetExceeded, rec.ErrorKind)
}

func TestRun_AgentErrorsBecomeFailedAttempts(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, *workflow.Context) error
		want string
	}{
		{"error", func(context.Context, *workflow.Context) error { return errors.New("disk full") }, "disk full"},
		{"panic", func(context.Context, *workflow.Context) error { panic("boom") }, "panic: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.agent(t, "bad", tt.fn)
			a := step("a", "bad", 1)
			a.PostSpecs = []string{"pass"}
			g := graph([]workflow.StepDefinition{a})

			rec, err := run(t, f.new(g), nil)
			var failed *workflow.StepFailedError
			require.True(t, errors.As(err, &failed))
			require.Len(t, rec.Steps, 1)

			s := rec.Steps[0]
			assert.Equal(t, workflow.StepFailed, s.Status)
			assert.Contains(t, s.Error, tt.want)
			require.Len(t, s.PostResults, 1)
			assert.Equal(t, AgentExecutionRule, s.PostResults[0].RuleID)
			assert.Equal(t, []string{"agent_error"}, s.PostResults[0].Tags)
			assert.NotEmpty(t, s.Fingerprint)
		})
	}
}

func TestRun_UnknownAgentIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	g := graph([]workflow.StepDefinition{step("a", "ghost", 1)})

	rec, err := run(t, f.new(g), nil)
	var ce *workflow.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "agent", ce.Kind)
	assert.Equal(t, workflow.KindConfiguration, rec.ErrorKind)
}

func TestRun_CancelledAtStepBoundary(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.agent(t, "canceller", func(context.Context, *workflow.Context) error {
		cancel()
		return nil
	})
	f.agent(t, "never", func(context.Context, *workflow.Context) error {
		t.Fatal("step b must not run")
		return nil
	})
	g := graph([]workflow.StepDefinition{step("a", "canceller", 1), step("b", "never", 1)},
		edge("a", "b", workflow.OnPass))

	o := f.new(g)
	wc, err := o.NewContext(nil, nil)
	require.NoError(t, err)
	rec, err := o.Run(ctx, wc)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, workflow.KindCancelled, rec.ErrorKind)
	require.Len(t, rec.Steps, 1)
	assert.Equal(t, workflow.StepPassed, rec.Steps[0].Status)
}

func TestRun_AgentContextIsNotCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var agentErr error
	f.agent(t, "interrupted", func(actx context.Context, _ *workflow.Context) error {
		cancel()
		agentErr = actx.Err()
		return agentErr
	})
	g := graph([]workflow.StepDefinition{step("a", "interrupted", 1)})

	o := f.new(g)
	wc, err := o.NewContext(nil, nil)
	require.NoError(t, err)
	rec, err := o.Run(ctx, wc)

	assert.NoError(t, agentErr)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, workflow.KindCancelled, rec.ErrorKind)
	require.Len(t, rec.Steps, 1)
	assert.Equal(t, workflow.StepPassed, rec.Steps[0].Status)
}

func TestRun_SpecEvaluationErrorsAreRetried(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.specs.RegisterFunc("broken", func(workflow.View) specs.Verdict {
		panic("nil map")
	}))
	var retryInfo []bool
	f.agent(t, "idle", func(_ context.Context, wc *workflow.Context) error {
		_, ok := wc.Get(workflow.RetryKey)
		retryInfo = append(retryInfo, ok)
		return nil
	})
	a := step("a", "idle", 3)
	a.PostSpecs = []string{"broken"}
	g := graph([]workflow.StepDefinition{a})

	rec, err := run(t, f.new(g), nil)
	var loop *workflow.LoopDetectedError
	require.True(t, errors.As(err, &loop))
	assert.Equal(t, 2, loop.Attempt)
	assert.Equal(t, []string{"broken"}, loop.FailedRules)
	assert.Equal(t, workflow.KindLoopDetected, rec.ErrorKind)

	require.Len(t, rec.Steps, 2)
	first := rec.Steps[0]
	assert.Equal(t, workflow.StepFailed, first.Status)
	require.Len(t, first.PostResults, 1)
	assert.False(t, first.PostResults[0].Passed)
	assert.Contains(t, first.PostResults[0].Tags, "evaluation_error")
	assert.Equal(t, []bool{false, true}, retryInfo, "second attempt sees the failure details")
	assert.Equal(t, []time.Duration{time.Second}, f.sleeps)
}

func TestRun_ProgressCallbacks(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "idle", noop)
	g := graph([]workflow.StepDefinition{step("a", "idle", 1), step("b", "idle", 1)},
		edge("a", "b", workflow.OnPass))

	logger := logging.NewTestLogger()
	var got []string
	o := f.new(g,
		WithLogger(logger.Logger),
		WithProgress(func(string, int, workflow.StepStatus, workflow.StepAttempt) { panic("callback bug") }),
		WithProgress(func(stepID string, attempt int, status workflow.StepStatus, a workflow.StepAttempt) {
			assert.Equal(t, stepID, a.StepID)
			assert.Equal(t, 1, attempt)
			got = append(got, stepID+":"+string(status))
		}),
	)

	rec, err := run(t, o, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, rec.Status)
	assert.Equal(t, []string{"a:passed", "b:passed"}, got)
	logger.AssertLogged(t, zapcore.ErrorLevel, "progress callback panicked")
}

func TestRun_PersistsEveryAttempt(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "idle", noop)
	g := graph([]workflow.StepDefinition{step("a", "idle", 1), step("b", "idle", 1)},
		edge("a", "b", workflow.OnPass))

	rec := new(MockRecorder)
	rec.On("RecordRunStart", mock.Anything, mock.MatchedBy(func(r *workflow.RunRecord) bool {
		return r.Status == workflow.RunRunning
	})).Return(nil).Once()
	rec.On("RecordStepAttempt", mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()
	rec.On("RecordRunEnd", mock.Anything, mock.MatchedBy(func(r *workflow.RunRecord) bool {
		return r.Status == workflow.RunCompleted && len(r.Steps) == 2
	})).Return(nil).Once()

	out, err := run(t, f.new(g, WithRecorder(rec)), nil)
	require.NoError(t, err)
	assert.Empty(t, out.PersistenceErrors)
	rec.AssertExpectations(t)
}

func TestRun_PersistenceErrorsAreNotFatal(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "idle", noop)
	g := graph([]workflow.StepDefinition{step("a", "idle", 1)})

	rec := new(MockRecorder)
	rec.On("RecordRunStart", mock.Anything, mock.Anything).Return(nil)
	rec.On("RecordStepAttempt", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("database is locked"))
	rec.On("RecordRunEnd", mock.Anything, mock.Anything).Return(nil)

	logger := logging.NewTestLogger()
	out, err := run(t, f.new(g, WithRecorder(rec), WithLogger(logger.Logger)), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, out.Status)
	require.Len(t, out.PersistenceErrors, 1)
	assert.Contains(t, out.PersistenceErrors[0], "database is locked")
	logger.AssertLogged(t, zapcore.ErrorLevel, "persistence failed")
}

func TestStart_HandlePublishesSnapshots(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.agent(t, "gate", func(context.Context, *workflow.Context) error {
		<-release
		return nil
	})
	g := graph([]workflow.StepDefinition{step("a", "gate", 1)})
	o := f.new(g)
	wc, err := o.NewContext(nil, nil)
	require.NoError(t, err)

	h := o.Start(context.Background(), wc)
	assert.Equal(t, wc.RunID(), h.RunID)
	assert.Equal(t, workflow.RunRunning, h.Latest().Status)

	close(release)
	rec, err := h.Wait()
	require.NoError(t, err)
	<-h.Done()
	assert.Equal(t, workflow.RunCompleted, rec.Status)
	assert.Equal(t, workflow.RunCompleted, h.Latest().Status)
	assert.Len(t, h.Latest().Steps, 1)
}

func TestNewContext_MergesDefaults(t *testing.T) {
	f := newFixture(t)
	g := graph([]workflow.StepDefinition{step("a", "idle", 1)})
	g.Defaults = map[string]any{"model": "gpt-4o", "temperature": 0.3}
	o := f.new(g)

	wc, err := o.NewContext(map[string]any{"model": "gpt-4o-mini"}, map[string]any{"input_folder": "/in"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", wc.ConfigString("model"))
	v, _ := wc.Config("temperature")
	assert.Equal(t, 0.3, v)
	assert.Equal(t, "/in", wc.GetString("input_folder"))
	assert.Equal(t, g.Budgets, wc.Budgets())

	other, err := o.NewContext(nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, wc.RunID(), other.RunID())
}

func TestRun_Spans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	f := newFixture(t)
	calls := 0
	f.agent(t, "flaky", func(context.Context, *workflow.Context) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	g := graph([]workflow.StepDefinition{step("a", "flaky", 2)})

	_, err := run(t, f.new(g, WithTracer(tel.Tracer(instrumentationName))), nil)
	require.NoError(t, err)
	tel.AssertSpanExists(t, "specflow.run")
	tel.AssertSpanAttribute(t, "specflow.step", "step.status", "failed")
	tel.AssertSpanAttribute(t, "specflow.run", "run.status", "completed")
	tel.AssertSpanAttribute(t, "specflow.run", "run.attempts", int64(2))

	steps := tel.SpansNamed("specflow.step")
	require.Len(t, steps, 2)
	root := tel.SpanByName("specflow.run")
	for i, s := range steps {
		attempt, _ := telemetry.SpanAttribute(s, "step.attempt")
		assert.Equal(t, int64(i+1), attempt)
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID(), "step spans are children of the run span")
	}
	status, _ := telemetry.SpanAttribute(steps[1], "step.status")
	assert.Equal(t, "passed", status)
}

// cannedModel answers every prompt with the same JSON items.
type cannedModel struct {
	mu    sync.Mutex
	calls int
}

func (m *cannedModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content: `[{"title": "Adopt sqlite", "item_type": "decision", "confidence": 0.8, "tags": ["storage"]}]`,
	}}}, nil
}

func (m *cannedModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func TestRun_TextExtractionPipeline(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(in, "notes.md"), []byte("We decided to adopt sqlite."), 0o600))

	specReg := specs.NewRegistry(nil)
	require.NoError(t, specs.RegisterBuiltins(specReg))
	model := &cannedModel{}
	agentReg := agents.NewRegistry()
	require.NoError(t, agents.RegisterBuiltins(agentReg, agents.NewExtractAgent(agents.WithModel(model))))

	g, err := manifest.NewLoader(specReg, agentReg, nil).LoadFile(context.Background(), "../../manifests/text_extraction.yaml")
	require.NoError(t, err)

	o := New(g, specReg, agentReg, WithSleeper(func(context.Context, time.Duration) error { return nil }))
	wc, err := o.NewContext(map[string]any{specs.ConfigAPIKey: "sk-test"}, map[string]any{
		specs.KeyInputFolder:  in,
		specs.KeyOutputFolder: out,
	})
	require.NoError(t, err)

	rec, err := o.Run(context.Background(), wc)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, rec.Status)
	require.Len(t, rec.Steps, 3)
	assert.Equal(t, []string{"intake", "extract", "write"},
		[]string{rec.Steps[0].StepID, rec.Steps[1].StepID, rec.Steps[2].StepID})
	assert.Equal(t, 1, model.calls)
	assert.Equal(t, in, rec.Metadata["input_folder"])
	assert.Equal(t, "gpt-4o", rec.Metadata["model"])

	assert.FileExists(t, filepath.Join(out, agents.SummaryFile))
	assert.FileExists(t, filepath.Join(out, "items", "adopt_sqlite.md"))
}

type recordingObserver struct {
	events []string
}

func (r *recordingObserver) RunStarted(_ context.Context, run *workflow.RunRecord) {
	r.events = append(r.events, "started:"+string(run.Status))
}

func (r *recordingObserver) StepFinished(_ context.Context, runID string, a workflow.StepAttempt) {
	r.events = append(r.events, "step:"+a.StepID+":"+string(a.Status))
}

func (r *recordingObserver) RunFinished(_ context.Context, run *workflow.RunRecord) {
	r.events = append(r.events, "finished:"+string(run.Status))
}

type panickingObserver struct{}

func (panickingObserver) RunStarted(context.Context, *workflow.RunRecord)            { panic("x") }
func (panickingObserver) StepFinished(context.Context, string, workflow.StepAttempt) { panic("x") }
func (panickingObserver) RunFinished(context.Context, *workflow.RunRecord)           { panic("x") }

func TestRun_Observers(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "idle", noop)
	g := graph([]workflow.StepDefinition{step("a", "idle", 1), step("b", "idle", 1)},
		edge("a", "b", workflow.OnPass))

	obs := &recordingObserver{}
	rec, err := run(t, f.new(g, WithObserver(panickingObserver{}), WithObserver(obs)), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, rec.Status)
	assert.Equal(t, []string{
		"started:running",
		"step:a:passed",
		"step:b:passed",
		"finished:completed",
	}, obs.events)
}
