package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflow/internal/agents"
	"github.com/fyrsmithlabs/specflow/internal/logging"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// runStep executes one visit of step, retrying failed attempts until they
// pass, run out of attempts, or hit a fatal condition. It returns the edge
// condition to follow and the last attempt.
func (o *Orchestrator) runStep(ctx context.Context, rs *runState, step workflow.StepDefinition) (workflow.Condition, workflow.StepAttempt, error) {
	maxAttempts := workflow.EffectiveMaxAttempts(step.Retry, rs.wc.Budgets())

	for attempt := 1; ; attempt++ {
		a, err := o.runAttempt(ctx, rs, step, attempt)
		o.record(ctx, rs, a)
		if err != nil {
			return "", a, err
		}

		switch a.Status {
		case workflow.StepPassed:
			rs.wc.Delete(workflow.RetryKey)
			delete(rs.lastFail, step.ID)
			return workflow.OnPass, a, nil
		case workflow.StepSkipped:
			return workflow.OnFail, a, nil
		}

		if attempt >= maxAttempts {
			return workflow.OnFail, a, nil
		}

		rs.wc.Set(workflow.RetryKey, retryInfo(a))
		o.logger.Info(ctx, "retrying step",
			zap.String("step", step.ID),
			zap.Int("next_attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", step.Retry.Delay),
		)
		if err := o.sleep(ctx, step.Retry.Delay); err != nil {
			return "", a, fmt.Errorf("run cancelled before retrying step %q: %w", step.ID, err)
		}
	}
}

// runAttempt is one pass through the step state machine. The returned
// attempt is always finalized, with both snapshots set, even when err is
// non-nil.
func (o *Orchestrator) runAttempt(ctx context.Context, rs *runState, step workflow.StepDefinition, attemptNo int) (a workflow.StepAttempt, err error) {
	ctx = logging.WithStep(ctx, step.ID, attemptNo)
	ctx, span := o.tracer.Start(ctx, "specflow.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("agent.id", step.AgentID),
		attribute.Int("step.attempt", attemptNo),
	))

	a = workflow.StepAttempt{
		Seq:       len(rs.rec.Steps) + 1,
		StepID:    step.ID,
		AgentID:   step.AgentID,
		Attempt:   attemptNo,
		Status:    workflow.StepRunning,
		StartedAt: o.now().UTC(),
	}
	traceMark := rs.wc.TraceLen()

	defer func() {
		a.FinishedAt = o.now().UTC()
		if a.ContextAfter == nil {
			a.ContextAfter = a.ContextBefore
		}
		if a.Status == workflow.StepRunning {
			a.Status = workflow.StepFailed
		}
		if err != nil && a.Error == "" {
			a.Error = err.Error()
		}
		span.SetAttributes(attribute.String("step.status", string(a.Status)))
		if a.Fingerprint != "" {
			span.SetAttributes(attribute.String("step.fingerprint", a.Fingerprint))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Specs are pure, so the data seen by the pre-checks is the data the
	// agent starts from.
	before, err := rs.wc.Snapshot()
	if err != nil {
		return a, fmt.Errorf("snapshotting context: %w", err)
	}
	a.ContextBefore = before

	inv, err := o.specs.EvaluateAll(ctx, step.InvariantSpecs, rs.wc)
	a.InvariantResults = inv
	if err != nil {
		return a, err
	}
	if !workflow.AllPassed(inv) {
		a.Status = workflow.StepFailed
		return a, invariantViolation(step.ID, inv)
	}

	pre, err := o.specs.EvaluateAll(ctx, step.PreSpecs, rs.wc)
	a.PreResults = pre
	if err != nil {
		return a, err
	}
	if !workflow.AllPassed(pre) {
		a.Status = workflow.StepSkipped
		a.Error = "pre-spec failed: " + describeFailures(pre)
		return a, nil
	}

	agent, err := o.agents.Get(step.AgentID)
	if err != nil {
		return a, err
	}
	agentErr := o.execute(ctx, step, agent, rs.wc)

	after, err := rs.wc.Snapshot()
	a.Trace = rs.wc.TraceSince(traceMark)
	if err != nil {
		return a, fmt.Errorf("snapshotting context: %w", err)
	}
	a.ContextAfter = after

	var post []workflow.SpecResult
	if agentErr != nil {
		a.Error = agentErr.Error()
		post = []workflow.SpecResult{{
			RuleID:       AgentExecutionRule,
			Passed:       false,
			Message:      agentErr.Error(),
			SuggestedFix: "Check the agent's inputs and dependencies",
			Tags:         []string{"agent_error"},
		}}
	} else {
		post, err = o.specs.EvaluateAll(ctx, step.PostSpecs, rs.wc)
		if err != nil {
			a.PostResults = post
			return a, err
		}
	}
	a.PostResults = post

	if !workflow.AllPassed(post) {
		a.Status = workflow.StepFailed
		if a.Error == "" {
			a.Error = "post-spec failed: " + describeFailures(post)
		}
		failed := workflow.FailedRuleIDs(post)
		a.Fingerprint = workflow.Fingerprint(step.ID, rs.wc.Keys(), failed)

		prev, seen := rs.lastFail[step.ID]
		rs.lastFail[step.ID] = a.Fingerprint
		if seen && prev == a.Fingerprint {
			if o.metrics != nil {
				o.metrics.LoopDetectionsTotal.WithLabelValues(step.ID).Inc()
			}
			return a, &workflow.LoopDetectedError{
				StepID:      step.ID,
				Attempt:     attemptNo,
				Fingerprint: a.Fingerprint,
				FailedRules: failed,
			}
		}
		return a, nil
	}

	recheck, err := o.specs.EvaluateAll(ctx, step.InvariantSpecs, rs.wc)
	a.InvariantResults = append(a.InvariantResults, recheck...)
	if err != nil {
		return a, err
	}
	if !workflow.AllPassed(recheck) {
		a.Status = workflow.StepFailed
		return a, invariantViolation(step.ID, recheck)
	}

	a.Status = workflow.StepPassed
	return a, nil
}

// execute runs the agent, converting an error or panic into an
// *workflow.AgentExecutionError. The agent's context carries the run's values
// and span but not its cancellation; a cancelled run stops at the next step
// boundary.
func (o *Orchestrator) execute(ctx context.Context, step workflow.StepDefinition, agent agents.Agent, wc *workflow.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &workflow.AgentExecutionError{StepID: step.ID, AgentID: step.AgentID, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			o.logger.Warn(ctx, "agent failed", zap.String("agent", step.AgentID), zap.Error(err))
		}
	}()
	if e := agent.Execute(context.WithoutCancel(ctx), wc); e != nil {
		return &workflow.AgentExecutionError{StepID: step.ID, AgentID: step.AgentID, Err: e}
	}
	return nil
}

// record appends a finalized attempt to the run, persists it, publishes the
// new snapshot and then notifies progress callbacks.
func (o *Orchestrator) record(ctx context.Context, rs *runState, a workflow.StepAttempt) {
	rs.rec.Steps = append(rs.rec.Steps, a)

	if o.metrics != nil {
		o.metrics.StepAttemptsTotal.WithLabelValues(a.StepID, string(a.Status)).Inc()
		o.metrics.StepDuration.WithLabelValues(a.StepID).Observe(a.Duration().Seconds())
	}
	o.logger.Info(ctx, "step attempt finished",
		zap.String("step", a.StepID),
		zap.Int("attempt", a.Attempt),
		zap.String("status", string(a.Status)),
		zap.Duration("duration", a.Duration()),
		zap.String("fingerprint", a.Fingerprint),
	)

	if o.recorder != nil {
		if err := o.recorder.RecordStepAttempt(context.WithoutCancel(ctx), rs.rec.RunID, a); err != nil {
			o.persistenceFailed(ctx, rs, "record_step_attempt", err)
		}
	}
	rs.emit()

	for _, fn := range o.progress {
		o.notify(ctx, fn, a)
	}
	o.observe(ctx, func(obs Observer) { obs.StepFinished(ctx, rs.rec.RunID, a) })
}

func (o *Orchestrator) observe(ctx context.Context, call func(Observer)) {
	for _, obs := range o.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error(ctx, "observer panicked", zap.Any("panic", r))
				}
			}()
			call(obs)
		}()
	}
}

func (o *Orchestrator) notify(ctx context.Context, fn ProgressFunc, a workflow.StepAttempt) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(ctx, "progress callback panicked",
				zap.String("step", a.StepID),
				zap.Any("panic", r),
			)
		}
	}()
	fn(a.StepID, a.Attempt, a.Status, a)
}

func retryInfo(a workflow.StepAttempt) map[string]any {
	var messages []string
	for _, r := range a.PostResults {
		if !r.Passed {
			messages = append(messages, r.Message)
		}
	}
	return map[string]any{
		"step_id":      a.StepID,
		"attempt":      a.Attempt,
		"failed_rules": workflow.FailedRuleIDs(a.PostResults),
		"messages":     messages,
	}
}

func invariantViolation(stepID string, results []workflow.SpecResult) *workflow.InvariantViolationError {
	e := &workflow.InvariantViolationError{StepID: stepID}
	for _, r := range results {
		if !r.Passed {
			e.RuleIDs = append(e.RuleIDs, r.RuleID)
			e.Messages = append(e.Messages, r.RuleID+": "+r.Message)
		}
	}
	return e
}

func describeFailures(results []workflow.SpecResult) string {
	var parts []string
	for _, r := range results {
		if !r.Passed {
			parts = append(parts, r.RuleID+": "+r.Message)
		}
	}
	return strings.Join(parts, "; ")
}
