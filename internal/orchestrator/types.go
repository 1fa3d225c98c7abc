package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/specflow/internal/agents"
	"github.com/fyrsmithlabs/specflow/internal/logging"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/specflow/internal/orchestrator"

// AgentExecutionRule is the rule id of the synthetic post result recorded
// when an agent errors or panics.
const AgentExecutionRule = "agent_execution"

// SpecEvaluator evaluates rule ids against a context.
type SpecEvaluator interface {
	EvaluateAll(ctx context.Context, ruleIDs []string, v workflow.View) ([]workflow.SpecResult, error)
}

// AgentResolver resolves agent ids.
type AgentResolver interface {
	Get(id string) (agents.Agent, error)
}

// Recorder persists runs. Calls arrive in chronological order. Recording the
// same (run, seq) attempt twice must overwrite, never duplicate.
type Recorder interface {
	RecordRunStart(ctx context.Context, run *workflow.RunRecord) error
	RecordStepAttempt(ctx context.Context, runID string, attempt workflow.StepAttempt) error
	RecordRunEnd(ctx context.Context, run *workflow.RunRecord) error
}

// ProgressFunc is called synchronously after every finalized attempt. A
// panicking callback is recovered and logged.
type ProgressFunc func(stepID string, attempt int, status workflow.StepStatus, a workflow.StepAttempt)

// Observer receives run lifecycle events. Calls are synchronous and in
// chronological order; panics are recovered and logged.
type Observer interface {
	RunStarted(ctx context.Context, run *workflow.RunRecord)
	StepFinished(ctx context.Context, runID string, a workflow.StepAttempt)
	RunFinished(ctx context.Context, run *workflow.RunRecord)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder persists every run through r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithProgress adds a progress callback. Callbacks run in the order added.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.progress = append(o.progress, fn)
		}
	}
}

// WithObserver adds a lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer sets the tracer. The default is the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithMetrics records prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSleeper replaces the retry delay implementation.
func WithSleeper(s Sleeper) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sleep = s
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
