package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflow/internal/logging"
	"github.com/fyrsmithlabs/specflow/internal/router"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// Orchestrator walks a workflow graph, one step attempt at a time.
//
// An Orchestrator is safe for concurrent use; each run owns its own Context
// and RunRecord.
type Orchestrator struct {
	graph     *workflow.Graph
	router    *router.Router
	specs     SpecEvaluator
	agents    AgentResolver
	recorder  Recorder
	progress  []ProgressFunc
	observers []Observer
	logger    *logging.Logger
	tracer    trace.Tracer
	metrics   *Metrics
	sleep     Sleeper
	now       func() time.Time
}

// New creates an orchestrator for graph.
func New(graph *workflow.Graph, specs SpecEvaluator, agents AgentResolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		graph:  graph,
		router: router.ForGraph(graph),
		specs:  specs,
		agents: agents,
		logger: logging.NewNop(),
		tracer: defaultTracer(),
		sleep:  sleepCtx,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator")
	return o
}

// Graph returns the workflow this orchestrator runs.
func (o *Orchestrator) Graph() *workflow.Graph { return o.graph }

// NewContext creates the Context for a new run with a fresh id. The run
// config is the graph defaults overlaid with config; data seeds the
// context's data.
func (o *Orchestrator) NewContext(config, data map[string]any) (*workflow.Context, error) {
	merged := make(map[string]any, len(o.graph.Defaults)+len(config))
	for k, v := range o.graph.Defaults {
		merged[k] = v
	}
	for k, v := range config {
		merged[k] = v
	}
	wc, err := workflow.NewContext(uuid.NewString(), merged, o.graph.Budgets)
	if err != nil {
		return nil, err
	}
	for k, v := range data {
		wc.Set(k, v)
	}
	return wc, nil
}

// Run executes the workflow to completion on the calling goroutine. The
// returned error is non-nil exactly when the record's status is failed.
func (o *Orchestrator) Run(ctx context.Context, wc *workflow.Context) (*workflow.RunRecord, error) {
	return o.run(ctx, wc, nil)
}

// Handle tracks a run started with Start.
type Handle struct {
	RunID  string
	latest atomic.Pointer[workflow.RunRecord]
	done   chan struct{}
	rec    *workflow.RunRecord
	err    error
}

// Start executes the workflow on a new goroutine.
func (o *Orchestrator) Start(ctx context.Context, wc *workflow.Context) *Handle {
	h := &Handle{RunID: wc.RunID(), done: make(chan struct{})}
	h.latest.Store(&workflow.RunRecord{
		RunID:        wc.RunID(),
		ManifestName: o.graph.Name,
		Status:       workflow.RunRunning,
		StartedAt:    o.now().UTC(),
	})
	go func() {
		defer close(h.done)
		h.rec, h.err = o.run(ctx, wc, func(r *workflow.RunRecord) { h.latest.Store(r) })
	}()
	return h
}

// Done is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes and returns its result.
func (h *Handle) Wait() (*workflow.RunRecord, error) {
	<-h.done
	return h.rec, h.err
}

// Latest returns the most recently published snapshot of the run. The
// snapshot is shared and must not be modified.
func (h *Handle) Latest() *workflow.RunRecord {
	return h.latest.Load()
}

type runState struct {
	rec      *workflow.RunRecord
	wc       *workflow.Context
	lastFail map[string]string
	publish  func(*workflow.RunRecord)
}

func (rs *runState) emit() {
	if rs.publish != nil {
		rs.publish(rs.rec.Clone())
	}
}

func (o *Orchestrator) run(ctx context.Context, wc *workflow.Context, publish func(*workflow.RunRecord)) (*workflow.RunRecord, error) {
	rs := &runState{
		rec: &workflow.RunRecord{
			RunID:        wc.RunID(),
			ManifestName: o.graph.Name,
			Status:       workflow.RunRunning,
			Metadata:     runMetadata(wc),
			StartedAt:    o.now().UTC(),
		},
		wc:       wc,
		lastFail: make(map[string]string),
		publish:  publish,
	}

	ctx = logging.WithRunID(ctx, wc.RunID())
	ctx, span := o.tracer.Start(ctx, "specflow.run", trace.WithAttributes(
		attribute.String("run.id", wc.RunID()),
		attribute.String("manifest", o.graph.Name),
	))
	defer span.End()

	o.logger.Info(ctx, "run started",
		zap.String("manifest", o.graph.Name),
		zap.String("entry_step", o.graph.Entry),
	)
	if o.recorder != nil {
		if err := o.recorder.RecordRunStart(context.WithoutCancel(ctx), rs.rec.Clone()); err != nil {
			o.persistenceFailed(ctx, rs, "record_run_start", err)
		}
	}
	rs.emit()
	o.observe(ctx, func(obs Observer) { obs.RunStarted(ctx, rs.rec.Clone()) })

	err := o.walk(ctx, rs)
	o.finish(ctx, rs, err)

	span.SetAttributes(
		attribute.String("run.status", string(rs.rec.Status)),
		attribute.Int("run.attempts", len(rs.rec.Steps)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rs.rec, err
}

// walk follows the graph from the entry step until a terminal route or a
// fatal error.
func (o *Orchestrator) walk(ctx context.Context, rs *runState) error {
	current := o.graph.Entry
	visits := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled before step %q: %w", current, err)
		}
		step, ok := o.graph.Step(current)
		if !ok {
			return &workflow.ConfigurationError{Kind: "step", ID: current}
		}

		outcome, last, err := o.runStep(ctx, rs, step)
		visits++
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled after step %q: %w", step.ID, err)
		}

		next, terminal := o.router.Select(step.ID, outcome)
		o.logger.Debug(ctx, "step routed",
			zap.String("step", step.ID),
			zap.String("outcome", string(outcome)),
			zap.String("next", next),
		)
		if terminal {
			if last.Status == workflow.StepFailed {
				return &workflow.StepFailedError{StepID: step.ID, Attempts: last.Attempt, Reason: last.Error}
			}
			return nil
		}
		if limit := rs.wc.Budgets().MaxTotalSteps; limit > 0 && visits >= limit {
			return &workflow.BudgetExceededError{Budget: "max_total_steps", Limit: limit}
		}
		current = next
	}
}

func (o *Orchestrator) finish(ctx context.Context, rs *runState, err error) {
	rs.rec.FinishedAt = o.now().UTC()
	if err == nil {
		rs.rec.Status = workflow.RunCompleted
	} else {
		rs.rec.Status = workflow.RunFailed
		rs.rec.Error = err.Error()
		rs.rec.ErrorKind = workflow.KindOf(err)
	}

	if o.recorder != nil {
		if perr := o.recorder.RecordRunEnd(context.WithoutCancel(ctx), rs.rec.Clone()); perr != nil {
			o.persistenceFailed(ctx, rs, "record_run_end", perr)
		}
	}
	if o.metrics != nil {
		o.metrics.RunsTotal.WithLabelValues(string(rs.rec.Status), string(rs.rec.ErrorKind)).Inc()
	}
	rs.emit()
	o.observe(ctx, func(obs Observer) { obs.RunFinished(ctx, rs.rec.Clone()) })

	fields := []zap.Field{
		zap.String("status", string(rs.rec.Status)),
		zap.Int("attempts", len(rs.rec.Steps)),
		zap.Duration("duration", rs.rec.FinishedAt.Sub(rs.rec.StartedAt)),
	}
	if err != nil {
		o.logger.Warn(ctx, "run failed", append(fields,
			zap.String("error_kind", string(rs.rec.ErrorKind)),
			zap.Error(err),
		)...)
		return
	}
	o.logger.Info(ctx, "run completed", fields...)
}

func (o *Orchestrator) persistenceFailed(ctx context.Context, rs *runState, op string, err error) {
	perr := &workflow.PersistenceError{Op: op, RunID: rs.rec.RunID, Err: err}
	rs.rec.PersistenceErrors = append(rs.rec.PersistenceErrors, perr.Error())
	o.logger.Error(ctx, "persistence failed", zap.String("op", op), zap.Error(perr))
}

func runMetadata(wc *workflow.Context) map[string]string {
	md := make(map[string]string)
	for _, key := range []string{"input_folder", "output_folder"} {
		if v := wc.GetString(key); v != "" {
			md[key] = v
		}
	}
	if model := wc.ConfigString("model"); model != "" {
		md["model"] = model
	}
	return md
}
