// Package events publishes run progress to NATS.
//
// Events are published to:
//   - {prefix}.runs.{run_id}.started
//   - {prefix}.runs.{run_id}.step
//   - {prefix}.runs.{run_id}.finished
//
// The HTTP API relays them to clients as Server-Sent Events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflow/internal/logging"
	"github.com/fyrsmithlabs/specflow/internal/orchestrator"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "specflow"

// Event types, also the last subject token.
const (
	TypeStarted  = "started"
	TypeStep     = "step"
	TypeFinished = "finished"
)

// Event is the JSON payload of every published message.
type Event struct {
	Type        string             `json:"type"`
	RunID       string             `json:"run_id"`
	Manifest    string             `json:"manifest,omitempty"`
	Status      string             `json:"status"`
	StepID      string             `json:"step_id,omitempty"`
	Attempt     int                `json:"attempt,omitempty"`
	Seq         int                `json:"seq,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	FailedRules []string           `json:"failed_rules,omitempty"`
	DurationMS  int64              `json:"duration_ms,omitempty"`
	Attempts    int                `json:"attempts,omitempty"`
	Error       string             `json:"error,omitempty"`
	ErrorKind   workflow.ErrorKind `json:"error_kind,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Terminal reports whether no further events follow e for its run.
func (e Event) Terminal() bool { return e.Type == TypeFinished }

// Publisher publishes run lifecycle events. It implements
// orchestrator.Observer.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
	now    func() time.Time
}

var _ orchestrator.Observer = (*Publisher)(nil)

// NewPublisher creates a publisher. An empty prefix uses DefaultPrefix.
func NewPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger.Named("events"), now: time.Now}
}

// Subject returns the subject for one event type of a run. A "*" event
// type matches all of them.
func (p *Publisher) Subject(runID, eventType string) string {
	return fmt.Sprintf("%s.runs.%s.%s", p.prefix, runID, eventType)
}

// RunStarted publishes a started event.
func (p *Publisher) RunStarted(ctx context.Context, run *workflow.RunRecord) {
	p.publish(ctx, Event{
		Type:      TypeStarted,
		RunID:     run.RunID,
		Manifest:  run.ManifestName,
		Status:    string(run.Status),
		Timestamp: p.now().UTC(),
	})
}

// StepFinished publishes a step event for a finalized attempt.
func (p *Publisher) StepFinished(ctx context.Context, runID string, a workflow.StepAttempt) {
	p.publish(ctx, Event{
		Type:        TypeStep,
		RunID:       runID,
		Status:      string(a.Status),
		StepID:      a.StepID,
		Attempt:     a.Attempt,
		Seq:         a.Seq,
		Fingerprint: a.Fingerprint,
		FailedRules: workflow.FailedRuleIDs(a.PostResults),
		DurationMS:  a.Duration().Milliseconds(),
		Error:       a.Error,
		Timestamp:   p.now().UTC(),
	})
}

// RunFinished publishes a finished event.
func (p *Publisher) RunFinished(ctx context.Context, run *workflow.RunRecord) {
	p.publish(ctx, FinishedEvent(run, p.now()))
}

// FinishedEvent builds the finished event for a completed or failed run.
func FinishedEvent(run *workflow.RunRecord, at time.Time) Event {
	return Event{
		Type:      TypeFinished,
		RunID:     run.RunID,
		Manifest:  run.ManifestName,
		Status:    string(run.Status),
		Attempts:  len(run.Steps),
		Error:     run.Error,
		ErrorKind: run.ErrorKind,
		Timestamp: at.UTC(),
	}
}

func (p *Publisher) publish(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error(ctx, "failed to encode event", zap.String("type", e.Type), zap.Error(err))
		return
	}
	subject := p.Subject(e.RunID, e.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn(ctx, "failed to publish event", zap.String("subject", subject), zap.Error(err))
		return
	}
	p.logger.Trace(ctx, "event published", zap.String("subject", subject))
}

// Subscription delivers the decoded events of one run.
type Subscription struct {
	Events <-chan Event
	sub    *nats.Subscription
	done   chan struct{}
	once   sync.Once
}

// Close stops delivery and closes Events. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
	})
	return err
}

// Subscribe streams every event of runID. Messages that fail to decode are
// logged and skipped.
func (p *Publisher) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := p.nc.ChanSubscribe(p.Subject(runID, "*"), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe to run %s: %w", runID, err)
	}

	out := make(chan Event, 64)
	s := &Subscription{Events: out, sub: sub, done: make(chan struct{})}
	go func() {
		defer close(out)
		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case msg := <-msgs:
				var e Event
				if err := json.Unmarshal(msg.Data, &e); err != nil {
					p.logger.Warn(ctx, "dropping malformed event", zap.String("subject", msg.Subject), zap.Error(err))
					continue
				}
				if e.Type == "" {
					e.Type = msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
				}
				select {
				case out <- e:
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return s, nil
}
