package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflow/internal/logging"
	"github.com/fyrsmithlabs/specflow/internal/secrets"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// SQLiteStore persists runs and step attempts in SQLite. Every write is an
// upsert keyed by run id (and sequence number for attempts), so recording
// the same attempt twice leaves a single row.
type SQLiteStore struct {
	db       *sql.DB
	scrubber *secrets.Scrubber
	logger   *logging.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithScrubber redacts secrets from everything written. The default
// scrubber uses secrets.DefaultConfig.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(st *SQLiteStore) { st.scrubber = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(st *SQLiteStore) {
		if l != nil {
			st.logger = l
		}
	}
}

// Open opens (creating if needed) the database at path. Use ":memory:" for
// a private in-memory database.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.scrubber == nil {
		if s.scrubber, err = secrets.New(nil); err != nil {
			db.Close()
			return nil, err
		}
	}
	s.logger = s.logger.Named("store")

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id TEXT PRIMARY KEY,
			manifest_name TEXT NOT NULL,
			status TEXT NOT NULL,
			metadata TEXT,
			error TEXT,
			error_kind TEXT,
			persistence_errors TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON workflow_runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS step_attempts (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			step_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			context_before TEXT,
			context_after TEXT,
			error TEXT,
			fingerprint TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS spec_results (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			phase TEXT NOT NULL,
			position INTEGER NOT NULL,
			rule_id TEXT NOT NULL,
			passed INTEGER NOT NULL,
			message TEXT,
			suggested_fix TEXT,
			tags TEXT,
			PRIMARY KEY (run_id, seq, phase, position)
		)`,
		`CREATE TABLE IF NOT EXISTS trace_entries (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			position INTEGER NOT NULL,
			type TEXT NOT NULL,
			agent TEXT,
			detail TEXT,
			ts DATETIME NOT NULL,
			PRIMARY KEY (run_id, seq, position)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordRunStart inserts or replaces the run row.
func (s *SQLiteStore) RecordRunStart(ctx context.Context, run *workflow.RunRecord) error {
	return s.upsertRun(ctx, run)
}

// RecordRunEnd updates the run row with its final status.
func (s *SQLiteStore) RecordRunEnd(ctx context.Context, run *workflow.RunRecord) error {
	return s.upsertRun(ctx, run)
}

func (s *SQLiteStore) upsertRun(ctx context.Context, run *workflow.RunRecord) error {
	metadata, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	perrs, err := json.Marshal(run.PersistenceErrors)
	if err != nil {
		return fmt.Errorf("encoding persistence errors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (run_id, manifest_name, status, metadata, error, error_kind, persistence_errors, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			manifest_name = excluded.manifest_name,
			status = excluded.status,
			metadata = excluded.metadata,
			error = excluded.error,
			error_kind = excluded.error_kind,
			persistence_errors = excluded.persistence_errors,
			finished_at = excluded.finished_at`,
		run.RunID, run.ManifestName, string(run.Status), string(metadata),
		s.scrubber.Scrub(run.Error).Scrubbed, string(run.ErrorKind), string(perrs),
		run.StartedAt, nullTime(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("upserting run %s: %w", run.RunID, err)
	}
	return nil
}

// RecordStepAttempt writes one finalized attempt with its spec results and
// trace. Snapshots and messages are scrubbed first.
func (s *SQLiteStore) RecordStepAttempt(ctx context.Context, runID string, a workflow.StepAttempt) (err error) {
	before, redactedBefore := s.scrubber.ScrubMap(a.ContextBefore)
	after, redactedAfter := s.scrubber.ScrubMap(a.ContextAfter)
	if n := redactedBefore + redactedAfter; n > 0 {
		s.logger.Debug(ctx, "redacted secrets from snapshots",
			zap.String("step", a.StepID), zap.Int("attempt", a.Attempt), zap.Int("redactions", n))
	}
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return fmt.Errorf("encoding context_before: %w", err)
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("encoding context_after: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO step_attempts (run_id, seq, step_id, agent_id, attempt, status, context_before, context_after, error, fingerprint, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO UPDATE SET
			step_id = excluded.step_id,
			agent_id = excluded.agent_id,
			attempt = excluded.attempt,
			status = excluded.status,
			context_before = excluded.context_before,
			context_after = excluded.context_after,
			error = excluded.error,
			fingerprint = excluded.fingerprint,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		runID, a.Seq, a.StepID, a.AgentID, a.Attempt, string(a.Status),
		string(beforeJSON), string(afterJSON), s.scrubber.Scrub(a.Error).Scrubbed, a.Fingerprint,
		a.StartedAt, nullTime(a.FinishedAt))
	if err != nil {
		return fmt.Errorf("upserting attempt %s/%d: %w", runID, a.Seq, err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM spec_results WHERE run_id = ? AND seq = ?`, runID, a.Seq); err != nil {
		return fmt.Errorf("clearing spec results: %w", err)
	}
	phases := []struct {
		phase   workflow.Phase
		results []workflow.SpecResult
	}{
		{workflow.PhasePre, a.PreResults},
		{workflow.PhasePost, a.PostResults},
		{workflow.PhaseInvariant, a.InvariantResults},
	}
	for _, p := range phases {
		for i, r := range p.results {
			tags, _ := json.Marshal(r.Tags)
			_, err = tx.ExecContext(ctx, `
				INSERT INTO spec_results (run_id, seq, phase, position, rule_id, passed, message, suggested_fix, tags)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				runID, a.Seq, string(p.phase), i, r.RuleID, r.Passed,
				s.scrubber.Scrub(r.Message).Scrubbed, r.SuggestedFix, string(tags))
			if err != nil {
				return fmt.Errorf("inserting spec result %s: %w", r.RuleID, err)
			}
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM trace_entries WHERE run_id = ? AND seq = ?`, runID, a.Seq); err != nil {
		return fmt.Errorf("clearing trace: %w", err)
	}
	for i, e := range a.Trace {
		detail, _ := s.scrubber.ScrubMap(e.Detail)
		detailJSON, jerr := json.Marshal(detail)
		if jerr != nil {
			err = fmt.Errorf("encoding trace detail: %w", jerr)
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trace_entries (run_id, seq, position, type, agent, detail, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, a.Seq, i, e.Type, e.Agent, string(detailJSON), e.Timestamp)
		if err != nil {
			return fmt.Errorf("inserting trace entry: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetRun loads a run with all of its attempts.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*workflow.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, runColumns+` WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if run.Steps, err = s.ListStepAttempts(ctx, runID); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first, without attempts.
// A limit <= 0 returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*workflow.RunRecord, error) {
	query := runColumns + ` ORDER BY started_at DESC, run_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*workflow.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountRuns returns the number of stored runs per status.
func (s *SQLiteStore) CountRuns(ctx context.Context) (map[workflow.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[workflow.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[workflow.RunStatus(status)] = n
	}
	return counts, rows.Err()
}

// ListStepAttempts returns a run's attempts in sequence order.
func (s *SQLiteStore) ListStepAttempts(ctx context.Context, runID string) ([]workflow.StepAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, step_id, agent_id, attempt, status, context_before, context_after, error, fingerprint, started_at, finished_at
		FROM step_attempts WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []workflow.StepAttempt
	index := map[int]int{}
	for rows.Next() {
		var (
			a                     workflow.StepAttempt
			status                string
			before, after, errMsg sql.NullString
			fingerprint           sql.NullString
			finished              sql.NullTime
		)
		if err := rows.Scan(&a.Seq, &a.StepID, &a.AgentID, &a.Attempt, &status, &before, &after,
			&errMsg, &fingerprint, &a.StartedAt, &finished); err != nil {
			return nil, err
		}
		a.Status = workflow.StepStatus(status)
		a.Error = errMsg.String
		a.Fingerprint = fingerprint.String
		if finished.Valid {
			a.FinishedAt = finished.Time
		}
		if a.ContextBefore, err = decodeMap(before); err != nil {
			return nil, fmt.Errorf("decoding context_before: %w", err)
		}
		if a.ContextAfter, err = decodeMap(after); err != nil {
			return nil, fmt.Errorf("decoding context_after: %w", err)
		}
		index[a.Seq] = len(attempts)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return attempts, nil
	}

	if err := s.loadSpecResults(ctx, runID, attempts, index); err != nil {
		return nil, err
	}
	if err := s.loadTrace(ctx, runID, attempts, index); err != nil {
		return nil, err
	}
	return attempts, nil
}

func (s *SQLiteStore) loadSpecResults(ctx context.Context, runID string, attempts []workflow.StepAttempt, index map[int]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, phase, rule_id, passed, message, suggested_fix, tags
		FROM spec_results WHERE run_id = ? ORDER BY seq, phase, position`, runID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq          int
			phase        string
			r            workflow.SpecResult
			message, fix sql.NullString
			tags         sql.NullString
		)
		if err := rows.Scan(&seq, &phase, &r.RuleID, &r.Passed, &message, &fix, &tags); err != nil {
			return err
		}
		r.Message = message.String
		r.SuggestedFix = fix.String
		if tags.Valid && tags.String != "" && tags.String != "null" {
			if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
				return fmt.Errorf("decoding tags: %w", err)
			}
		}
		i, ok := index[seq]
		if !ok {
			continue
		}
		a := &attempts[i]
		switch workflow.Phase(phase) {
		case workflow.PhasePre:
			a.PreResults = append(a.PreResults, r)
		case workflow.PhasePost:
			a.PostResults = append(a.PostResults, r)
		case workflow.PhaseInvariant:
			a.InvariantResults = append(a.InvariantResults, r)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) loadTrace(ctx context.Context, runID string, attempts []workflow.StepAttempt, index map[int]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, agent, detail, ts
		FROM trace_entries WHERE run_id = ? ORDER BY seq, position`, runID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq           int
			e             workflow.TraceEntry
			agent, detail sql.NullString
		)
		if err := rows.Scan(&seq, &e.Type, &agent, &detail, &e.Timestamp); err != nil {
			return err
		}
		e.Agent = agent.String
		if e.Detail, err = decodeMap(detail); err != nil {
			return fmt.Errorf("decoding trace detail: %w", err)
		}
		if i, ok := index[seq]; ok {
			attempts[i].Trace = append(attempts[i].Trace, e)
		}
	}
	return rows.Err()
}

const runColumns = `SELECT run_id, manifest_name, status, metadata, error, error_kind, persistence_errors, started_at, finished_at FROM workflow_runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*workflow.RunRecord, error) {
	var (
		run                    workflow.RunRecord
		status                 string
		metadata, errMsg, kind sql.NullString
		perrs                  sql.NullString
		finished               sql.NullTime
	)
	if err := row.Scan(&run.RunID, &run.ManifestName, &status, &metadata, &errMsg, &kind, &perrs,
		&run.StartedAt, &finished); err != nil {
		return nil, err
	}
	run.Status = workflow.RunStatus(status)
	run.Error = errMsg.String
	run.ErrorKind = workflow.ErrorKind(kind.String)
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	if metadata.Valid && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	if perrs.Valid && perrs.String != "null" {
		if err := json.Unmarshal([]byte(perrs.String), &run.PersistenceErrors); err != nil {
			return nil, fmt.Errorf("decoding persistence errors: %w", err)
		}
	}
	return &run, nil
}

func decodeMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
