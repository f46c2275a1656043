// Package sqlite implements the store contract on an embedded SQLite
// database via modernc.org/sqlite. A single connection serializes all
// writes, which keeps task claiming atomic without row locks
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/pkg/api"
)

type (
	// Store is the SQLite-backed store
	Store struct {
		db     *sql.DB
		logger *slog.Logger
		lease  time.Duration
	}

	// Option configures a Store during construction
	Option func(*Store)
)

// DefaultLease is how long a claim holds a task before another worker may
// reclaim it from a crashed or stalled owner
const DefaultLease = time.Minute

// compile-time check
var _ store.Store = (*Store)(nil)

// WithLogger sets the logger used for store diagnostics
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithLease sets the claim lease duration
func WithLease(d time.Duration) Option {
	return func(s *Store) {
		s.lease = d
	}
}

// New opens or creates the database file at path. Foreign keys and WAL
// journaling are enabled through the DSN
func New(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: nopLogger(),
		lease:  DefaultLease,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateWorkflow inserts the workflow row, appends WORKFLOW_STARTED
// carrying the input and any initial state, and enqueues the first STEP
// task, all in one transaction
func (s *Store) CreateWorkflow(
	ctx context.Context, wf *api.Workflow, initialState json.RawMessage,
) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE id = ?`, string(wf.ID),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check workflow: %w", err)
	}
	if exists > 0 {
		return store.ErrWorkflowExists
	}

	now := nowMillis()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows
			(id, name, version, status, input, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(wf.ID), wf.Name, wf.Version, string(api.StatusRunning),
		rawOrEmpty(wf.Input), now, now)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	started, err := api.NewEvent(wf.ID, api.EventWorkflowStarted,
		api.WorkflowStartedPayload{
			Input:        wf.Input,
			InitialState: initialState,
		})
	if err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, &started, now); err != nil {
		return err
	}

	if err := insertStepTask(ctx, tx, wf.ID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: workflow created",
		"workflow_id", string(wf.ID), "name", wf.Name)
	return nil
}

// LoadWorkflow returns the workflow row, or store.ErrNotFound
func (s *Store) LoadWorkflow(
	ctx context.Context, id api.WorkflowID,
) (*api.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, status, input, created_at, updated_at
		 FROM workflows WHERE id = ?`, string(id))
	return scanWorkflow(row)
}

// ListWorkflows returns workflow rows newest first, optionally filtered by
// status. A limit of zero means no limit
func (s *Store) ListWorkflows(
	ctx context.Context, status api.WorkflowStatus, limit int,
) ([]*api.Workflow, error) {
	q := `SELECT id, name, version, status, input, created_at, updated_at
	      FROM workflows`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var res []*api.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, rows.Err()
}

// LoadHistory returns the workflow's events in append order
func (s *Store) LoadHistory(
	ctx context.Context, id api.WorkflowID,
) ([]api.Event, error) {
	return s.Events(ctx, id, 0)
}

// Events returns events with sequence greater than afterSeq, in append order
func (s *Store) Events(
	ctx context.Context, id api.WorkflowID, afterSeq int64,
) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, type, payload, created_at
		 FROM events WHERE workflow_id = ? AND id > ?
		 ORDER BY id`, string(id), afterSeq)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var res []api.Event
	for rows.Next() {
		var (
			e       api.Event
			wid     string
			typ     string
			payload string
			created int64
		)
		if err := rows.Scan(
			&e.Seq, &wid, &typ, &payload, &created,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.WorkflowID = api.WorkflowID(wid)
		e.Type = api.EventType(typ)
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = time.UnixMilli(created).UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}

// Commit flushes a bundle of events, task enqueues, a task settlement, and
// an optional status update in one transaction. A workflow that reached a
// terminal status while the bundle was being built keeps its terminal
// event final: the buffered effects are dropped and only the task
// settlement lands
func (s *Store) Commit(ctx context.Context, b *Bundle) error {
	if b.IsEmpty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := nowMillis()
	effects := len(b.Events) > 0 || len(b.Enqueue) > 0 || b.EnqueueStep ||
		b.SetStatus != ""
	if effects {
		err := checkActive(ctx, tx, b.WorkflowID)
		switch {
		case errors.Is(err, store.ErrWorkflowTerminal):
			effects = false
		case err != nil:
			return err
		}
	}
	if effects {
		for i := range b.Events {
			if err := insertEvent(ctx, tx, &b.Events[i], now); err != nil {
				return err
			}
		}
		for i := range b.Enqueue {
			if err := insertTask(ctx, tx, &b.Enqueue[i], now); err != nil {
				return err
			}
		}
		if b.EnqueueStep {
			err := enqueueStepIfIdle(ctx, tx, b.WorkflowID, now)
			if err != nil {
				return err
			}
		}
		if b.SetStatus != "" {
			if err := b.SetStatus.Validate(); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE workflows SET status = ?, updated_at = ?
				 WHERE id = ?`,
				string(b.SetStatus), now, string(b.WorkflowID))
			if err != nil {
				return fmt.Errorf("update workflow status: %w", err)
			}
		}
	}
	if b.CompleteTask != "" {
		if err := settleTask(ctx, tx,
			`UPDATE tasks SET status = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(api.TaskCompleted), now,
			string(b.CompleteTask), string(api.TaskRunning),
		); err != nil {
			return err
		}
	}
	if f := b.FailTask; f != nil {
		if f.Retry {
			err = settleTask(ctx, tx,
				`UPDATE tasks
				 SET status = ?, run_at = ?, last_error = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(api.TaskPending), now+f.Backoff.Milliseconds(),
				f.Error, now, string(f.ID), string(api.TaskRunning))
		} else {
			err = settleTask(ctx, tx,
				`UPDATE tasks SET status = ?, last_error = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(api.TaskFailed), f.Error, now,
				string(f.ID), string(api.TaskRunning))
		}
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ClaimNextTask atomically claims the oldest due PENDING task, or reclaims
// a RUNNING task whose lease has expired. STEP tasks are skipped while
// their workflow has any live RUNNING task; other kinds are skipped while
// their workflow has a live RUNNING STEP. An expired claim never blocks
// its own reclaim
func (s *Store) ClaimNextTask(
	ctx context.Context, workerID string, now time.Time,
) (*api.Task, error) {
	nowMs := now.UnixMilli()
	leaseUntil := now.Add(s.lease).UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`UPDATE tasks
		 SET status = 'RUNNING', attempts = attempts + 1,
		     claimed_by = ?, lease_until = ?, updated_at = ?
		 WHERE id = (
			SELECT t.id FROM tasks t
			WHERE ((t.status = 'PENDING' AND t.run_at <= ?)
			    OR (t.status = 'RUNNING' AND t.lease_until <= ?))
			  AND ((t.kind = 'STEP' AND NOT EXISTS (
					SELECT 1 FROM tasks r
					WHERE r.workflow_id = t.workflow_id
					  AND r.id <> t.id
					  AND r.status = 'RUNNING' AND r.lease_until > ?))
			    OR (t.kind <> 'STEP' AND NOT EXISTS (
					SELECT 1 FROM tasks r
					WHERE r.workflow_id = t.workflow_id
					  AND r.id <> t.id
					  AND r.kind = 'STEP' AND r.status = 'RUNNING'
					  AND r.lease_until > ?)))
			ORDER BY t.run_at, t.created_at, t.id
			LIMIT 1
		 ) AND status IN ('PENDING', 'RUNNING')
		 RETURNING id, workflow_id, kind, target, run_at, status,
		           attempts, max_attempts, COALESCE(last_error, ''),
		           created_at, updated_at`,
		workerID, leaseUntil, nowMillis(),
		nowMs, nowMs, nowMs, nowMs)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// AppendSignal appends SIGNAL_RECEIVED and enqueues a STEP task if none is
// pending or running for the workflow
func (s *Store) AppendSignal(
	ctx context.Context, id api.WorkflowID, name string,
	payload json.RawMessage,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := checkActive(ctx, tx, id); err != nil {
		return err
	}

	now := nowMillis()
	ev, err := api.NewEvent(id, api.EventSignalReceived,
		api.SignalReceivedPayload{Name: name, Payload: payload})
	if err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, &ev, now); err != nil {
		return err
	}

	if err := enqueueStepIfIdle(ctx, tx, id, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: signal appended",
		"workflow_id", string(id), "signal", name)
	return nil
}

// CancelWorkflow appends WORKFLOW_CANCELLED and marks the workflow
// CANCELLED. In-flight tasks are left to drain; the next step run observes
// the terminal event and stops
func (s *Store) CancelWorkflow(
	ctx context.Context, id api.WorkflowID, reason string,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := checkActive(ctx, tx, id); err != nil {
		return err
	}

	now := nowMillis()
	ev, err := api.NewEvent(id, api.EventWorkflowCancelled,
		api.WorkflowCancelledPayload{Reason: reason})
	if err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, &ev, now); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
		string(api.StatusCancelled), now, string(id))
	if err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: workflow cancelled", "workflow_id", string(id))
	return nil
}

// AppendLog writes a log line to the workflow's log sink
func (s *Store) AppendLog(
	ctx context.Context, id api.WorkflowID, level, message string,
) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (workflow_id, level, message, created_at)
		 VALUES (?, ?, ?, ?)`,
		string(id), level, message, nowMillis())
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns a workflow's log lines in append order. A limit of zero
// means no limit
func (s *Store) ListLogs(
	ctx context.Context, id api.WorkflowID, limit int,
) ([]store.LogEntry, error) {
	q := `SELECT id, workflow_id, level, message, created_at
	      FROM logs WHERE workflow_id = ? ORDER BY id`
	args := []any{string(id)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var res []store.LogEntry
	for rows.Next() {
		var (
			e       store.LogEntry
			wid     string
			created int64
		)
		if err := rows.Scan(
			&e.ID, &wid, &e.Level, &e.Message, &created,
		); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.WorkflowID = api.WorkflowID(wid)
		e.CreatedAt = time.UnixMilli(created).UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}

// Bundle aliases the shared bundle type for callers of this package
type Bundle = store.Bundle

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*api.Workflow, error) {
	var (
		wf      api.Workflow
		id      string
		status  string
		input   string
		created int64
		updated int64
	)
	err := row.Scan(
		&id, &wf.Name, &wf.Version, &status, &input, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	wf.ID = api.WorkflowID(id)
	wf.Status = api.WorkflowStatus(status)
	wf.Input = json.RawMessage(input)
	wf.CreatedAt = time.UnixMilli(created).UTC()
	wf.UpdatedAt = time.UnixMilli(updated).UTC()
	return &wf, nil
}

func scanTask(row scanner) (*api.Task, error) {
	var (
		t       api.Task
		id      string
		wid     string
		kind    string
		status  string
		runAt   int64
		created int64
		updated int64
	)
	err := row.Scan(
		&id, &wid, &kind, &t.Target, &runAt, &status,
		&t.Attempts, &t.MaxAttempts, &t.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.ID = api.TaskID(id)
	t.WorkflowID = api.WorkflowID(wid)
	t.Kind = api.TaskKind(kind)
	t.Status = api.TaskStatus(status)
	t.RunAt = time.UnixMilli(runAt).UTC()
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return &t, nil
}

func insertEvent(
	ctx context.Context, tx *sql.Tx, e *api.Event, now int64,
) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at)
		 VALUES (?, ?, ?, ?)`,
		string(e.WorkflowID), string(e.Type), rawOrEmpty(e.Payload), now)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.Type, err)
	}
	return nil
}

func insertTask(
	ctx context.Context, tx *sql.Tx, t *api.Task, now int64,
) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tasks
			(id, workflow_id, kind, target, run_at, status,
			 attempts, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.ID), string(t.WorkflowID), string(t.Kind), t.Target,
		t.RunAt.UnixMilli(), string(api.TaskPending),
		t.Attempts, t.MaxAttempts, now, now)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.Kind, err)
	}
	return nil
}

// insertStepTask enqueues an immediately runnable STEP task. The small
// attempt budget covers transient store errors during dispatch
func insertStepTask(
	ctx context.Context, tx *sql.Tx, id api.WorkflowID, now int64,
) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tasks
			(id, workflow_id, kind, target, run_at, status,
			 attempts, max_attempts, created_at, updated_at)
		 VALUES (?, ?, 'STEP', '', ?, 'PENDING', 0, 3, ?, ?)`,
		uuid.NewString(), string(id), now, now, now)
	if err != nil {
		return fmt.Errorf("insert step task: %w", err)
	}
	return nil
}

// enqueueStepIfIdle inserts a STEP task unless one is already pending or
// running, keeping at most one step resume queued per workflow
func enqueueStepIfIdle(
	ctx context.Context, tx *sql.Tx, id api.WorkflowID, now int64,
) error {
	var pending int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks
		 WHERE workflow_id = ? AND kind = 'STEP'
		   AND status IN ('PENDING', 'RUNNING')`, string(id),
	).Scan(&pending)
	if err != nil {
		return fmt.Errorf("check step tasks: %w", err)
	}
	if pending > 0 {
		return nil
	}
	return insertStepTask(ctx, tx, id, now)
}

func settleTask(
	ctx context.Context, tx *sql.Tx, q string, args ...any,
) error {
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("settle task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle task: %w", err)
	}
	if n == 0 {
		return store.ErrTaskNotRunning
	}
	return nil
}

// checkActive verifies the workflow exists and has not finished
func checkActive(ctx context.Context, tx *sql.Tx, id api.WorkflowID) error {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM workflows WHERE id = ?`, string(id),
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load workflow status: %w", err)
	}
	if api.WorkflowStatus(status).IsTerminal() {
		return store.ErrWorkflowTerminal
	}
	return nil
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func nopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
