// Package postgres implements the store contract on PostgreSQL via
// jackc/pgx. The pool is externally owned: the caller creates it with
// pgxpool.New and closes it after the store. Task claiming relies on
// FOR UPDATE SKIP LOCKED so multiple engine processes can share one
// database without stepping on each other
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/pkg/api"
)

type (
	// Store is the PostgreSQL-backed store
	Store struct {
		pool   *pgxpool.Pool
		logger *slog.Logger
		lease  time.Duration
	}

	// Option configures a Store during construction
	Option func(*Store)
)

// DefaultLease is how long a claim holds a task before another worker may
// reclaim it from a crashed or stalled owner
const DefaultLease = time.Minute

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

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		logger: slog.New(slog.DiscardHandler),
		lease:  DefaultLease,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close is a no-op; the pool is owned by the caller
func (s *Store) Close() error {
	return nil
}

// Migrate applies any pending schema migrations in version order
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = $1`,
			m.version,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		s.logger.Info("postgres: migration applied",
			"version", m.version, "name", m.name)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at)
		 VALUES ($1, $2, now())`, m.version, m.name)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`INSERT INTO workflows
			(id, name, version, status, input, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (id) DO NOTHING`,
		string(wf.ID), wf.Name, wf.Version, string(api.StatusRunning),
		rawOrEmpty(wf.Input), now)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrWorkflowExists
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
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("postgres: workflow created",
		"workflow_id", string(wf.ID), "name", wf.Name)
	return nil
}

// LoadWorkflow returns the workflow row, or store.ErrNotFound
func (s *Store) LoadWorkflow(
	ctx context.Context, id api.WorkflowID,
) (*api.Workflow, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, version, status, input, created_at, updated_at
		 FROM workflows WHERE id = $1`, string(id))
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
		q += ` WHERE status = $1`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

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
	rows, err := s.pool.Query(ctx,
		`SELECT id, workflow_id, type, payload, created_at
		 FROM events WHERE workflow_id = $1 AND id > $2
		 ORDER BY id`, string(id), afterSeq)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var res []api.Event
	for rows.Next() {
		var (
			e       api.Event
			wid     string
			typ     string
			payload []byte
		)
		if err := rows.Scan(
			&e.Seq, &wid, &typ, &payload, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.WorkflowID = api.WorkflowID(wid)
		e.Type = api.EventType(typ)
		e.Payload = json.RawMessage(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}

// Commit flushes a bundle of events, task enqueues, a task settlement, and
// an optional status update in one transaction. A workflow that reached a
// terminal status while the bundle was being built keeps its terminal
// event final: the buffered effects are dropped and only the task
// settlement lands. The status row is locked so concurrent committers
// serialize per workflow
func (s *Store) Commit(ctx context.Context, b *store.Bundle) error {
	if b.IsEmpty() {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	effects := len(b.Events) > 0 || len(b.Enqueue) > 0 || b.EnqueueStep ||
		b.SetStatus != ""
	if effects {
		err := checkActiveLocked(ctx, tx, b.WorkflowID)
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
			_, err = tx.Exec(ctx,
				`UPDATE workflows SET status = $1, updated_at = $2
				 WHERE id = $3`,
				string(b.SetStatus), now, string(b.WorkflowID))
			if err != nil {
				return fmt.Errorf("update workflow status: %w", err)
			}
		}
	}
	if b.CompleteTask != "" {
		if err := settleTask(ctx, tx,
			`UPDATE tasks SET status = $1, updated_at = $2
			 WHERE id = $3 AND status = $4`,
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
				 SET status = $1, run_at = $2, last_error = $3,
				     updated_at = $4
				 WHERE id = $5 AND status = $6`,
				string(api.TaskPending), now.Add(f.Backoff),
				f.Error, now, string(f.ID), string(api.TaskRunning))
		} else {
			err = settleTask(ctx, tx,
				`UPDATE tasks
				 SET status = $1, last_error = $2, updated_at = $3
				 WHERE id = $4 AND status = $5`,
				string(api.TaskFailed), f.Error, now,
				string(f.ID), string(api.TaskRunning))
		}
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ClaimNextTask atomically claims the oldest due PENDING task, or reclaims
// a RUNNING task whose lease has expired. STEP tasks are skipped while
// their workflow has any live RUNNING task; other kinds are skipped while
// their workflow has a live RUNNING STEP. An expired claim never blocks
// its own reclaim. SKIP LOCKED keeps concurrent claimers from serializing
// on the same candidate row
func (s *Store) ClaimNextTask(
	ctx context.Context, workerID string, now time.Time,
) (*api.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks
		 SET status = 'RUNNING', attempts = attempts + 1,
		     claimed_by = $1, lease_until = $2, updated_at = $3
		 WHERE id = (
			SELECT t.id FROM tasks t
			WHERE ((t.status = 'PENDING' AND t.run_at <= $4)
			    OR (t.status = 'RUNNING' AND t.lease_until <= $4))
			  AND ((t.kind = 'STEP' AND NOT EXISTS (
					SELECT 1 FROM tasks r
					WHERE r.workflow_id = t.workflow_id
					  AND r.id <> t.id
					  AND r.status = 'RUNNING' AND r.lease_until > $4))
			    OR (t.kind <> 'STEP' AND NOT EXISTS (
					SELECT 1 FROM tasks r
					WHERE r.workflow_id = t.workflow_id
					  AND r.id <> t.id
					  AND r.kind = 'STEP' AND r.status = 'RUNNING'
					  AND r.lease_until > $4)))
			ORDER BY t.run_at, t.created_at, t.id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 ) AND status IN ('PENDING', 'RUNNING')
		 RETURNING id, workflow_id, kind, target, run_at, status,
		           attempts, max_attempts, COALESCE(last_error, ''),
		           created_at, updated_at`,
		workerID, now.Add(s.lease).UTC(), time.Now().UTC(), now.UTC())

	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := checkActive(ctx, tx, id); err != nil {
		return err
	}

	now := time.Now().UTC()
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
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CancelWorkflow appends WORKFLOW_CANCELLED and marks the workflow
// CANCELLED. In-flight tasks are left to drain; the next step run observes
// the terminal event and stops
func (s *Store) CancelWorkflow(
	ctx context.Context, id api.WorkflowID, reason string,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := checkActive(ctx, tx, id); err != nil {
		return err
	}

	now := time.Now().UTC()
	ev, err := api.NewEvent(id, api.EventWorkflowCancelled,
		api.WorkflowCancelledPayload{Reason: reason})
	if err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, &ev, now); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE workflows SET status = $1, updated_at = $2 WHERE id = $3`,
		string(api.StatusCancelled), now, string(id))
	if err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendLog writes a log line to the workflow's log sink
func (s *Store) AppendLog(
	ctx context.Context, id api.WorkflowID, level, message string,
) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO logs (workflow_id, level, message, created_at)
		 VALUES ($1, $2, $3, $4)`,
		string(id), level, message, time.Now().UTC())
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
	      FROM logs WHERE workflow_id = $1 ORDER BY id`
	args := []any{string(id)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var res []store.LogEntry
	for rows.Next() {
		var (
			e   store.LogEntry
			wid string
		)
		if err := rows.Scan(
			&e.ID, &wid, &e.Level, &e.Message, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.WorkflowID = api.WorkflowID(wid)
		res = append(res, e)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*api.Workflow, error) {
	var (
		wf     api.Workflow
		id     string
		status string
		input  []byte
	)
	err := row.Scan(&id, &wf.Name, &wf.Version, &status, &input,
		&wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	wf.ID = api.WorkflowID(id)
	wf.Status = api.WorkflowStatus(status)
	wf.Input = json.RawMessage(input)
	return &wf, nil
}

func scanTask(row scanner) (*api.Task, error) {
	var (
		t      api.Task
		id     string
		wid    string
		kind   string
		status string
	)
	err := row.Scan(
		&id, &wid, &kind, &t.Target, &t.RunAt, &status,
		&t.Attempts, &t.MaxAttempts, &t.LastError,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ID = api.TaskID(id)
	t.WorkflowID = api.WorkflowID(wid)
	t.Kind = api.TaskKind(kind)
	t.Status = api.TaskStatus(status)
	return &t, nil
}

func insertEvent(
	ctx context.Context, tx pgx.Tx, e *api.Event, now time.Time,
) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO events (workflow_id, type, payload, created_at)
		 VALUES ($1, $2, $3, $4)`,
		string(e.WorkflowID), string(e.Type), rawOrEmpty(e.Payload), now)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.Type, err)
	}
	return nil
}

func insertTask(
	ctx context.Context, tx pgx.Tx, t *api.Task, now time.Time,
) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO tasks
			(id, workflow_id, kind, target, run_at, status,
			 attempts, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		string(t.ID), string(t.WorkflowID), string(t.Kind), t.Target,
		t.RunAt.UTC(), string(api.TaskPending),
		t.Attempts, t.MaxAttempts, now)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.Kind, err)
	}
	return nil
}

// insertStepTask enqueues an immediately runnable STEP task. The small
// attempt budget covers transient store errors during dispatch
func insertStepTask(
	ctx context.Context, tx pgx.Tx, id api.WorkflowID, now time.Time,
) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO tasks
			(id, workflow_id, kind, target, run_at, status,
			 attempts, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, 'STEP', '', $3, 'PENDING', 0, 3, $3, $3)`,
		uuid.NewString(), string(id), now)
	if err != nil {
		return fmt.Errorf("insert step task: %w", err)
	}
	return nil
}

// enqueueStepIfIdle inserts a STEP task unless one is already pending or
// running, keeping at most one step resume queued per workflow
func enqueueStepIfIdle(
	ctx context.Context, tx pgx.Tx, id api.WorkflowID, now time.Time,
) error {
	var pending int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks
		 WHERE workflow_id = $1 AND kind = 'STEP'
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
	ctx context.Context, tx pgx.Tx, q string, args ...any,
) error {
	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("settle task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTaskNotRunning
	}
	return nil
}

func checkActive(ctx context.Context, tx pgx.Tx, id api.WorkflowID) error {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM workflows WHERE id = $1`, string(id),
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
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

// checkActiveLocked is checkActive with the workflow row locked for the
// duration of the transaction
func checkActiveLocked(
	ctx context.Context, tx pgx.Tx, id api.WorkflowID,
) error {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM workflows WHERE id = $1 FOR UPDATE`,
		string(id),
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
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

func rawOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}
