package sqlite

import (
	"context"
	"fmt"
)

type migration struct {
	version int
	name    string
	sql     string
}

// migrations are applied in order inside a transaction each and recorded in
// schema_migrations. Never edit an applied migration; append a new one.
var migrations = []migration{
	{
		version: 1,
		name:    "initial",
		sql: `
CREATE TABLE workflows (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	status TEXT NOT NULL
		CHECK (status IN ('RUNNING','COMPLETED','FAILED','CANCELLED')),
	input TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX idx_workflows_status ON workflows(status);

CREATE TABLE events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL
		REFERENCES workflows(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX idx_events_workflow ON events(workflow_id);

CREATE TABLE tasks (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL
		REFERENCES workflows(id) ON DELETE CASCADE,
	kind TEXT NOT NULL CHECK (kind IN ('STEP','ACTIVITY','TIMER')),
	target TEXT NOT NULL DEFAULT '',
	run_at INTEGER NOT NULL,
	status TEXT NOT NULL
		CHECK (status IN ('PENDING','RUNNING','COMPLETED','FAILED')),
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1,
	last_error TEXT,
	claimed_by TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX idx_tasks_status_run_at ON tasks(status, run_at);
CREATE INDEX idx_tasks_workflow ON tasks(workflow_id);

CREATE TABLE logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL
		REFERENCES workflows(id) ON DELETE CASCADE,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX idx_logs_workflow ON logs(workflow_id);
`,
	},
	{
		version: 2,
		name:    "task leases",
		sql: `
ALTER TABLE tasks ADD COLUMN lease_until INTEGER NOT NULL DEFAULT 0;
`,
	},
}

// Migrate applies all unapplied migrations in version order
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		applied, err := s.isApplied(ctx, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		s.logger.Info("sqlite: migration applied",
			"version", m.version, "name", m.name)
	}
	return nil
}

func (s *Store) isApplied(ctx context.Context, version int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check migration %d: %w", version, err)
	}
	return count > 0, nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at)
		 VALUES (?, ?, ?)`,
		m.version, m.name, nowMillis())
	if err != nil {
		return err
	}
	return tx.Commit()
}
