package postgres

type migration struct {
	version int
	name    string
	sql     string
}

// migrations are applied in order and recorded in schema_migrations. Never
// edit an applied migration; append a new one
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
	input JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX idx_workflows_status ON workflows(status);

CREATE TABLE events (
	id BIGSERIAL PRIMARY KEY,
	workflow_id TEXT NOT NULL
		REFERENCES workflows(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX idx_events_workflow ON events(workflow_id);

CREATE TABLE tasks (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL
		REFERENCES workflows(id) ON DELETE CASCADE,
	kind TEXT NOT NULL CHECK (kind IN ('STEP','ACTIVITY','TIMER')),
	target TEXT NOT NULL DEFAULT '',
	run_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL
		CHECK (status IN ('PENDING','RUNNING','COMPLETED','FAILED')),
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1,
	last_error TEXT,
	claimed_by TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX idx_tasks_status_run_at ON tasks(status, run_at);
CREATE INDEX idx_tasks_workflow ON tasks(workflow_id);

CREATE TABLE logs (
	id BIGSERIAL PRIMARY KEY,
	workflow_id TEXT NOT NULL
		REFERENCES workflows(id) ON DELETE CASCADE,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX idx_logs_workflow ON logs(workflow_id);
`,
	},
	{
		version: 2,
		name:    "task leases",
		sql: `
ALTER TABLE tasks ADD COLUMN lease_until TIMESTAMPTZ NOT NULL DEFAULT 'epoch';
`,
	},
}
