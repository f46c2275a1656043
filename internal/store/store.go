// Package store defines the persistence contract shared by all backends:
// transactional, ordered append of events, atomic task claiming, and
// workflow status updates. Events are append-only; tasks are derived state
// kept for efficient polling.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/loomstack/loom/pkg/api"
)

type (
	// Store is the persistence contract. Every operation either fully
	// succeeds or has no effect
	Store interface {
		// Migrate applies any pending schema migrations
		Migrate(ctx context.Context) error

		// CreateWorkflow appends WORKFLOW_STARTED, inserts the workflow row
		// as RUNNING, and enqueues the initial STEP task in one transaction.
		// Returns ErrWorkflowExists if the id is already taken
		CreateWorkflow(
			ctx context.Context, wf *api.Workflow, initialState json.RawMessage,
		) error

		// LoadWorkflow returns the workflow row, or ErrNotFound
		LoadWorkflow(
			ctx context.Context, id api.WorkflowID,
		) (*api.Workflow, error)

		// ListWorkflows returns workflow rows, newest first, optionally
		// filtered by status. A limit of zero means no limit
		ListWorkflows(
			ctx context.Context, status api.WorkflowStatus, limit int,
		) ([]*api.Workflow, error)

		// LoadHistory returns the workflow's events in append order
		LoadHistory(
			ctx context.Context, id api.WorkflowID,
		) ([]api.Event, error)

		// Events returns events for a workflow with sequence greater than
		// afterSeq, in append order. Used by live event feeds
		Events(
			ctx context.Context, id api.WorkflowID, afterSeq int64,
		) ([]api.Event, error)

		// Commit flushes a bundle of events, task enqueues, a task
		// settlement, and an optional status update in one transaction
		Commit(ctx context.Context, b *Bundle) error

		// ClaimNextTask atomically selects one PENDING task whose run_at has
		// passed, marks it RUNNING, and increments its attempt counter.
		// STEP tasks are refused while their workflow has any RUNNING task;
		// other kinds are refused while their workflow has a RUNNING STEP.
		// Returns ErrNoTask when nothing is claimable
		ClaimNextTask(
			ctx context.Context, workerID string, now time.Time,
		) (*api.Task, error)

		// AppendSignal appends SIGNAL_RECEIVED and enqueues a STEP task if
		// none is pending or running. Returns ErrWorkflowTerminal if the
		// workflow has finished
		AppendSignal(
			ctx context.Context, id api.WorkflowID, name string,
			payload json.RawMessage,
		) error

		// CancelWorkflow appends WORKFLOW_CANCELLED and marks the workflow
		// CANCELLED. Returns ErrWorkflowTerminal if already finished
		CancelWorkflow(
			ctx context.Context, id api.WorkflowID, reason string,
		) error

		// AppendLog writes a log line to the workflow's log sink
		AppendLog(
			ctx context.Context, id api.WorkflowID, level, message string,
		) error

		// ListLogs returns a workflow's log lines in append order. A limit
		// of zero means no limit
		ListLogs(
			ctx context.Context, id api.WorkflowID, limit int,
		) ([]LogEntry, error)

		// Close releases the underlying database handles
		Close() error
	}

	// Bundle collects the observable effects of one step invocation or task
	// settlement so they land atomically: events to append, tasks to
	// enqueue, the claimed task being settled, and an optional workflow
	// status change
	Bundle struct {
		WorkflowID api.WorkflowID
		Events     []api.Event
		Enqueue    []api.Task

		// EnqueueStep enqueues a STEP task for WorkflowID unless one is
		// already pending or running. Used when a completion event needs
		// the workflow resumed
		EnqueueStep bool

		// CompleteTask marks the named task COMPLETED; empty means none
		CompleteTask api.TaskID

		// FailTask retries or terminally fails the named task; nil means
		// none
		FailTask *TaskFailure

		// SetStatus updates the workflow row; empty means no change
		SetStatus api.WorkflowStatus
	}

	// TaskFailure describes how a claimed task failed. When Retry is set the
	// task returns to PENDING with run_at pushed out by Backoff; otherwise
	// it is marked FAILED
	TaskFailure struct {
		ID      api.TaskID
		Error   string
		Retry   bool
		Backoff time.Duration
	}

	// LogEntry is one line in a workflow's log sink
	LogEntry struct {
		ID         int64          `json:"id"`
		WorkflowID api.WorkflowID `json:"workflow_id"`
		Level      string         `json:"level"`
		Message    string         `json:"message"`
		CreatedAt  time.Time      `json:"created_at"`
	}
)

var (
	ErrNotFound         = errors.New("workflow not found")
	ErrWorkflowExists   = errors.New("workflow exists")
	ErrWorkflowTerminal = errors.New("workflow already finished")
	ErrNoTask           = errors.New("no claimable task")
	ErrTaskNotRunning   = errors.New("task not in RUNNING state")
)

// IsEmpty reports whether committing the bundle would be a no-op
func (b *Bundle) IsEmpty() bool {
	return len(b.Events) == 0 && len(b.Enqueue) == 0 && !b.EnqueueStep &&
		b.CompleteTask == "" && b.FailTask == nil && b.SetStatus == ""
}
