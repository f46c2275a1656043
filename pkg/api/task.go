package api

import (
	"errors"
	"fmt"
	"time"
)

type (
	// TaskID uniquely identifies a queued unit of deferred work
	TaskID string

	// TaskKind selects how a worker dispatches a claimed task
	TaskKind string

	// TaskStatus describes a task's position in the claim lifecycle
	TaskStatus string

	// Task is a queued unit of deferred work: a step resume, an activity
	// attempt, or a timer firing. Tasks are derived from events plus retry
	// policy but stored for efficient polling
	Task struct {
		ID          TaskID     `json:"id"`
		WorkflowID  WorkflowID `json:"workflow_id"`
		Kind        TaskKind   `json:"kind"`
		Target      string     `json:"target"`
		RunAt       time.Time  `json:"run_at"`
		Status      TaskStatus `json:"status"`
		Attempts    int        `json:"attempts"`
		MaxAttempts int        `json:"max_attempts"`
		LastError   string     `json:"last_error,omitempty"`
		CreatedAt   time.Time  `json:"created_at"`
		UpdatedAt   time.Time  `json:"updated_at"`
	}
)

const (
	TaskStep     TaskKind = "STEP"
	TaskActivity TaskKind = "ACTIVITY"
	TaskTimer    TaskKind = "TIMER"

	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

var (
	ErrTaskIDEmpty        = errors.New("task ID empty")
	ErrTaskWorkflowEmpty  = errors.New("task workflow ID empty")
	ErrInvalidTaskKind    = errors.New("invalid task kind")
	ErrInvalidTaskStatus  = errors.New("invalid task status")
	ErrInvalidMaxAttempts = errors.New("task max attempts must be positive")

	validTaskKinds = map[TaskKind]bool{
		TaskStep:     true,
		TaskActivity: true,
		TaskTimer:    true,
	}

	validTaskStatuses = map[TaskStatus]bool{
		TaskPending:   true,
		TaskRunning:   true,
		TaskCompleted: true,
		TaskFailed:    true,
	}
)

// Validate checks that the kind is one of STEP, ACTIVITY, or TIMER
func (k TaskKind) Validate() error {
	if !validTaskKinds[k] {
		return fmt.Errorf("%w: %s", ErrInvalidTaskKind, k)
	}
	return nil
}

// Validate checks that the status is a known claim lifecycle state
func (s TaskStatus) Validate() error {
	if !validTaskStatuses[s] {
		return fmt.Errorf("%w: %s", ErrInvalidTaskStatus, s)
	}
	return nil
}

// Validate checks the structural fields of a task row
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrTaskIDEmpty
	}
	if t.WorkflowID == "" {
		return ErrTaskWorkflowEmpty
	}
	if err := t.Kind.Validate(); err != nil {
		return err
	}
	if err := t.Status.Validate(); err != nil {
		return err
	}
	if t.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	return nil
}
