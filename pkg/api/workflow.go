package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// WorkflowID uniquely identifies a workflow instance
	WorkflowID string

	// WorkflowStatus describes the lifecycle state of a workflow instance
	WorkflowStatus string

	// Workflow is the persisted row for a single workflow instance. Input is
	// immutable after creation; everything else derives from the event
	// history
	Workflow struct {
		ID        WorkflowID      `json:"id"`
		Name      string          `json:"name"`
		Version   string          `json:"version"`
		Status    WorkflowStatus  `json:"status"`
		Input     json.RawMessage `json:"input"`
		CreatedAt time.Time       `json:"created_at"`
		UpdatedAt time.Time       `json:"updated_at"`
	}

	// State is the folded view of a workflow's mutable state, rebuilt from
	// STATE_SET and STATE_UPDATE events in history order
	State map[string]json.RawMessage
)

const (
	StatusRunning   WorkflowStatus = "RUNNING"
	StatusCompleted WorkflowStatus = "COMPLETED"
	StatusFailed    WorkflowStatus = "FAILED"
	StatusCancelled WorkflowStatus = "CANCELLED"
)

var (
	ErrWorkflowIDEmpty      = errors.New("workflow ID empty")
	ErrWorkflowNameEmpty    = errors.New("workflow name empty")
	ErrWorkflowVersionEmpty = errors.New("workflow version empty")
	ErrInvalidStatus        = errors.New("invalid workflow status")

	validStatuses = map[WorkflowStatus]bool{
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
)

// IsTerminal reports whether the status admits no further events
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Validate checks that the status is one of the known lifecycle states
func (s WorkflowStatus) Validate() error {
	if !validStatuses[s] {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, s)
	}
	return nil
}

// Validate checks the identifying fields of a workflow row
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return ErrWorkflowIDEmpty
	}
	if w.Name == "" {
		return ErrWorkflowNameEmpty
	}
	if w.Version == "" {
		return ErrWorkflowVersionEmpty
	}
	return w.Status.Validate()
}

// Clone returns a deep copy of the state map
func (s State) Clone() State {
	res := make(State, len(s))
	for k, v := range s {
		res[k] = append(json.RawMessage(nil), v...)
	}
	return res
}

// MarshalObject renders the state as a single JSON object
func (s State) MarshalObject() (json.RawMessage, error) {
	if s == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(s)
}
