package api

import "encoding/json"

type (
	// StartWorkflowRequest creates a workflow instance
	StartWorkflowRequest struct {
		ID           string          `json:"id,omitempty"`
		Name         string          `json:"name" binding:"required"`
		Version      string          `json:"version" binding:"required"`
		Input        json.RawMessage `json:"input,omitempty"`
		InitialState json.RawMessage `json:"initial_state,omitempty"`
	}

	// StartWorkflowResponse returns the assigned workflow id
	StartWorkflowResponse struct {
		ID     WorkflowID     `json:"id"`
		Status WorkflowStatus `json:"status"`
	}

	// SignalRequest delivers a named payload into a workflow
	SignalRequest struct {
		Name    string          `json:"name" binding:"required"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// CancelRequest terminally cancels a workflow
	CancelRequest struct {
		Reason string `json:"reason"`
	}

	// InspectResponse bundles a workflow row with its event history
	InspectResponse struct {
		Workflow *Workflow `json:"workflow"`
		Events   []Event   `json:"events"`
	}

	// ErrorResponse is the uniform error body for the control API
	ErrorResponse struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}
)
