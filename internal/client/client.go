// Package client is the in-process control surface: start workflows,
// signal and cancel them, wait on results, and inspect history. The HTTP
// server and the CLI both sit on top of it
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomstack/loom/internal/engine"
	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/internal/worker"
	"github.com/loomstack/loom/pkg/api"
)

type (
	// Client exposes the control API over a store, registry, and pool
	Client struct {
		store        store.Store
		registry     *registry.Registry
		pool         *worker.Pool
		pollInterval time.Duration
	}

	// Handle is a reference to one workflow instance
	Handle struct {
		client *Client
		id     api.WorkflowID
	}

	// Option configures a Client during construction
	Option func(*Client)

	// StartOption adjusts a single Start call
	StartOption func(*startParams)

	startParams struct {
		id           api.WorkflowID
		initialState json.RawMessage
	}
)

var (
	// ErrWorkflowFailed wraps the stored error of a FAILED workflow
	ErrWorkflowFailed = errors.New("workflow failed")

	// ErrWorkflowCancelled wraps the cancel reason
	ErrWorkflowCancelled = errors.New("workflow cancelled")
)

// WithResultPollInterval sets how often Result re-checks the store
func WithResultPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithID assigns a caller-chosen workflow id instead of a generated one
func WithID(id api.WorkflowID) StartOption {
	return func(p *startParams) {
		p.id = id
	}
}

// WithInitialState seeds the workflow's mutable state
func WithInitialState(state any) StartOption {
	return func(p *startParams) {
		raw, err := json.Marshal(state)
		if err != nil {
			p.initialState = nil
			return
		}
		p.initialState = raw
	}
}

// New constructs a Client. The pool may be nil when the caller never uses
// RunOnce
func New(
	st store.Store, reg *registry.Registry, pool *worker.Pool,
	opts ...Option,
) *Client {
	c := &Client{
		store:        st,
		registry:     reg,
		pool:         pool,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start creates a workflow instance and enqueues its first step run
func (c *Client) Start(
	ctx context.Context, name, version string, input any,
	opts ...StartOption,
) (*Handle, error) {
	if _, err := c.registry.Workflow(name, version); err != nil {
		return nil, err
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode workflow input: %w", err)
	}

	params := startParams{id: api.WorkflowID(uuid.NewString())}
	for _, opt := range opts {
		opt(&params)
	}

	wf := &api.Workflow{
		ID:      params.id,
		Name:    name,
		Version: version,
		Status:  api.StatusRunning,
		Input:   inputJSON,
	}
	err = c.store.CreateWorkflow(ctx, wf, params.initialState)
	if err != nil {
		return nil, err
	}
	return &Handle{client: c, id: params.id}, nil
}

// Get returns a handle to an existing workflow, or store.ErrNotFound
func (c *Client) Get(
	ctx context.Context, id api.WorkflowID,
) (*Handle, error) {
	if _, err := c.store.LoadWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return &Handle{client: c, id: id}, nil
}

// List returns workflow rows, optionally filtered by status
func (c *Client) List(
	ctx context.Context, status api.WorkflowStatus, limit int,
) ([]*api.Workflow, error) {
	return c.store.ListWorkflows(ctx, status, limit)
}

// Inspect returns the workflow row together with its full event history
func (c *Client) Inspect(
	ctx context.Context, id api.WorkflowID,
) (*api.Workflow, []api.Event, error) {
	wf, err := c.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	history, err := c.store.LoadHistory(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return wf, history, nil
}

// RunOnce claims and dispatches at most one queued task. Intended for
// embedded and test use where no pool is running
func (c *Client) RunOnce(ctx context.Context) (bool, error) {
	return c.pool.RunOnce(ctx, "run-once")
}

// ID returns the workflow id the handle refers to
func (h *Handle) ID() api.WorkflowID {
	return h.id
}

// Status returns the workflow's current lifecycle state
func (h *Handle) Status(ctx context.Context) (api.WorkflowStatus, error) {
	wf, err := h.client.store.LoadWorkflow(ctx, h.id)
	if err != nil {
		return "", err
	}
	return wf.Status, nil
}

// Signal delivers a named payload into the workflow
func (h *Handle) Signal(
	ctx context.Context, name string, payload any,
) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal payload: %w", err)
	}
	return h.client.store.AppendSignal(ctx, h.id, name, raw)
}

// Cancel terminally cancels the workflow
func (h *Handle) Cancel(ctx context.Context, reason string) error {
	return h.client.store.CancelWorkflow(ctx, h.id, reason)
}

// State folds the workflow's current mutable state from history
func (h *Handle) State(ctx context.Context) (api.State, error) {
	history, err := h.client.store.LoadHistory(ctx, h.id)
	if err != nil {
		return nil, err
	}
	return engine.FoldState(history)
}

// Logs returns the workflow's log lines in append order
func (h *Handle) Logs(
	ctx context.Context, limit int,
) ([]store.LogEntry, error) {
	return h.client.store.ListLogs(ctx, h.id, limit)
}

// Result blocks until the workflow reaches a terminal status. It returns
// the final state for COMPLETED, ErrWorkflowFailed carrying the stored
// error for FAILED, and ErrWorkflowCancelled for CANCELLED
func (h *Handle) Result(ctx context.Context) (api.State, error) {
	for {
		wf, err := h.client.store.LoadWorkflow(ctx, h.id)
		if err != nil {
			return nil, err
		}
		if wf.Status.IsTerminal() {
			return h.terminalResult(ctx, wf.Status)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.client.pollInterval):
		}
	}
}

func (h *Handle) terminalResult(
	ctx context.Context, status api.WorkflowStatus,
) (api.State, error) {
	history, err := h.client.store.LoadHistory(ctx, h.id)
	if err != nil {
		return nil, err
	}
	switch status {
	case api.StatusCompleted:
		return finalState(history)
	case api.StatusCancelled:
		return nil, fmt.Errorf("%w: %s",
			ErrWorkflowCancelled, cancelReason(history))
	default:
		return nil, fmt.Errorf("%w: %s",
			ErrWorkflowFailed, extractError(history))
	}
}

func finalState(history []api.Event) (api.State, error) {
	for i := len(history) - 1; i >= 0; i-- {
		e := &history[i]
		if e.Type != api.EventWorkflowCompleted {
			continue
		}
		var p api.WorkflowCompletedPayload
		if err := e.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		var state api.State
		if err := json.Unmarshal(p.FinalState, &state); err != nil {
			return nil, fmt.Errorf("decode final state: %w", err)
		}
		return state, nil
	}
	return api.State{}, nil
}

// extractError prefers the workflow-level error and falls back to the
// last failed activity
func extractError(history []api.Event) string {
	var lastActivity string
	for i := len(history) - 1; i >= 0; i-- {
		e := &history[i]
		switch e.Type {
		case api.EventWorkflowFailed:
			var p api.WorkflowFailedPayload
			if e.Decode(&p) == nil {
				return p.Error
			}
		case api.EventActivityFailed:
			if lastActivity == "" {
				var p api.ActivityFailedPayload
				if e.Decode(&p) == nil {
					lastActivity = p.Error
				}
			}
		}
	}
	if lastActivity != "" {
		return lastActivity
	}
	return "unknown error"
}

func cancelReason(history []api.Event) string {
	for i := len(history) - 1; i >= 0; i-- {
		e := &history[i]
		if e.Type != api.EventWorkflowCancelled {
			continue
		}
		var p api.WorkflowCancelledPayload
		if e.Decode(&p) == nil {
			return p.Reason
		}
	}
	return "unknown reason"
}
