// Package engine drives workflow runs: it loads history, re-executes step
// code against it, verifies determinism, and commits each step's
// observable effects as one atomic bundle. Suspension is ordinary control
// flow here; failure is an event
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/log"
)

type (
	// Engine replays workflows against their stored history
	Engine struct {
		store    store.Store
		registry *registry.Registry
		logger   *slog.Logger
		clock    func() time.Time
	}

	// Option configures an Engine during construction
	Option func(*Engine)
)

// WithLogger sets the engine's logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock overrides the engine's time source
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// New constructs an Engine over the given store and registry
func New(st store.Store, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		registry: reg,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// RunStep re-derives the workflow's state from history, executes every
// step whose completion is not yet recorded, and commits the effects. The
// claimed STEP task is settled inside the final commit
func (e *Engine) RunStep(
	ctx context.Context, id api.WorkflowID, taskID api.TaskID,
) error {
	wf, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return err
	}
	history, err := e.store.LoadHistory(ctx, id)
	if err != nil {
		return err
	}

	// A terminal event ends the run before any step code executes. This
	// covers cancellation racing an enqueued resume
	if wf.Status.IsTerminal() || hasTerminalEvent(history) {
		return e.store.Commit(ctx, &store.Bundle{
			WorkflowID:   id,
			CompleteTask: taskID,
		})
	}

	def, err := e.registry.Workflow(wf.Name, wf.Version)
	if err != nil {
		return e.failWorkflow(ctx, id, taskID, err)
	}

	ec, err := newContext(ctx, e, wf, history)
	if err != nil {
		return e.failWorkflow(ctx, id, taskID, err)
	}

	for _, st := range def.Steps {
		if idx := stepCompletedIndex(history, st.Name); idx >= 0 {
			ec.skipPast(idx)
			continue
		}

		err := runStepFn(ec, st)
		switch {
		case err == nil:
			if err := ec.appendEvent(api.EventStepCompleted,
				api.StepCompletedPayload{
					StepName:        st.Name,
					ConsumedSignals: ec.takeStepSignals(),
				},
			); err != nil {
				return e.failWorkflow(ctx, id, taskID, err)
			}
			bundle := ec.bundle
			ec.bundle = &store.Bundle{WorkflowID: id}
			if err := e.store.Commit(ctx, bundle); err != nil {
				return err
			}
			e.logger.Debug("step completed",
				log.WorkflowID(id), log.Step(st.Name))

		case errors.Is(err, ErrSuspend):
			bundle := ec.bundle
			bundle.CompleteTask = taskID
			e.logger.Debug("workflow suspended",
				log.WorkflowID(id), log.Step(st.Name))
			return e.store.Commit(ctx, bundle)

		default:
			e.logger.Warn("workflow failed",
				log.WorkflowID(id), log.Step(st.Name), log.Error(err))
			return e.failWorkflow(ctx, id, taskID, err)
		}
	}

	final, err := ec.state.MarshalObject()
	if err != nil {
		return e.failWorkflow(ctx, id, taskID, err)
	}
	completed, err := api.NewEvent(id, api.EventWorkflowCompleted,
		api.WorkflowCompletedPayload{FinalState: final})
	if err != nil {
		return e.failWorkflow(ctx, id, taskID, err)
	}
	bundle := ec.bundle
	bundle.Events = append(bundle.Events, completed)
	bundle.SetStatus = api.StatusCompleted
	bundle.CompleteTask = taskID
	if err := e.store.Commit(ctx, bundle); err != nil {
		return err
	}
	e.logger.Info("workflow completed", log.WorkflowID(id))
	return nil
}

// failWorkflow terminally fails the workflow, discarding any uncommitted
// step effects so only WORKFLOW_FAILED lands
func (e *Engine) failWorkflow(
	ctx context.Context, id api.WorkflowID, taskID api.TaskID, cause error,
) error {
	ev, err := api.NewEvent(id, api.EventWorkflowFailed,
		api.WorkflowFailedPayload{Error: cause.Error()})
	if err != nil {
		return err
	}
	return e.store.Commit(ctx, &store.Bundle{
		WorkflowID:   id,
		Events:       []api.Event{ev},
		SetStatus:    api.StatusFailed,
		CompleteTask: taskID,
	})
}

// startChild creates a child workflow instance for a live
// StartChildWorkflow call
func (e *Engine) startChild(
	ctx context.Context, name, version string, input []byte,
) (api.WorkflowID, error) {
	if _, err := e.registry.Workflow(name, version); err != nil {
		return "", err
	}
	childID := api.WorkflowID(uuid.NewString())
	wf := &api.Workflow{
		ID:      childID,
		Name:    name,
		Version: version,
		Status:  api.StatusRunning,
		Input:   input,
	}
	if err := e.store.CreateWorkflow(ctx, wf, nil); err != nil {
		return "", err
	}
	return childID, nil
}

// runStepFn invokes a step body, converting panics into step errors
func runStepFn(ec *Context, st registry.StepDef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", st.Name, r)
		}
	}()
	return st.Fn(ec)
}

func stepCompletedIndex(history []api.Event, name string) int {
	for i := range history {
		e := &history[i]
		if e.Type != api.EventStepCompleted {
			continue
		}
		var p api.StepCompletedPayload
		if err := e.Decode(&p); err != nil {
			continue
		}
		if p.StepName == name {
			return i
		}
	}
	return -1
}

func hasTerminalEvent(history []api.Event) bool {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type.IsTerminal() {
			return true
		}
	}
	return false
}
