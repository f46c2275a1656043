package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/pkg/api"
)

// Context is the execution context handed to step code. It owns the replay
// cursor over history, the folded state, and the pending commit bundle.
// One step body runs at a time per workflow; the context is not safe for
// concurrent use
type Context struct {
	engine  *Engine
	goCtx   context.Context
	wf      *api.Workflow
	history []api.Event

	// cursor is the replay position; replayLimit is the history length at
	// load time. Events appended during this run are never replay targets
	cursor      int
	replayLimit int

	// stepSignals collects the sequence numbers of signals delivered since
	// the last step boundary, recorded in that step's STEP_COMPLETED
	stepSignals []int64

	consumed map[int64]bool
	state    api.State
	accessor *stateAccessor
	bundle   *store.Bundle
	inBatch  bool
	logger   *slog.Logger
}

// decision event types are emitted by step code in call order; everything
// else is appended asynchronously and skipped by cursor matching
var decisionEvents = map[api.EventType]bool{
	api.EventStateSet:             true,
	api.EventStateUpdate:          true,
	api.EventActivityScheduled:    true,
	api.EventTimerScheduled:       true,
	api.EventChildWorkflowStarted: true,
	api.EventStepCompleted:        true,
}

var _ registry.Context = (*Context)(nil)

func newContext(
	goCtx context.Context, e *Engine, wf *api.Workflow,
	history []api.Event,
) (*Context, error) {
	state, err := FoldState(history)
	if err != nil {
		return nil, err
	}
	ec := &Context{
		engine:      e,
		goCtx:       goCtx,
		wf:          wf,
		history:     history,
		replayLimit: len(history),
		consumed:    map[int64]bool{},
		state:       state,
		bundle:      &store.Bundle{WorkflowID: wf.ID},
	}
	ec.accessor = &stateAccessor{ec: ec}
	return ec, nil
}

// replaying reports whether recorded decisions remain ahead of the cursor.
// Async events alone do not hold the context in replay mode; the first run
// of a step is live even though WORKFLOW_STARTED precedes it
func (c *Context) replaying() bool {
	return c.nextDecision() != nil
}

// nextDecision returns the next unconsumed decision event at or after the
// cursor, or nil when replay is exhausted and the context is live
func (c *Context) nextDecision() *api.Event {
	for i := c.cursor; i < c.replayLimit; i++ {
		e := &c.history[i]
		if c.consumed[e.Seq] || !decisionEvents[e.Type] {
			continue
		}
		return e
	}
	return nil
}

// consume advances the cursor past the given event
func (c *Context) consume(ev *api.Event) {
	c.consumed[ev.Seq] = true
	for i := c.cursor; i < len(c.history); i++ {
		if c.history[i].Seq == ev.Seq {
			c.cursor = i + 1
			return
		}
	}
}

// skipPast advances the cursor beyond history index idx and marks the
// signals that step delivered, per its STEP_COMPLETED record. Used by the
// engine when fast-skipping completed steps; signals the step did not
// consume stay visible to later steps
func (c *Context) skipPast(idx int) {
	c.cursor = idx + 1
	var p api.StepCompletedPayload
	if c.history[idx].Decode(&p) == nil {
		for _, seq := range p.ConsumedSignals {
			c.consumed[seq] = true
		}
	}
}

// takeStepSignals returns and clears the signal sequences delivered since
// the last step boundary
func (c *Context) takeStepSignals() []int64 {
	s := c.stepSignals
	c.stepSignals = nil
	return s
}

func (c *Context) appendEvent(t api.EventType, payload any) error {
	ev, err := api.NewEvent(c.wf.ID, t, payload)
	if err != nil {
		return err
	}
	c.bundle.Events = append(c.bundle.Events, ev)
	return nil
}

func (c *Context) enqueue(task api.Task) {
	c.bundle.Enqueue = append(c.bundle.Enqueue, task)
}

// Activity schedules or awaits an activity call. During replay the next
// recorded decision must be a matching ACTIVITY_SCHEDULED; its stored
// completion is returned, its stored failure raised as an ActivityError.
// With no completion recorded yet, or when live, the call suspends
func (c *Context) Activity(
	name string, args ...any,
) (json.RawMessage, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args for activity %s: %w", name, err)
	}

	if ev := c.nextDecision(); ev != nil {
		var p api.ActivityScheduledPayload
		if err := matchDecode(ev, api.EventActivityScheduled, &p); err != nil {
			return nil, err
		}
		if p.Name != name {
			return nil, nonDeterminism(
				"recorded activity %q, code called %q", p.Name, name)
		}
		if !jsonEqual(p.Args, argsJSON) {
			return nil, nonDeterminism(
				"recorded args for activity %q differ", name)
		}
		c.consume(ev)
		return c.activityOutcome(p.ActivityID, name)
	}

	def, err := c.engine.registry.Activity(name)
	if err != nil {
		return nil, err
	}
	activityID := api.ActivityID(uuid.NewString())
	err = c.appendEvent(api.EventActivityScheduled,
		api.ActivityScheduledPayload{
			ActivityID: activityID,
			Name:       name,
			Args:       argsJSON,
		})
	if err != nil {
		return nil, err
	}
	c.enqueue(api.Task{
		ID:          api.TaskID(uuid.NewString()),
		WorkflowID:  c.wf.ID,
		Kind:        api.TaskActivity,
		Target:      string(activityID),
		RunAt:       c.engine.now(),
		Status:      api.TaskPending,
		MaxAttempts: def.RetryCount + 1,
	})
	return nil, ErrSuspend
}

// activityOutcome searches history for the completion or failure matching
// the scheduled activity
func (c *Context) activityOutcome(
	id api.ActivityID, name string,
) (json.RawMessage, error) {
	for i := range c.history {
		e := &c.history[i]
		switch e.Type {
		case api.EventActivityCompleted:
			var p api.ActivityCompletedPayload
			if err := e.Decode(&p); err != nil {
				return nil, fmt.Errorf("decode %s: %w", e.Type, err)
			}
			if p.ActivityID == id {
				c.consumed[e.Seq] = true
				return p.Result, nil
			}
		case api.EventActivityFailed:
			var p api.ActivityFailedPayload
			if err := e.Decode(&p); err != nil {
				return nil, fmt.Errorf("decode %s: %w", e.Type, err)
			}
			if p.ActivityID == id {
				c.consumed[e.Seq] = true
				return nil, &ActivityError{
					ActivityID:   id,
					Name:         name,
					Message:      p.Error,
					AttemptsUsed: p.AttemptsUsed,
				}
			}
		}
	}
	return nil, ErrSuspend
}

// Sleep pauses the workflow for the given duration. The fire time is
// computed once, at the first live encounter, and replayed from history
// afterwards
func (c *Context) Sleep(d time.Duration) error {
	return c.sleepUntil(func() time.Time {
		return c.engine.now().Add(d)
	})
}

// SleepUntil pauses the workflow until the given instant
func (c *Context) SleepUntil(t time.Time) error {
	return c.sleepUntil(func() time.Time {
		return t
	})
}

func (c *Context) sleepUntil(fireAt func() time.Time) error {
	if ev := c.nextDecision(); ev != nil {
		var p api.TimerScheduledPayload
		if err := matchDecode(ev, api.EventTimerScheduled, &p); err != nil {
			return err
		}
		c.consume(ev)
		return c.timerOutcome(p.TimerID)
	}

	timerID := api.TimerID(uuid.NewString())
	at := fireAt().UTC()
	err := c.appendEvent(api.EventTimerScheduled,
		api.TimerScheduledPayload{TimerID: timerID, FireAt: at})
	if err != nil {
		return err
	}
	c.enqueue(api.Task{
		ID:          api.TaskID(uuid.NewString()),
		WorkflowID:  c.wf.ID,
		Kind:        api.TaskTimer,
		Target:      string(timerID),
		RunAt:       at,
		Status:      api.TaskPending,
		MaxAttempts: 3,
	})
	return ErrSuspend
}

func (c *Context) timerOutcome(id api.TimerID) error {
	for i := range c.history {
		e := &c.history[i]
		if e.Type != api.EventTimerFired {
			continue
		}
		var p api.TimerFiredPayload
		if err := e.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", e.Type, err)
		}
		if p.TimerID == id {
			c.consumed[e.Seq] = true
			return nil
		}
	}
	return ErrSuspend
}

// WaitForSignal returns the payload of the first unconsumed matching
// signal, or suspends until one arrives. The whole history is scanned: a
// signal that arrived while an earlier step was still running must remain
// deliverable here
func (c *Context) WaitForSignal(name string) (json.RawMessage, error) {
	for i := range c.history {
		e := &c.history[i]
		if e.Type != api.EventSignalReceived || c.consumed[e.Seq] {
			continue
		}
		var p api.SignalReceivedPayload
		if err := e.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		if p.Name == name {
			c.consumed[e.Seq] = true
			c.stepSignals = append(c.stepSignals, e.Seq)
			return p.Payload, nil
		}
	}
	return nil, ErrSuspend
}

// State accesses the workflow's folded mutable state
func (c *Context) State() registry.StateAccessor {
	return c.accessor
}

// Input returns the workflow's immutable input
func (c *Context) Input() json.RawMessage {
	return c.wf.Input
}

// InputInto unmarshals the workflow input into target
func (c *Context) InputInto(target any) error {
	return json.Unmarshal(c.wf.Input, target)
}

// Logger returns a logger for step code. Suppressed during replay so
// re-execution never duplicates output; when live, lines also land in the
// workflow's log sink
func (c *Context) Logger() *slog.Logger {
	if c.replaying() {
		return slog.New(slog.DiscardHandler)
	}
	if c.logger == nil {
		c.logger = slog.New(newSinkHandler(
			c.goCtx, c.engine.store, c.engine.logger, c.wf.ID))
	}
	return c.logger
}

// StartChildWorkflow spawns a new workflow instance and records the child
// id in history so replay returns the same id without creating another
func (c *Context) StartChildWorkflow(
	name, version string, input any,
) (api.WorkflowID, error) {
	if ev := c.nextDecision(); ev != nil {
		var p api.ChildWorkflowStartedPayload
		err := matchDecode(ev, api.EventChildWorkflowStarted, &p)
		if err != nil {
			return "", err
		}
		if p.Name != name || p.Version != version {
			return "", nonDeterminism(
				"recorded child %s@%s, code started %s@%s",
				p.Name, p.Version, name, version)
		}
		c.consume(ev)
		return p.ChildID, nil
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode child input: %w", err)
	}
	childID, err := c.engine.startChild(c.goCtx, name, version, inputJSON)
	if err != nil {
		return "", err
	}
	err = c.appendEvent(api.EventChildWorkflowStarted,
		api.ChildWorkflowStartedPayload{
			ChildID: childID,
			Name:    name,
			Version: version,
			Input:   inputJSON,
		})
	if err != nil {
		return "", err
	}
	return childID, nil
}

// matchDecode verifies the recorded event has the expected type and
// decodes its payload
func matchDecode(ev *api.Event, want api.EventType, target any) error {
	if ev.Type != want {
		return nonDeterminism("recorded %s, code would emit %s",
			ev.Type, want)
	}
	if err := ev.Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Type, err)
	}
	return nil
}

// jsonEqual compares two JSON documents by compacted bytes
func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return false
	}
	if err := json.Compact(&cb, b); err != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
