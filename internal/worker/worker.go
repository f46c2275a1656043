// Package worker runs the task-claiming pool: N goroutines share the
// store, each looping claim, dispatch by kind, settle. At-least-once
// dispatch; the replay engine makes re-delivery harmless
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loomstack/loom/internal/config"
	"github.com/loomstack/loom/internal/engine"
	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/log"
)

type (
	// Pool dispatches claimed tasks to the replay engine and to activity
	// execution
	Pool struct {
		store    store.Store
		engine   *engine.Engine
		registry *registry.Registry
		cfg      *config.Config
		logger   *slog.Logger
		clock    func() time.Time
		stats    Stats
		poolID   string
	}

	// Option configures a Pool during construction
	Option func(*Pool)
)

var errActivityNotScheduled = errors.New("no ACTIVITY_SCHEDULED in history")

// WithLogger sets the pool's logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithClock overrides the pool's time source
func WithClock(clock func() time.Time) Option {
	return func(p *Pool) {
		p.clock = clock
	}
}

// New constructs a Pool over the given store, engine, and registry
func New(
	st store.Store, eng *engine.Engine, reg *registry.Registry,
	cfg *config.Config, opts ...Option,
) *Pool {
	p := &Pool{
		store:    st,
		engine:   eng,
		registry: reg,
		cfg:      cfg,
		logger:   slog.Default(),
		clock:    time.Now,
		poolID:   uuid.NewString()[:8],
	}
	p.stats.startedAt = time.Now().UTC()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() StatsSnapshot {
	return p.stats.Snapshot()
}

// Run starts the configured number of workers and blocks until the context
// is cancelled. In-flight tasks drain before Run returns
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Worker.Count {
		workerID := fmt.Sprintf("%s-%d", p.poolID, i)
		g.Go(func() error {
			return p.runWorker(ctx, workerID)
		})
	}
	p.logger.Info("worker pool started",
		slog.Int("workers", p.cfg.Worker.Count),
		slog.String("pool", p.poolID))
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		dispatched, err := p.RunOnce(ctx, workerID)
		if err != nil {
			p.logger.Error("task dispatch failed",
				slog.String("worker", workerID), log.Error(err))
		}
		if dispatched && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.PollInterval()):
		}
	}
}

// RunOnce claims and dispatches at most one task. It reports whether a
// task was claimed; callers embedding the engine use it to drain the queue
// deterministically
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	task, err := p.store.ClaimNextTask(ctx, workerID, p.clock())
	if errors.Is(err, store.ErrNoTask) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.stats.claimed.Add(1)
	p.logger.Debug("task claimed",
		log.TaskID(task.ID), log.WorkflowID(task.WorkflowID),
		log.Kind(task.Kind), log.Attempt(task.Attempts),
		slog.String("worker", workerID))

	if err := p.dispatch(ctx, task); err != nil {
		p.settleError(ctx, task, err)
		return true, err
	}
	p.stats.completed.Add(1)
	return true, nil
}

func (p *Pool) dispatch(ctx context.Context, task *api.Task) error {
	switch task.Kind {
	case api.TaskStep:
		return p.engine.RunStep(ctx, task.WorkflowID, task.ID)
	case api.TaskActivity:
		return p.runActivity(ctx, task)
	case api.TaskTimer:
		return p.runTimer(ctx, task)
	default:
		return fmt.Errorf("%w: %s", api.ErrInvalidTaskKind, task.Kind)
	}
}

// settleError handles infrastructure failures around dispatch: the task
// retries with backoff until its attempt budget runs out, then parks as
// FAILED for an operator to inspect
func (p *Pool) settleError(ctx context.Context, task *api.Task, cause error) {
	failure := &store.TaskFailure{
		ID:    task.ID,
		Error: cause.Error(),
	}
	if task.Attempts < task.MaxAttempts {
		failure.Retry = true
		failure.Backoff = retryBackoff(
			p.cfg.BackoffBase(), p.cfg.BackoffCap(), task.Attempts)
	} else {
		p.stats.failed.Add(1)
	}
	err := p.store.Commit(ctx, &store.Bundle{
		WorkflowID: task.WorkflowID,
		FailTask:   failure,
	})
	if err != nil {
		p.logger.Error("task settlement failed",
			log.TaskID(task.ID), log.Error(err))
	}
}

// runTimer appends TIMER_FIRED and resumes the owning workflow
func (p *Pool) runTimer(ctx context.Context, task *api.Task) error {
	wf, err := p.store.LoadWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	bundle := &store.Bundle{
		WorkflowID:   task.WorkflowID,
		CompleteTask: task.ID,
	}
	if !wf.Status.IsTerminal() {
		ev, err := api.NewEvent(task.WorkflowID, api.EventTimerFired,
			api.TimerFiredPayload{TimerID: api.TimerID(task.Target)})
		if err != nil {
			return err
		}
		bundle.Events = []api.Event{ev}
		bundle.EnqueueStep = true
	}
	return p.store.Commit(ctx, bundle)
}

// runActivity executes one activity attempt under its timeout. Success
// appends ACTIVITY_COMPLETED; a failed attempt retries with exponential
// backoff until the budget is spent, then ACTIVITY_FAILED surfaces the
// error to the workflow
func (p *Pool) runActivity(ctx context.Context, task *api.Task) error {
	wf, err := p.store.LoadWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	// Results of activities racing a cancel are discarded
	if wf.Status.IsTerminal() {
		return p.store.Commit(ctx, &store.Bundle{
			WorkflowID:   task.WorkflowID,
			CompleteTask: task.ID,
		})
	}

	history, err := p.store.LoadHistory(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	activityID := api.ActivityID(task.Target)
	if settled(history, activityID) {
		return p.store.Commit(ctx, &store.Bundle{
			WorkflowID:   task.WorkflowID,
			CompleteTask: task.ID,
		})
	}
	scheduled, err := findScheduled(history, activityID)
	if err != nil {
		return err
	}

	def, err := p.registry.Activity(scheduled.Name)
	if err != nil {
		return p.exhaust(ctx, task, activityID, err)
	}

	result, err := p.invoke(ctx, def, scheduled.Args)
	if err != nil {
		p.logger.Warn("activity attempt failed",
			log.WorkflowID(task.WorkflowID), log.ActivityID(activityID),
			slog.String("activity", def.Name),
			log.Attempt(task.Attempts), log.Error(err))
		if task.Attempts < task.MaxAttempts {
			return p.store.Commit(ctx, &store.Bundle{
				WorkflowID: task.WorkflowID,
				FailTask: &store.TaskFailure{
					ID:    task.ID,
					Error: err.Error(),
					Retry: true,
					Backoff: retryBackoff(p.cfg.BackoffBase(),
						p.cfg.BackoffCap(), task.Attempts),
				},
			})
		}
		return p.exhaust(ctx, task, activityID, err)
	}

	ev, err := api.NewEvent(task.WorkflowID, api.EventActivityCompleted,
		api.ActivityCompletedPayload{
			ActivityID: activityID,
			Result:     result,
		})
	if err != nil {
		return err
	}
	return p.store.Commit(ctx, &store.Bundle{
		WorkflowID:   task.WorkflowID,
		Events:       []api.Event{ev},
		EnqueueStep:  true,
		CompleteTask: task.ID,
	})
}

// exhaust terminally fails an activity: ACTIVITY_FAILED lands in history
// and a STEP task lets the workflow observe it
func (p *Pool) exhaust(
	ctx context.Context, task *api.Task, id api.ActivityID, cause error,
) error {
	ev, err := api.NewEvent(task.WorkflowID, api.EventActivityFailed,
		api.ActivityFailedPayload{
			ActivityID:   id,
			Error:        cause.Error(),
			AttemptsUsed: task.Attempts,
		})
	if err != nil {
		return err
	}
	p.stats.failed.Add(1)
	return p.store.Commit(ctx, &store.Bundle{
		WorkflowID:  task.WorkflowID,
		Events:      []api.Event{ev},
		EnqueueStep: true,
		FailTask: &store.TaskFailure{
			ID:    task.ID,
			Error: cause.Error(),
		},
	})
}

// invoke runs the activity function under its wall-clock timeout,
// converting panics and deadline expiry into attempt errors. The timeout
// is enforced even when the function ignores its context: the fn runs in
// its own goroutine, and a late result is discarded rather than recorded
func (p *Pool) invoke(
	ctx context.Context, def *registry.ActivityDef, args json.RawMessage,
) (json.RawMessage, error) {
	actx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	type outcome struct {
		res any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf(
					"activity %s panicked: %v", def.Name, r)}
			}
		}()
		res, err := def.Fn(actx, args)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("activity %s timed out after %s",
				def.Name, def.Timeout)
		}
		return nil, actx.Err()

	case o := <-done:
		if o.err != nil {
			if errors.Is(actx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("activity %s timed out after %s",
					def.Name, def.Timeout)
			}
			return nil, o.err
		}
		raw, err := json.Marshal(o.res)
		if err != nil {
			return nil, fmt.Errorf("encode result of activity %s: %w",
				def.Name, err)
		}
		return raw, nil
	}
}

// settled reports whether the activity already has a completion or
// failure recorded. Claims re-delivered after a partial settlement must
// not produce a second outcome
func settled(history []api.Event, id api.ActivityID) bool {
	target := string(id)
	for i := range history {
		e := &history[i]
		switch e.Type {
		case api.EventActivityCompleted:
			var p api.ActivityCompletedPayload
			if e.Decode(&p) == nil && string(p.ActivityID) == target {
				return true
			}
		case api.EventActivityFailed:
			var p api.ActivityFailedPayload
			if e.Decode(&p) == nil && string(p.ActivityID) == target {
				return true
			}
		}
	}
	return false
}

func findScheduled(
	history []api.Event, id api.ActivityID,
) (*api.ActivityScheduledPayload, error) {
	for i := range history {
		e := &history[i]
		if e.Type != api.EventActivityScheduled {
			continue
		}
		var p api.ActivityScheduledPayload
		if err := e.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		if p.ActivityID == id {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: activity %s", errActivityNotScheduled, id)
}
