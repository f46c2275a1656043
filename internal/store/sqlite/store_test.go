package sqlite_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loomstack/loom/internal/assert"
	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/internal/store/sqlite"
	"github.com/loomstack/loom/pkg/api"
)

func newStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "loom.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func createWorkflow(
	t *testing.T, st *sqlite.Store, id api.WorkflowID,
) *api.Workflow {
	t.Helper()
	wf := &api.Workflow{
		ID:      id,
		Name:    "order",
		Version: "1.0.0",
		Status:  api.StatusRunning,
		Input:   json.RawMessage(`{"sku":"A-1"}`),
	}
	err := st.CreateWorkflow(context.Background(), wf,
		json.RawMessage(`{"count":0}`))
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return wf
}

func TestMigrateIdempotent(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	as.NoError(st.Migrate(context.Background()))
}

func TestCreateWorkflow(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	wf, err := st.LoadWorkflow(ctx, "wf-1")
	as.NoError(err)
	as.Equal(api.StatusRunning, wf.Status)
	as.Equal("order", wf.Name)
	as.JSONEq(`{"sku":"A-1"}`, string(wf.Input))

	history, err := st.LoadHistory(ctx, "wf-1")
	as.NoError(err)
	as.EventTypes(history, api.EventWorkflowStarted)

	var p api.WorkflowStartedPayload
	as.NoError(history[0].Decode(&p))
	as.JSONEq(`{"count":0}`, string(p.InitialState))

	// the initial STEP task must be claimable right away
	task, err := st.ClaimNextTask(ctx, "w0", time.Now())
	as.NoError(err)
	as.Equal(api.TaskStep, task.Kind)
	as.Equal(api.WorkflowID("wf-1"), task.WorkflowID)
	as.Equal(1, task.Attempts)
}

func TestCreateWorkflowDuplicate(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	wf := createWorkflow(t, st, "wf-1")
	err := st.CreateWorkflow(context.Background(), wf, nil)
	as.ErrorIs(err, store.ErrWorkflowExists)
}

func TestLoadWorkflowNotFound(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	_, err := st.LoadWorkflow(context.Background(), "missing")
	as.ErrorIs(err, store.ErrNotFound)
}

func TestListWorkflows(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")
	createWorkflow(t, st, "wf-2")

	all, err := st.ListWorkflows(ctx, "", 0)
	as.NoError(err)
	as.Len(all, 2)

	running, err := st.ListWorkflows(ctx, api.StatusRunning, 1)
	as.NoError(err)
	as.Len(running, 1)

	done, err := st.ListWorkflows(ctx, api.StatusCompleted, 0)
	as.NoError(err)
	as.Empty(done)
}

func TestClaimEmptyQueue(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	_, err := st.ClaimNextTask(context.Background(), "w0", time.Now())
	as.ErrorIs(err, store.ErrNoTask)
}

func TestClaimRespectsRunAt(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	// consume the initial STEP task, settle it, then enqueue a future one
	task, err := st.ClaimNextTask(ctx, "w0", time.Now())
	as.NoError(err)
	future := time.Now().Add(time.Hour)
	err = st.Commit(ctx, &store.Bundle{
		WorkflowID:   "wf-1",
		CompleteTask: task.ID,
		Enqueue: []api.Task{{
			ID:          api.TaskID(uuid.NewString()),
			WorkflowID:  "wf-1",
			Kind:        api.TaskTimer,
			Target:      "t-1",
			RunAt:       future,
			Status:      api.TaskPending,
			MaxAttempts: 1,
		}},
	})
	as.NoError(err)

	_, err = st.ClaimNextTask(ctx, "w0", time.Now())
	as.ErrorIs(err, store.ErrNoTask)

	claimed, err := st.ClaimNextTask(ctx, "w0", future.Add(time.Second))
	as.NoError(err)
	as.Equal(api.TaskTimer, claimed.Kind)
}

func TestClaimStepExcludedWhileActivityRunning(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	// settle the initial STEP, enqueueing an activity as it completes
	step, err := st.ClaimNextTask(ctx, "w0", time.Now())
	as.NoError(err)
	err = st.Commit(ctx, &store.Bundle{
		WorkflowID:   "wf-1",
		CompleteTask: step.ID,
		Enqueue: []api.Task{{
			ID:          api.TaskID(uuid.NewString()),
			WorkflowID:  "wf-1",
			Kind:        api.TaskActivity,
			Target:      "a-1",
			RunAt:       time.Now().Add(-time.Second),
			Status:      api.TaskPending,
			MaxAttempts: 1,
		}},
	})
	as.NoError(err)

	activity, err := st.ClaimNextTask(ctx, "w1", time.Now())
	as.NoError(err)
	as.Equal(api.TaskActivity, activity.Kind)

	// a resume STEP lands but must wait for the RUNNING activity
	err = st.Commit(ctx, &store.Bundle{
		WorkflowID:  "wf-1",
		EnqueueStep: true,
	})
	as.NoError(err)
	_, err = st.ClaimNextTask(ctx, "w0", time.Now())
	as.ErrorIs(err, store.ErrNoTask)

	// settling the activity releases the STEP
	err = st.Commit(ctx, &store.Bundle{
		WorkflowID:   "wf-1",
		CompleteTask: activity.ID,
	})
	as.NoError(err)
	resumed, err := st.ClaimNextTask(ctx, "w0", time.Now())
	as.NoError(err)
	as.Equal(api.TaskStep, resumed.Kind)
}

func TestClaimActivityExcludedWhileStepRunning(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	step, err := st.ClaimNextTask(ctx, "w0", time.Now())
	as.NoError(err)

	err = st.Commit(ctx, &store.Bundle{
		WorkflowID: "wf-1",
		Enqueue: []api.Task{{
			ID:          api.TaskID(uuid.NewString()),
			WorkflowID:  "wf-1",
			Kind:        api.TaskActivity,
			Target:      "a-1",
			RunAt:       time.Now().Add(-time.Second),
			Status:      api.TaskPending,
			MaxAttempts: 1,
		}},
	})
	as.NoError(err)

	_, err = st.ClaimNextTask(ctx, "w1", time.Now())
	as.ErrorIs(err, store.ErrNoTask)

	err = st.Commit(ctx, &store.Bundle{
		WorkflowID:   "wf-1",
		CompleteTask: step.ID,
	})
	as.NoError(err)
	activity, err := st.ClaimNextTask(ctx, "w1", time.Now())
	as.NoError(err)
	as.Equal(api.TaskActivity, activity.Kind)
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	as := assert.New(t)
	st := newStore(t, sqlite.WithLease(50*time.Millisecond))
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	now := time.Now()
	task, err := st.ClaimNextTask(ctx, "w0", now)
	as.NoError(err)
	as.Equal(1, task.Attempts)

	// the lease is still live, so the RUNNING task is not up for grabs
	_, err = st.ClaimNextTask(ctx, "w1", now)
	as.ErrorIs(err, store.ErrNoTask)

	// past the lease the orphaned claim goes to another worker as a
	// fresh attempt
	reclaimed, err := st.ClaimNextTask(ctx, "w1", now.Add(time.Second))
	as.NoError(err)
	as.Equal(task.ID, reclaimed.ID)
	as.Equal(2, reclaimed.Attempts)
}

func TestClaimExpiredLeaseUnblocksWorkflow(t *testing.T) {
	as := assert.New(t)
	st := newStore(t, sqlite.WithLease(50*time.Millisecond))
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	now := time.Now()
	step, err := st.ClaimNextTask(ctx, "w0", now)
	as.NoError(err)
	err = st.Commit(ctx, &store.Bundle{
		WorkflowID:   "wf-1",
		CompleteTask: step.ID,
		Enqueue: []api.Task{{
			ID:          api.TaskID(uuid.NewString()),
			WorkflowID:  "wf-1",
			Kind:        api.TaskActivity,
			Target:      "a-1",
			RunAt:       now.Add(-time.Second),
			Status:      api.TaskPending,
			MaxAttempts: 1,
		}},
	})
	as.NoError(err)

	// the activity is claimed and its worker dies; a resume STEP lands
	activity, err := st.ClaimNextTask(ctx, "w0", now)
	as.NoError(err)
	as.Equal(api.TaskActivity, activity.Kind)
	err = st.Commit(ctx, &store.Bundle{WorkflowID: "wf-1", EnqueueStep: true})
	as.NoError(err)

	// once the lease expires the dead claim no longer wedges the queue;
	// the expired activity is handed out again first
	later := now.Add(time.Second)
	reclaimed, err := st.ClaimNextTask(ctx, "w1", later)
	as.NoError(err)
	as.Equal(activity.ID, reclaimed.ID)
	as.Equal(2, reclaimed.Attempts)
}

func TestCommitBundleAppendsInOrder(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	e1, err := api.NewEvent("wf-1", api.EventStateSet,
		api.StateSetPayload{Key: "a", Value: json.RawMessage(`1`)})
	as.NoError(err)
	e2, err := api.NewEvent("wf-1", api.EventStepCompleted,
		api.StepCompletedPayload{StepName: "first"})
	as.NoError(err)

	err = st.Commit(ctx, &store.Bundle{
		WorkflowID: "wf-1",
		Events:     []api.Event{e1, e2},
	})
	as.NoError(err)

	history, err := st.LoadHistory(ctx, "wf-1")
	as.NoError(err)
	as.EventTypes(history,
		api.EventWorkflowStarted,
		api.EventStateSet,
		api.EventStepCompleted)
	as.True(history[1].Seq < history[2].Seq)
}

func TestCommitFailTaskRetry(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	task, err := st.ClaimNextTask(ctx, "w0", time.Now())
	as.NoError(err)

	err = st.Commit(ctx, &store.Bundle{
		WorkflowID: "wf-1",
		FailTask: &store.TaskFailure{
			ID:      task.ID,
			Error:   "boom",
			Retry:   true,
			Backoff: 50 * time.Millisecond,
		},
	})
	as.NoError(err)

	// not claimable until the backoff elapses
	_, err = st.ClaimNextTask(ctx, "w0", time.Now())
	as.ErrorIs(err, store.ErrNoTask)

	later := time.Now().Add(time.Second)
	retried, err := st.ClaimNextTask(ctx, "w0", later)
	as.NoError(err)
	as.Equal(task.ID, retried.ID)
	as.Equal(2, retried.Attempts)
	as.Equal("boom", retried.LastError)
}

func TestCommitDiscardsEffectsAfterTerminal(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	task, err := st.ClaimNextTask(ctx, "w0", time.Now())
	as.NoError(err)

	// cancellation lands while the claimed task's effects are in flight
	as.NoError(st.CancelWorkflow(ctx, "wf-1", "operator"))

	completed, err := api.NewEvent("wf-1", api.EventWorkflowCompleted,
		api.WorkflowCompletedPayload{})
	as.NoError(err)
	err = st.Commit(ctx, &store.Bundle{
		WorkflowID:   "wf-1",
		Events:       []api.Event{completed},
		SetStatus:    api.StatusCompleted,
		EnqueueStep:  true,
		CompleteTask: task.ID,
	})
	as.NoError(err)

	// the terminal event stays final: no second terminal event, no status
	// overwrite, no resume task; only the task settlement landed
	as.WorkflowStatus(ctx, st, "wf-1", api.StatusCancelled)
	history, err := st.LoadHistory(ctx, "wf-1")
	as.NoError(err)
	as.EventTypes(history,
		api.EventWorkflowStarted,
		api.EventWorkflowCancelled)
	_, err = st.ClaimNextTask(ctx, "w0", time.Now().Add(time.Hour))
	as.ErrorIs(err, store.ErrNoTask)
}

func TestCommitSettleRequiresRunning(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	err := st.Commit(ctx, &store.Bundle{
		WorkflowID:   "wf-1",
		CompleteTask: "not-claimed",
	})
	as.ErrorIs(err, store.ErrTaskNotRunning)
}

func TestAppendSignal(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	err := st.AppendSignal(ctx, "wf-1", "approve",
		json.RawMessage(`{"by":"u1"}`))
	as.NoError(err)

	history, err := st.LoadHistory(ctx, "wf-1")
	as.NoError(err)
	as.HasEvent(history, api.EventSignalReceived)

	// the initial STEP task is still pending, so no second one appears
	task, err := st.ClaimNextTask(ctx, "w0", time.Now())
	as.NoError(err)
	as.Equal(api.TaskStep, task.Kind)
	_, err = st.ClaimNextTask(ctx, "w0", time.Now())
	as.ErrorIs(err, store.ErrNoTask)
}

func TestAppendSignalEnqueuesStepWhenIdle(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	task, err := st.ClaimNextTask(ctx, "w0", time.Now())
	as.NoError(err)
	err = st.Commit(ctx, &store.Bundle{
		WorkflowID:   "wf-1",
		CompleteTask: task.ID,
	})
	as.NoError(err)

	err = st.AppendSignal(ctx, "wf-1", "approve", nil)
	as.NoError(err)

	resumed, err := st.ClaimNextTask(ctx, "w0", time.Now())
	as.NoError(err)
	as.Equal(api.TaskStep, resumed.Kind)
}

func TestSignalTerminalWorkflow(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	as.NoError(st.CancelWorkflow(ctx, "wf-1", "operator"))
	err := st.AppendSignal(ctx, "wf-1", "approve", nil)
	as.ErrorIs(err, store.ErrWorkflowTerminal)
}

func TestCancelWorkflow(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	as.NoError(st.CancelWorkflow(ctx, "wf-1", "no longer needed"))
	as.WorkflowStatus(ctx, st, "wf-1", api.StatusCancelled)

	history, err := st.LoadHistory(ctx, "wf-1")
	as.NoError(err)
	as.HasEvent(history, api.EventWorkflowCancelled)

	err = st.CancelWorkflow(ctx, "wf-1", "again")
	as.ErrorIs(err, store.ErrWorkflowTerminal)
}

func TestEventsAfterSeq(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")
	as.NoError(st.AppendSignal(ctx, "wf-1", "a", nil))
	as.NoError(st.AppendSignal(ctx, "wf-1", "b", nil))

	history, err := st.LoadHistory(ctx, "wf-1")
	as.NoError(err)
	as.Len(history, 3)

	tail, err := st.Events(ctx, "wf-1", history[0].Seq)
	as.NoError(err)
	as.Len(tail, 2)
	as.Equal(api.EventSignalReceived, tail[0].Type)
}

func TestLogs(t *testing.T) {
	as := assert.New(t)
	st := newStore(t)
	ctx := context.Background()
	createWorkflow(t, st, "wf-1")

	as.NoError(st.AppendLog(ctx, "wf-1", "INFO", "processing order"))
	as.NoError(st.AppendLog(ctx, "wf-1", "WARN", "inventory low"))

	logs, err := st.ListLogs(ctx, "wf-1", 0)
	as.NoError(err)
	as.Len(logs, 2)
	as.Equal("processing order", logs[0].Message)
	as.Equal("WARN", logs[1].Level)

	limited, err := st.ListLogs(ctx, "wf-1", 1)
	as.NoError(err)
	as.Len(limited, 1)
}
