package client

import (
	"encoding/json"
	"testing"

	"github.com/loomstack/loom/internal/assert"
	"github.com/loomstack/loom/pkg/api"
)

func event(t *testing.T, et api.EventType, payload any) api.Event {
	t.Helper()
	ev, err := api.NewEvent("wf-1", et, payload)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func TestExtractErrorPrefersWorkflowFailure(t *testing.T) {
	as := assert.New(t)
	history := []api.Event{
		event(t, api.EventActivityFailed, api.ActivityFailedPayload{
			ActivityID: "a-1", Error: "activity boom", AttemptsUsed: 3,
		}),
		event(t, api.EventWorkflowFailed, api.WorkflowFailedPayload{
			Error: "workflow boom",
		}),
	}
	as.Equal("workflow boom", extractError(history))
}

func TestExtractErrorFallsBackToActivity(t *testing.T) {
	as := assert.New(t)
	history := []api.Event{
		event(t, api.EventActivityFailed, api.ActivityFailedPayload{
			ActivityID: "a-1", Error: "first boom",
		}),
		event(t, api.EventActivityFailed, api.ActivityFailedPayload{
			ActivityID: "a-2", Error: "last boom",
		}),
	}
	as.Equal("last boom", extractError(history))
}

func TestExtractErrorUnknown(t *testing.T) {
	as := assert.New(t)
	as.Equal("unknown error", extractError(nil))
}

func TestFinalState(t *testing.T) {
	as := assert.New(t)
	history := []api.Event{
		event(t, api.EventWorkflowCompleted, api.WorkflowCompletedPayload{
			FinalState: json.RawMessage(`{"total":42}`),
		}),
	}
	state, err := finalState(history)
	as.NoError(err)
	as.StateEquals(state, "total", 42)

	empty, err := finalState(nil)
	as.NoError(err)
	as.Empty(empty)
}

func TestCancelReason(t *testing.T) {
	as := assert.New(t)
	history := []api.Event{
		event(t, api.EventWorkflowCancelled, api.WorkflowCancelledPayload{
			Reason: "operator request",
		}),
	}
	as.Equal("operator request", cancelReason(history))
	as.Equal("unknown reason", cancelReason(nil))
}
