package api_test

import (
	"encoding/json"
	"testing"

	"github.com/loomstack/loom/internal/assert"
	"github.com/loomstack/loom/pkg/api"
)

func TestNewEvent(t *testing.T) {
	as := assert.New(t)
	ev, err := api.NewEvent("wf-1", api.EventStateSet,
		api.StateSetPayload{
			Key:   "count",
			Value: json.RawMessage(`5`),
		})
	as.NoError(err)
	as.Equal(api.WorkflowID("wf-1"), ev.WorkflowID)
	as.Equal(api.EventStateSet, ev.Type)

	var p api.StateSetPayload
	as.NoError(ev.Decode(&p))
	as.Equal("count", p.Key)
	as.JSONEq(`5`, string(p.Value))
}

func TestNewEventUnencodablePayload(t *testing.T) {
	as := assert.New(t)
	_, err := api.NewEvent("wf-1", api.EventStateSet, make(chan int))
	as.ErrorIs(err, api.ErrEventPayload)
}

func TestEventTypeIsTerminal(t *testing.T) {
	as := assert.New(t)
	as.True(api.EventWorkflowCompleted.IsTerminal())
	as.True(api.EventWorkflowFailed.IsTerminal())
	as.True(api.EventWorkflowCancelled.IsTerminal())

	as.False(api.EventWorkflowStarted.IsTerminal())
	as.False(api.EventActivityFailed.IsTerminal())
	as.False(api.EventSignalReceived.IsTerminal())
}
