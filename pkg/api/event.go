package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// EventType tags an entry in a workflow's append-only history
	EventType string

	// ActivityID identifies one scheduled activity invocation within a
	// workflow's history
	ActivityID string

	// TimerID identifies one scheduled timer within a workflow's history
	TimerID string

	// Event is an immutable entry in a workflow's history. Seq is assigned by
	// the store on append and is monotonically increasing store-wide; the
	// per-workflow ordering of Seq defines the replay order
	Event struct {
		Seq        int64           `json:"seq"`
		WorkflowID WorkflowID      `json:"workflow_id"`
		Type       EventType       `json:"type"`
		Payload    json.RawMessage `json:"payload"`
		CreatedAt  time.Time       `json:"created_at"`
	}

	WorkflowStartedPayload struct {
		Input        json.RawMessage `json:"input"`
		InitialState json.RawMessage `json:"initial_state,omitempty"`
	}

	StateSetPayload struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}

	// StateUpdatePayload carries a full replacement snapshot of the state
	StateUpdatePayload struct {
		NewState json.RawMessage `json:"new_state"`
	}

	ActivityScheduledPayload struct {
		ActivityID ActivityID      `json:"activity_id"`
		Name       string          `json:"name"`
		Args       json.RawMessage `json:"args"`
		Attempt    int             `json:"attempt"`
	}

	ActivityCompletedPayload struct {
		ActivityID ActivityID      `json:"activity_id"`
		Result     json.RawMessage `json:"result"`
	}

	ActivityFailedPayload struct {
		ActivityID   ActivityID `json:"activity_id"`
		Error        string     `json:"error"`
		AttemptsUsed int        `json:"attempts_used"`
	}

	TimerScheduledPayload struct {
		TimerID TimerID   `json:"timer_id"`
		FireAt  time.Time `json:"fire_at"`
	}

	TimerFiredPayload struct {
		TimerID TimerID `json:"timer_id"`
	}

	SignalReceivedPayload struct {
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload"`
	}

	StepCompletedPayload struct {
		StepName string `json:"step_name"`

		// ConsumedSignals holds the sequence numbers of the signals the
		// step delivered, so replay can skip the step without re-delivering
		// them to a later one
		ConsumedSignals []int64 `json:"consumed_signals,omitempty"`
	}

	ChildWorkflowStartedPayload struct {
		ChildID WorkflowID      `json:"child_id"`
		Name    string          `json:"name"`
		Version string          `json:"version"`
		Input   json.RawMessage `json:"input"`
	}

	WorkflowCompletedPayload struct {
		FinalState json.RawMessage `json:"final_state"`
	}

	WorkflowFailedPayload struct {
		Error string `json:"error"`
	}

	WorkflowCancelledPayload struct {
		Reason string `json:"reason"`
	}
)

const (
	EventWorkflowStarted      EventType = "WORKFLOW_STARTED"
	EventStateSet             EventType = "STATE_SET"
	EventStateUpdate          EventType = "STATE_UPDATE"
	EventActivityScheduled    EventType = "ACTIVITY_SCHEDULED"
	EventActivityCompleted    EventType = "ACTIVITY_COMPLETED"
	EventActivityFailed       EventType = "ACTIVITY_FAILED"
	EventTimerScheduled       EventType = "TIMER_SCHEDULED"
	EventTimerFired           EventType = "TIMER_FIRED"
	EventSignalReceived       EventType = "SIGNAL_RECEIVED"
	EventStepCompleted        EventType = "STEP_COMPLETED"
	EventChildWorkflowStarted EventType = "CHILD_WORKFLOW_STARTED"
	EventWorkflowCompleted    EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed       EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelled    EventType = "WORKFLOW_CANCELLED"
)

var (
	ErrEventPayload = errors.New("failed to encode event payload")

	terminalEvents = map[EventType]bool{
		EventWorkflowCompleted: true,
		EventWorkflowFailed:    true,
		EventWorkflowCancelled: true,
	}
)

// NewEvent constructs an event for the given workflow, encoding the payload
// as JSON. Seq and CreatedAt are assigned by the store on append
func NewEvent(id WorkflowID, t EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrEventPayload, err)
	}
	return Event{WorkflowID: id, Type: t, Payload: data}, nil
}

// IsTerminal reports whether the event type ends a workflow's history
func (t EventType) IsTerminal() bool {
	return terminalEvents[t]
}

// Decode unmarshals the event payload into the provided target
func (e *Event) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}
