package assert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loomstack/loom/internal/config"
	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/pkg/api"
)

// Wrapper wraps testify assertions with Loom-specific helpers
type Wrapper struct {
	*testing.T
	*assert.Assertions
}

// DefaultRetryInterval is the default polling interval for Eventually checks
const DefaultRetryInterval = 25 * time.Millisecond

// New creates a new test assertion wrapper with testify assertions plus
// Loom-specific helpers
func New(t *testing.T) *Wrapper {
	return &Wrapper{
		T:          t,
		Assertions: assert.New(t),
	}
}

// WorkflowStatus asserts a workflow's current status in the store
func (w *Wrapper) WorkflowStatus(
	ctx context.Context, st store.Store, id api.WorkflowID,
	expected api.WorkflowStatus,
) {
	w.Helper()
	wf, err := st.LoadWorkflow(ctx, id)
	w.NoError(err)
	if wf != nil {
		w.Equal(expected, wf.Status)
	}
}

// EventTypes asserts the exact sequence of event types in a history
func (w *Wrapper) EventTypes(
	history []api.Event, expected ...api.EventType,
) {
	w.Helper()
	types := make([]api.EventType, len(history))
	for i := range history {
		types[i] = history[i].Type
	}
	w.Equal(expected, types)
}

// HasEvent asserts that at least one event of the given type exists
func (w *Wrapper) HasEvent(history []api.Event, t api.EventType) {
	w.Helper()
	w.True(countEvents(history, t) > 0,
		"history should contain a %s event", t)
}

// EventCount asserts how many events of the given type exist
func (w *Wrapper) EventCount(history []api.Event, t api.EventType, n int) {
	w.Helper()
	w.Equal(n, countEvents(history, t),
		"unexpected number of %s events", t)
}

// StateEquals asserts that a state key unmarshals to the expected value
func (w *Wrapper) StateEquals(state api.State, key string, expected any) {
	w.Helper()
	raw, ok := state[key]
	w.True(ok, "state should have key %q", key)
	if !ok {
		return
	}
	w.JSONEq(mustJSON(w.T, expected), string(raw))
}

// ConfigValid asserts that a configuration passes validation
func (w *Wrapper) ConfigValid(cfg *config.Config) {
	w.Helper()
	w.NoError(cfg.Validate())
}

// ConfigInvalid asserts that a configuration fails validation
func (w *Wrapper) ConfigInvalid(cfg *config.Config, contains string) {
	w.Helper()
	err := cfg.Validate()
	w.Error(err)
	if err != nil && contains != "" {
		w.Contains(err.Error(), contains)
	}
}

// Eventually runs a condition repeatedly until it passes or times out
func (w *Wrapper) Eventually(
	condition func() bool, timeout time.Duration, msg string, args ...any,
) {
	w.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(DefaultRetryInterval)
	}
	w.Fail(msg, args...)
}

func countEvents(history []api.Event, t api.EventType) int {
	n := 0
	for i := range history {
		if history[i].Type == t {
			n++
		}
	}
	return n
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode expected value: %v", err)
	}
	return string(raw)
}
