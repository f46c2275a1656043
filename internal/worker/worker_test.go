package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/loomstack/loom/internal/assert"
	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/pkg/api"
)

func scheduledEvent(t *testing.T, id api.ActivityID) api.Event {
	t.Helper()
	ev, err := api.NewEvent("wf-1", api.EventActivityScheduled,
		api.ActivityScheduledPayload{
			ActivityID: id,
			Name:       "charge",
			Args:       json.RawMessage(`[]`),
		})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func completedEvent(t *testing.T, id api.ActivityID) api.Event {
	t.Helper()
	ev, err := api.NewEvent("wf-1", api.EventActivityCompleted,
		api.ActivityCompletedPayload{
			ActivityID: id,
			Result:     json.RawMessage(`"ok"`),
		})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func failedEvent(t *testing.T, id api.ActivityID) api.Event {
	t.Helper()
	ev, err := api.NewEvent("wf-1", api.EventActivityFailed,
		api.ActivityFailedPayload{
			ActivityID:   id,
			Error:        "boom",
			AttemptsUsed: 3,
		})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func TestSettled(t *testing.T) {
	as := assert.New(t)
	history := []api.Event{
		scheduledEvent(t, "a-1"),
		scheduledEvent(t, "a-2"),
		completedEvent(t, "a-1"),
		failedEvent(t, "a-3"),
	}

	as.True(settled(history, "a-1"))
	as.True(settled(history, "a-3"))
	as.False(settled(history, "a-2"))
	as.False(settled(nil, "a-1"))
}

// TestSettlementAtMostOnceProperty replays arbitrary delivery sequences
// through the settlement guard: however often a task is re-delivered, each
// activity records at most one outcome event
func TestSettlementAtMostOnceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	ids := []api.ActivityID{"a-0", "a-1", "a-2", "a-3"}

	type delivery struct {
		ID      int
		Success bool
	}
	genDelivery := gopter.CombineGens(
		gen.IntRange(0, len(ids)-1), gen.Bool(),
	).Map(func(vs []any) delivery {
		return delivery{ID: vs[0].(int), Success: vs[1].(bool)}
	})

	properties.Property("at most one outcome per activity", prop.ForAll(
		func(deliveries []delivery) bool {
			var history []api.Event
			for _, id := range ids {
				history = append(history, scheduledEvent(t, id))
			}
			for _, d := range deliveries {
				id := ids[d.ID]
				if settled(history, id) {
					continue
				}
				if d.Success {
					history = append(history, completedEvent(t, id))
				} else {
					history = append(history, failedEvent(t, id))
				}
			}

			counts := map[api.ActivityID]int{}
			for i := range history {
				e := &history[i]
				if e.Type != api.EventActivityCompleted &&
					e.Type != api.EventActivityFailed {
					continue
				}
				// both outcome payloads carry activity_id
				var p api.ActivityCompletedPayload
				if e.Decode(&p) != nil {
					return false
				}
				counts[p.ActivityID]++
			}
			for _, n := range counts {
				if n > 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genDelivery),
	))

	properties.TestingRun(t)
}

func TestFindScheduled(t *testing.T) {
	as := assert.New(t)
	history := []api.Event{
		scheduledEvent(t, "a-1"),
		scheduledEvent(t, "a-2"),
	}

	p, err := findScheduled(history, "a-2")
	as.NoError(err)
	as.Equal("charge", p.Name)
	as.Equal(api.ActivityID("a-2"), p.ActivityID)

	_, err = findScheduled(history, "a-9")
	as.ErrorIs(err, errActivityNotScheduled)
}

func TestInvokeMarshalsResult(t *testing.T) {
	as := assert.New(t)
	p := &Pool{}
	def := &registry.ActivityDef{
		Name: "sum",
		Fn: func(_ context.Context, args json.RawMessage) (any, error) {
			var a []int
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, err
			}
			return a[0] + a[1], nil
		},
		Timeout: time.Second,
	}

	raw, err := p.invoke(context.Background(), def, json.RawMessage(`[2,3]`))
	as.NoError(err)
	as.JSONEq(`5`, string(raw))
}

func TestInvokeTimeout(t *testing.T) {
	as := assert.New(t)
	p := &Pool{}
	def := &registry.ActivityDef{
		Name: "slow",
		Fn: func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		Timeout: 20 * time.Millisecond,
	}

	_, err := p.invoke(context.Background(), def, json.RawMessage(`[]`))
	as.Error(err)
	as.Contains(err.Error(), "timed out")
}

func TestInvokeTimeoutOnBlockedActivity(t *testing.T) {
	as := assert.New(t)
	p := &Pool{}
	def := &registry.ActivityDef{
		Name: "stubborn",
		Fn: func(context.Context, json.RawMessage) (any, error) {
			// ignores its context entirely
			time.Sleep(300 * time.Millisecond)
			return "late success", nil
		},
		Timeout: 20 * time.Millisecond,
	}

	start := time.Now()
	raw, err := p.invoke(context.Background(), def, json.RawMessage(`[]`))
	as.Error(err)
	as.Contains(err.Error(), "timed out")
	as.Nil(raw)
	as.Less(time.Since(start), 200*time.Millisecond)
}

func TestInvokePanicBecomesError(t *testing.T) {
	as := assert.New(t)
	p := &Pool{}
	def := &registry.ActivityDef{
		Name: "reckless",
		Fn: func(context.Context, json.RawMessage) (any, error) {
			panic("index out of range")
		},
		Timeout: time.Second,
	}

	_, err := p.invoke(context.Background(), def, json.RawMessage(`[]`))
	as.Error(err)
	as.Contains(err.Error(), "panicked")
}

func TestInvokeUnencodableResult(t *testing.T) {
	as := assert.New(t)
	p := &Pool{}
	def := &registry.ActivityDef{
		Name: "weird",
		Fn: func(context.Context, json.RawMessage) (any, error) {
			return make(chan int), nil
		},
		Timeout: time.Second,
	}

	_, err := p.invoke(context.Background(), def, json.RawMessage(`[]`))
	as.Error(err)
	as.Contains(err.Error(), "encode result")
}

func TestInvokeErrorPassesThrough(t *testing.T) {
	as := assert.New(t)
	p := &Pool{}
	cause := errors.New("downstream unavailable")
	def := &registry.ActivityDef{
		Name: "failing",
		Fn: func(context.Context, json.RawMessage) (any, error) {
			return nil, cause
		},
		Timeout: time.Second,
	}

	_, err := p.invoke(context.Background(), def, json.RawMessage(`[]`))
	as.ErrorIs(err, cause)
}

func TestStatsSnapshot(t *testing.T) {
	as := assert.New(t)
	var s Stats
	s.claimed.Add(5)
	s.completed.Add(4)
	s.failed.Add(1)

	snap := s.Snapshot()
	as.Equal(int64(5), snap.Claimed)
	as.Equal(int64(4), snap.Completed)
	as.Equal(int64(1), snap.Failed)
}
