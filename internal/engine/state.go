package engine

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/loomstack/loom/pkg/api"
)

// FoldState rebuilds the workflow's mutable state from history: seed from
// the initial state recorded in WORKFLOW_STARTED, then apply STATE_SET and
// STATE_UPDATE in event order
func FoldState(history []api.Event) (api.State, error) {
	state := api.State{}
	for i := range history {
		e := &history[i]
		switch e.Type {
		case api.EventWorkflowStarted:
			var p api.WorkflowStartedPayload
			if err := e.Decode(&p); err != nil {
				return nil, fmt.Errorf("decode %s: %w", e.Type, err)
			}
			if len(p.InitialState) > 0 {
				if err := mergeObject(state, p.InitialState); err != nil {
					return nil, err
				}
			}
		case api.EventStateSet:
			var p api.StateSetPayload
			if err := e.Decode(&p); err != nil {
				return nil, fmt.Errorf("decode %s: %w", e.Type, err)
			}
			state[p.Key] = p.Value
		case api.EventStateUpdate:
			var p api.StateUpdatePayload
			if err := e.Decode(&p); err != nil {
				return nil, fmt.Errorf("decode %s: %w", e.Type, err)
			}
			state = api.State{}
			if err := mergeObject(state, p.NewState); err != nil {
				return nil, err
			}
		}
	}
	return state, nil
}

// mergeObject decodes a JSON object into the state map, key by key
func mergeObject(state api.State, raw json.RawMessage) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("invalid state object: %s", raw)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode state object: %w", err)
	}
	for k, v := range decoded {
		state[k] = v
	}
	return nil
}

// stateAccessor implements registry.StateAccessor over the context's folded
// state, matching events during replay and appending them when live
type stateAccessor struct {
	ec *Context
}

func (s *stateAccessor) Get(key string) (json.RawMessage, bool) {
	v, ok := s.ec.state[key]
	return v, ok
}

func (s *stateAccessor) GetInto(key string, target any) error {
	v, ok := s.ec.state[key]
	if !ok {
		return fmt.Errorf("state key %q not set", key)
	}
	return json.Unmarshal(v, target)
}

func (s *stateAccessor) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state value %q: %w", key, err)
	}
	s.ec.state[key] = raw
	if s.ec.inBatch {
		return nil
	}

	if ev := s.ec.nextDecision(); ev != nil {
		var p api.StateSetPayload
		if err := matchDecode(ev, api.EventStateSet, &p); err != nil {
			return err
		}
		if p.Key != key {
			return nonDeterminism(
				"recorded STATE_SET key %q, code set %q", p.Key, key)
		}
		if !jsonEqual(p.Value, raw) {
			return nonDeterminism(
				"recorded STATE_SET value for %q differs", key)
		}
		s.ec.consume(ev)
		return nil
	}
	return s.ec.appendEvent(api.EventStateSet,
		api.StateSetPayload{Key: key, Value: raw})
}

func (s *stateAccessor) Update(fn func(api.State)) error {
	fn(s.ec.state)
	return s.flushSnapshot()
}

func (s *stateAccessor) Batch(fn func() error) error {
	if s.ec.inBatch {
		return ErrNestedBatch
	}
	s.ec.inBatch = true
	err := fn()
	s.ec.inBatch = false
	if err != nil {
		return err
	}
	return s.flushSnapshot()
}

func (s *stateAccessor) Snapshot() api.State {
	return s.ec.state.Clone()
}

// flushSnapshot records the complete current state as one STATE_UPDATE,
// matching it against history during replay
func (s *stateAccessor) flushSnapshot() error {
	raw, err := s.ec.state.MarshalObject()
	if err != nil {
		return fmt.Errorf("encode state snapshot: %w", err)
	}
	if ev := s.ec.nextDecision(); ev != nil {
		var p api.StateUpdatePayload
		if err := matchDecode(ev, api.EventStateUpdate, &p); err != nil {
			return err
		}
		if !jsonEqual(p.NewState, raw) {
			return nonDeterminism(
				"recorded STATE_UPDATE snapshot differs from recomputed state")
		}
		s.ec.consume(ev)
		return nil
	}
	return s.ec.appendEvent(api.EventStateUpdate,
		api.StateUpdatePayload{NewState: raw})
}
