package domain

import "encoding/json"

// Apply folds one event into the aggregate state and returns the new state.
// It is a pure function: timestamps come from the event envelope, never from
// the wall clock. Unknown event names leave the state untouched so newer
// producers do not break older replays.
func Apply(s State, ev Event) (State, error) {
	switch ev.Action() {
	case ActionCreated:
		var doc map[string]any
		if err := json.Unmarshal(ev.Payload, &doc); err != nil {
			return nil, &PatchError{Err: err}
		}
		next := State(doc)
		next[KeyID] = ev.AggregateID
		next[KeyKind] = ev.AggregateKind
		next[KeyActive] = true
		next[KeyTimestamp] = ev.Timestamp
		return next, nil
	case ActionPatched:
		var payload PatchedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil, &PatchError{Err: err}
		}
		next, err := ApplyPatches(s, payload.Patches)
		if err != nil {
			return nil, err
		}
		next[KeyTimestamp] = ev.Timestamp
		return next, nil
	case ActionRemoved:
		next := s.Clone()
		next[KeyActive] = false
		next[KeyTimestamp] = ev.Timestamp
		return next, nil
	case ActionActivated:
		next := s.Clone()
		next[KeyActive] = true
		next[KeyTimestamp] = ev.Timestamp
		return next, nil
	default:
		return s, nil
	}
}

// Replay left-folds an ordered event sequence into the current aggregate
// state. A created event replaces whatever came before it, including the
// seeded initial state. The returned version is the version of the last
// applied event, 0 when the sequence is empty.
func Replay(events []Event, initial State) (State, int64, error) {
	state := initial.Clone()
	var version int64
	for _, ev := range events {
		next, err := Apply(state, ev)
		if err != nil {
			return nil, version, err
		}
		state = next
		version = ev.Version
	}
	return state, version, nil
}
