package domain

import "encoding/json"

// State is the derived projection of one aggregate's event history. It is a
// plain document so patch events can address arbitrary domain fields; the
// reserved keys below are maintained by the replay engine.
type State map[string]any

// Reserved state keys stamped by replay.
const (
	KeyID        = "id"
	KeyKind      = "kind"
	KeyActive    = "active"
	KeyTimestamp = "timestamp"
)

// ID returns the aggregate identifier, or "" when the state is empty.
func (s State) ID() string {
	v, _ := s[KeyID].(string)
	return v
}

// Kind returns the aggregate kind, or "" when the state is empty.
func (s State) Kind() string {
	v, _ := s[KeyKind].(string)
	return v
}

// Active reports whether the aggregate has not been removed.
func (s State) Active() bool {
	v, ok := s[KeyActive].(bool)
	return ok && v
}

// Timestamp returns the last-modified time in unix milliseconds. JSON
// round-trips store numbers as float64, so both forms are accepted.
func (s State) Timestamp() int64 {
	switch v := s[KeyTimestamp].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Clone returns a shallow copy. Replay never mutates the state it was given.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// PatchOp is a single JSON-Patch operation (RFC 6902).
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PatchedPayload is the payload of a "*.patched" event: the caller's patch
// operations only. The modification time lives on the event envelope.
type PatchedPayload struct {
	Patches []PatchOp `json:"patches"`
}

// RemovedPayload is the payload of a "*.removed" event.
type RemovedPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ActivatedPayload is the payload of a "*.activated" event.
type ActivatedPayload struct {
	Timestamp int64 `json:"timestamp"`
}
