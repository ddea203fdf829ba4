package domain

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// ApplyPatches applies RFC 6902 operations to a state document and returns
// the patched state. The input state is not mutated. Operations referencing
// a missing path (remove, replace, test) fail with a PatchError.
func ApplyPatches(s State, ops []PatchOp) (State, error) {
	if len(ops) == 0 {
		return s.Clone(), nil
	}
	doc, err := json.Marshal(s.Clone())
	if err != nil {
		return nil, &PatchError{Err: err}
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, &PatchError{Err: err}
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, &PatchError{Err: err}
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, &PatchError{Err: err}
	}
	var out State
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, &PatchError{Err: err}
	}
	return out, nil
}
