package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound indicates a command referenced an aggregate with no event
// history. No event is appended in that case.
var ErrNotFound = errors.New("aggregate not found")

// ErrGone indicates the aggregate exists but has been removed. Read paths
// distinguish it from ErrNotFound (410 vs 404).
var ErrGone = errors.New("aggregate removed")

// FieldError carries field-level detail for validation and conflict errors.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed or missing required command fields.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// ConflictError reports a uniqueness violation on create.
type ConflictError struct {
	Field string
	Value string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists", e.Field)
}

// PatchError reports a patch operation that could not be applied to the
// current state. It aborts the replay fold for that call.
type PatchError struct {
	Err error
}

func (e *PatchError) Error() string { return "patch failed: " + e.Err.Error() }
func (e *PatchError) Unwrap() error { return e.Err }

// ProjectionError reports an index write that failed after the event was
// already committed to the log. It is logged and retried, never surfaced to
// the command that produced the event.
type ProjectionError struct {
	EventID string
	Err     error
}

func (e *ProjectionError) Error() string {
	return "projection of event " + e.EventID + " failed: " + e.Err.Error()
}
func (e *ProjectionError) Unwrap() error { return e.Err }

// StorageError reports that the event log could not durably commit a write.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "event log " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }
