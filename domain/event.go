package domain

import (
	"encoding/json"
	"strings"
)

// Event is the immutable record appended to the event log. Identity,
// version and timestamp are assigned by the log at append time; everything
// else is set by the command handler that produced it.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregateId"`
	AggregateKind string          `json:"aggregateKind"`
	Name          string          `json:"name"`
	Version       int64           `json:"version"`
	Origin        string          `json:"origin"`
	Author        string          `json:"author"`
	Timestamp     int64           `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// AnonymousAuthor is recorded when no principal was resolved for a command.
const AnonymousAuthor = "anonymous"

// Event name suffixes. Full names are "<kind>.<action>", e.g. "items.created".
const (
	ActionCreated   = "created"
	ActionPatched   = "patched"
	ActionRemoved   = "removed"
	ActionActivated = "activated"
)

// EventName builds the full event name for an aggregate kind and action.
func EventName(kind, action string) string {
	return kind + "." + action
}

// Action returns the part of the event name after the last dot.
func (e Event) Action() string {
	if i := strings.LastIndex(e.Name, "."); i >= 0 {
		return e.Name[i+1:]
	}
	return e.Name
}

// Channel returns the fan-out channel the event publishes on: the namespace
// of its name ("items.created" -> "items").
func (e Event) Channel() string {
	if i := strings.Index(e.Name, "."); i > 0 {
		return e.Name[:i]
	}
	return e.Name
}

// NewEvent assembles an event envelope from command output. The log fills in
// ID, Version and Timestamp during Append.
func NewEvent(kind, aggregateID, name, origin, author string, payload json.RawMessage) (Event, error) {
	if author == "" {
		author = AnonymousAuthor
	}
	ev := Event{
		AggregateID:   aggregateID,
		AggregateKind: kind,
		Name:          name,
		Origin:        origin,
		Author:        author,
		Payload:       payload,
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks the invariants every event must satisfy before it may be
// appended. Events failing validation are never written.
func (e Event) Validate() error {
	var fields []FieldError
	if e.AggregateID == "" {
		fields = append(fields, FieldError{Field: "aggregateId", Message: "required"})
	}
	if e.AggregateKind == "" {
		fields = append(fields, FieldError{Field: "aggregateKind", Message: "required"})
	}
	if e.Name == "" {
		fields = append(fields, FieldError{Field: "name", Message: "required"})
	}
	if e.Origin == "" {
		fields = append(fields, FieldError{Field: "origin", Message: "required"})
	}
	if len(e.Payload) == 0 {
		fields = append(fields, FieldError{Field: "payload", Message: "required"})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
