// Package eventlog provides the append-only, per-aggregate ordered store of
// domain events. The log is the system of record: projections and caches are
// derived from it and may be rebuilt at any time.
package eventlog

import (
	"context"

	"github.com/johanlelan/entitysource/domain"
)

// Log is the storage abstraction for the event stream. Appends for the same
// aggregate are serialized by the implementation so versions are strictly
// increasing; appends for different aggregates may proceed concurrently.
type Log interface {
	// Append validates the event, assigns identity, version and timestamp,
	// and writes it durably. The stored event is returned.
	Append(ctx context.Context, ev domain.Event) (domain.Event, error)
	// ReadAll returns every event for the aggregate in ascending version
	// order. An unknown aggregate yields an empty slice, not an error.
	ReadAll(ctx context.Context, kind, aggregateID string) ([]domain.Event, error)
	// Clear purges all events. Test and operational tooling only.
	Clear(ctx context.Context) error
}

// Key is the log partition for one aggregate.
func Key(kind, aggregateID string) string {
	return kind + "|" + aggregateID
}
