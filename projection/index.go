// Package projection maintains the read-side index from the event stream.
// The index is a derived, rebuildable cache of the event log: it may lag,
// and it may be dropped and rebuilt without data loss.
package projection

import (
	"context"
	"fmt"
	"strings"

	"github.com/johanlelan/entitysource/domain"
)

// Document is one indexed aggregate, keyed by (kind, id). Version is the
// log version of the last event applied to it; the projector only applies
// the next contiguous version, so duplicates and out-of-order deliveries
// never diverge the document from a replay of the log.
type Document struct {
	Kind      string       `json:"kind"`
	ID        string       `json:"id"`
	Active    bool         `json:"active"`
	Version   int64        `json:"version"`
	Timestamp int64        `json:"timestamp"`
	State     domain.State `json:"state"`
}

// Result is the list response shape of the read path.
type Result struct {
	Kind  string         `json:"kind"`
	Total int            `json:"total"`
	Data  []domain.State `json:"data"`
}

// Index is the queryable materialization the projector writes to.
type Index interface {
	// Get returns the document or nil when it has never been indexed.
	Get(ctx context.Context, kind, id string) (*Document, error)
	// Upsert replaces the document for (doc.Kind, doc.ID).
	Upsert(ctx context.Context, doc Document) error
	// List returns documents of a kind matching the free-text query; an
	// empty query matches everything. Tombstoned documents are included so
	// callers can distinguish gone from never-existed.
	List(ctx context.Context, kind, query string) ([]Document, error)
}

// Exists reports whether any active document of the kind has the given
// field value. It backs the create-time uniqueness check.
func Exists(ctx context.Context, idx Index, kind, field, value string) (bool, error) {
	docs, err := idx.List(ctx, kind, "")
	if err != nil {
		return false, err
	}
	for _, d := range docs {
		if !d.Active {
			continue
		}
		if v, ok := d.State[field].(string); ok && v == value {
			return true, nil
		}
	}
	return false, nil
}

// matches reports whether the document matches a free-text query: every
// whitespace-separated term must appear in some string field.
func matches(doc Document, query string) bool {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return true
	}
	var haystack strings.Builder
	for k, v := range doc.State {
		if s, ok := v.(string); ok {
			haystack.WriteString(strings.ToLower(k))
			haystack.WriteByte(' ')
			haystack.WriteString(strings.ToLower(s))
			haystack.WriteByte(' ')
		}
	}
	hay := haystack.String()
	for _, term := range terms {
		if !strings.Contains(hay, term) {
			return false
		}
	}
	return true
}

// Checker adapts an Index to the write side's uniqueness interface.
type Checker struct{ Index Index }

// Exists implements commands.UniquenessChecker.
func (c Checker) Exists(ctx context.Context, kind, field, value string) (bool, error) {
	ok, err := Exists(ctx, c.Index, kind, field, value)
	if err != nil {
		return false, fmt.Errorf("uniqueness lookup: %w", err)
	}
	return ok, nil
}
