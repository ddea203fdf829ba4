package projection

import (
	"context"

	"github.com/johanlelan/entitysource/domain"
)

// Query is the read path over the index, preferring the Redis cache for
// unfiltered lists and falling back to the index.
type Query struct {
	Index Index
	Cache *Cache
}

// List returns documents of a kind matching the free-text query. Tombstoned
// aggregates are excluded from listings.
func (q Query) List(ctx context.Context, kind, query string) (*Result, error) {
	if query == "" && q.Cache != nil {
		if res, ok := q.Cache.GetList(ctx, kind); ok {
			return res, nil
		}
	}
	docs, err := q.Index.List(ctx, kind, query)
	if err != nil {
		return nil, err
	}
	res := &Result{Kind: kind, Data: []domain.State{}}
	for _, d := range docs {
		if !d.Active {
			continue
		}
		res.Data = append(res.Data, d.State)
	}
	res.Total = len(res.Data)
	return res, nil
}

// GetByID returns the indexed document, nil when never indexed. The caller
// distinguishes a tombstoned document (gone) from a missing one (not found).
func (q Query) GetByID(ctx context.Context, kind, id string) (*Document, error) {
	return q.Index.Get(ctx, kind, id)
}
