package projection

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/johanlelan/entitysource/domain"
)

const listCachePrefix = "idx"

type cachedList struct {
	Version  int            `json:"version"`
	CachedAt time.Time      `json:"cachedAt"`
	Kind     string         `json:"kind"`
	Total    int            `json:"total"`
	Data     []domain.State `json:"data"`
}

// Cache keeps the unfiltered per-kind list result in Redis so the query
// surface can answer without touching the index, and fans applied events out
// on their channel via pub/sub for live subscribers.
type Cache struct {
	index Index
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewCache creates a cache refresher over the index.
func NewCache(index Index, rc *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Cache{index: index, redis: rc, ttl: ttl, now: time.Now}
}

func listCacheKey(kind string) string { return kind + ":" + listCachePrefix }

// Refresh re-materializes the kind's cached list from the index. Failures
// are logged, never propagated: the cache is best-effort.
func (c *Cache) Refresh(ctx context.Context, kind string) {
	if c == nil || c.redis == nil {
		return
	}
	docs, err := c.index.List(ctx, kind, "")
	if err != nil {
		log.WithError(err).WithField("kind", kind).Error("failed to list index for cache")
		return
	}
	data := make([]domain.State, 0, len(docs))
	for _, d := range docs {
		if !d.Active {
			continue
		}
		data = append(data, d.State)
	}
	payload := cachedList{
		Version:  1,
		CachedAt: c.now().UTC(),
		Kind:     kind,
		Total:    len(data),
		Data:     data,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).WithField("kind", kind).Error("failed to marshal cache payload")
		return
	}
	if err := c.redis.Set(ctx, listCacheKey(kind), raw, c.ttl).Err(); err != nil {
		log.WithError(err).WithField("kind", kind).Error("failed to store cache entry")
	}
}

// GetList returns the cached list result for a kind, or false when the
// cache is cold.
func (c *Cache) GetList(ctx context.Context, kind string) (*Result, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, listCacheKey(kind)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.WithError(err).WithField("kind", kind).Error("cache read failed")
		}
		return nil, false
	}
	var payload cachedList
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.WithError(err).WithField("kind", kind).Error("cache entry corrupt")
		return nil, false
	}
	return &Result{Kind: payload.Kind, Total: payload.Total, Data: payload.Data}, true
}

// Publish announces an applied event on its channel for live subscribers.
func (c *Cache) Publish(ctx context.Context, ev domain.Event) {
	if c == nil || c.redis == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := c.redis.Publish(ctx, ev.Channel(), raw).Err(); err != nil {
		log.WithError(err).WithField("channel", ev.Channel()).Error("unable to publish index update")
	}
}
