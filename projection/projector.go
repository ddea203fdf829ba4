package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/johanlelan/entitysource/domain"
	"github.com/johanlelan/entitysource/transport"
)

// Projector consumes committed events and applies them to the index.
// Application is idempotent and order-preserving: upserts are keyed by
// (kind, id), a delivery at or below the document's version is a duplicate
// and skipped, and a delivery past the next contiguous version is refused so
// the queue redelivers it after the missing event lands. The index therefore
// always equals a replay of the applied prefix of the log.
type Projector struct {
	consumer transport.Consumer
	index    Index
	cache    *Cache
	idle     time.Duration
	tracer   trace.Tracer
}

// NewProjector creates a projector. cache may be nil.
func NewProjector(consumer transport.Consumer, index Index, cache *Cache) *Projector {
	return &Projector{
		consumer: consumer,
		index:    index,
		cache:    cache,
		idle:     time.Second,
		tracer:   otel.Tracer("projection"),
	}
}

// Run drains the event channels until the context is cancelled. A message
// whose apply fails is not acknowledged; the queue redelivers it after the
// visibility timeout, which is the retry backoff.
func (p *Projector) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := p.consumer.Receive(ctx)
		if err != nil {
			log.WithError(err).Error("event receive failed")
			p.sleep(ctx)
			continue
		}
		if msg == nil {
			p.sleep(ctx)
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			log.WithError(err).WithField("message", msg.ID).Error("dropping undecodable event message")
			// a poison message would otherwise redeliver forever
			if delErr := p.consumer.Delete(ctx, msg); delErr != nil {
				log.WithError(delErr).Error("failed to delete poison message")
			}
			continue
		}
		if err := p.Apply(ctx, ev); err != nil {
			log.WithError(err).WithFields(log.Fields{"event": ev.Name, "id": ev.ID}).Error("projection apply failed, leaving for redelivery")
			continue
		}
		if err := p.consumer.Delete(ctx, msg); err != nil {
			log.WithError(err).WithField("message", msg.ID).Error("failed to acknowledge message")
		}
	}
}

func (p *Projector) sleep(ctx context.Context) {
	timer := time.NewTimer(p.idle)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Apply folds one event into the index. Safe to call twice with the same
// event: the second application is a no-op.
func (p *Projector) Apply(ctx context.Context, ev domain.Event) error {
	ctx, span := p.tracer.Start(ctx, "projection.apply", trace.WithAttributes(
		attribute.String("event.name", ev.Name),
		attribute.String("aggregate.id", ev.AggregateID),
	))
	defer span.End()

	if err := p.apply(ctx, ev); err != nil {
		return &domain.ProjectionError{EventID: ev.ID, Err: err}
	}
	if p.cache != nil {
		p.cache.Refresh(ctx, ev.AggregateKind)
		p.cache.Publish(ctx, ev)
	}
	return nil
}

func (p *Projector) apply(ctx context.Context, ev domain.Event) error {
	doc, err := p.index.Get(ctx, ev.AggregateKind, ev.AggregateID)
	if err != nil {
		return err
	}

	switch ev.Action() {
	case domain.ActionCreated:
		if doc != nil && doc.Version >= ev.Version {
			log.WithFields(log.Fields{"kind": ev.AggregateKind, "id": ev.AggregateID}).Debug("skipping duplicate created event")
			return nil
		}
		state, _, err := domain.Replay([]domain.Event{ev}, nil)
		if err != nil {
			return err
		}
		return p.index.Upsert(ctx, Document{
			Kind:      ev.AggregateKind,
			ID:        ev.AggregateID,
			Active:    true,
			Version:   ev.Version,
			Timestamp: ev.Timestamp,
			State:     state,
		})

	case domain.ActionPatched, domain.ActionRemoved, domain.ActionActivated:
		if doc == nil {
			// created event not applied yet; redelivery will catch up
			return fmt.Errorf("document %s/%s not indexed yet", ev.AggregateKind, ev.AggregateID)
		}
		if ev.Version <= doc.Version {
			log.WithFields(log.Fields{"kind": ev.AggregateKind, "id": ev.AggregateID, "version": ev.Version, "current": doc.Version}).Debug("skipping already applied event")
			return nil
		}
		if ev.Version != doc.Version+1 {
			// an earlier event is still in flight; refuse so the queue
			// redelivers this one after the gap closes
			return fmt.Errorf("event %s for %s/%s out of order: index at version %d, event version %d",
				ev.ID, ev.AggregateKind, ev.AggregateID, doc.Version, ev.Version)
		}
		state, err := domain.Apply(doc.State, ev)
		if err != nil {
			return err
		}
		return p.index.Upsert(ctx, Document{
			Kind:      ev.AggregateKind,
			ID:        ev.AggregateID,
			Active:    state.Active(),
			Version:   ev.Version,
			Timestamp: ev.Timestamp,
			State:     state,
		})

	default:
		// forward compatibility: unknown event kinds leave the state alone
		// but still occupy a log version, which must advance or every later
		// event would look out of order
		if doc == nil || ev.Version <= doc.Version {
			return nil
		}
		if ev.Version != doc.Version+1 {
			return fmt.Errorf("event %s for %s/%s out of order: index at version %d, event version %d",
				ev.ID, ev.AggregateKind, ev.AggregateID, doc.Version, ev.Version)
		}
		doc.Version = ev.Version
		doc.Timestamp = ev.Timestamp
		return p.index.Upsert(ctx, *doc)
	}
}
