// Package commands implements the write side: validate a command, consult
// the replayed aggregate state where needed, append exactly one event and
// hand it to the outbox once the append has committed.
package commands

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/johanlelan/entitysource/domain"
	"github.com/johanlelan/entitysource/eventlog"
)

// Publisher receives committed events for fan-out. Enqueue must only be
// called after the append is durable.
type Publisher interface {
	Enqueue(ev domain.Event) error
}

// Service handles create/patch/remove/activate commands for any aggregate
// kind backed by the event log.
type Service struct {
	log    eventlog.Log
	out    Publisher
	origin string
	logger *log.Logger
	tracer trace.Tracer
}

// NewService creates a command service. origin is recorded on every event
// this service produces.
func NewService(el eventlog.Log, out Publisher, origin string, logger *log.Logger) *Service {
	return &Service{
		log:    el,
		out:    out,
		origin: origin,
		logger: logger,
		tracer: otel.Tracer("commands"),
	}
}

// Create mints a new aggregate identity and appends its created event. The
// payload must be a JSON object; it becomes the full entity snapshot.
func (s *Service) Create(ctx context.Context, kind, author string, payload json.RawMessage) (domain.State, error) {
	ctx, span := s.tracer.Start(ctx, "commands.create", trace.WithAttributes(attribute.String("aggregate.kind", kind)))
	defer span.End()

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, &domain.ValidationError{Fields: []domain.FieldError{{Field: "payload", Message: "must be a JSON object"}}}
	}

	id := uuid.NewString()
	ev, err := domain.NewEvent(kind, id, domain.EventName(kind, domain.ActionCreated), s.origin, author, payload)
	if err != nil {
		return nil, err
	}
	appended, err := s.log.Append(ctx, ev)
	if err != nil {
		return nil, err
	}
	s.publish(appended)

	state, _, err := domain.Replay([]domain.Event{appended}, nil)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(log.Fields{"kind": kind, "id": id, "author": author}).Info("aggregate created")
	return state, nil
}

// Patch applies JSON-Patch operations to an existing aggregate. The ops are
// validated against the replayed state before anything is appended; an
// unknown aggregate yields ErrNotFound with no append.
func (s *Service) Patch(ctx context.Context, kind, id, author string, patches []domain.PatchOp) (domain.State, error) {
	ctx, span := s.tracer.Start(ctx, "commands.patch", trace.WithAttributes(
		attribute.String("aggregate.kind", kind),
		attribute.String("aggregate.id", id),
	))
	defer span.End()

	state, _, err := s.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	// reject unappliable patches before touching the log
	if _, err := domain.ApplyPatches(state, patches); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(domain.PatchedPayload{Patches: patches})
	if err != nil {
		return nil, err
	}
	ev, err := domain.NewEvent(kind, id, domain.EventName(kind, domain.ActionPatched), s.origin, author, payload)
	if err != nil {
		return nil, err
	}
	appended, err := s.log.Append(ctx, ev)
	if err != nil {
		return nil, err
	}
	s.publish(appended)

	next, err := domain.Apply(state, appended)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(log.Fields{"kind": kind, "id": id, "patches": len(patches)}).Info("aggregate patched")
	return next, nil
}

// Remove tombstones an aggregate. Removing an already-removed aggregate is
// ErrGone; nothing is appended.
func (s *Service) Remove(ctx context.Context, kind, id, author string) (domain.State, error) {
	ctx, span := s.tracer.Start(ctx, "commands.remove", trace.WithAttributes(
		attribute.String("aggregate.kind", kind),
		attribute.String("aggregate.id", id),
	))
	defer span.End()

	state, _, err := s.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if !state.Active() {
		return nil, domain.ErrGone
	}

	payload, err := json.Marshal(domain.RemovedPayload{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return nil, err
	}
	ev, err := domain.NewEvent(kind, id, domain.EventName(kind, domain.ActionRemoved), s.origin, author, payload)
	if err != nil {
		return nil, err
	}
	appended, err := s.log.Append(ctx, ev)
	if err != nil {
		return nil, err
	}
	s.publish(appended)

	next, err := domain.Apply(state, appended)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(log.Fields{"kind": kind, "id": id}).Info("aggregate removed")
	return next, nil
}

// Activate reverses a removal. Activating an aggregate that is already
// active returns its state unchanged without appending.
func (s *Service) Activate(ctx context.Context, kind, id, author string) (domain.State, error) {
	ctx, span := s.tracer.Start(ctx, "commands.activate", trace.WithAttributes(
		attribute.String("aggregate.kind", kind),
		attribute.String("aggregate.id", id),
	))
	defer span.End()

	state, _, err := s.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if state.Active() {
		return state, nil
	}

	payload, err := json.Marshal(domain.ActivatedPayload{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return nil, err
	}
	ev, err := domain.NewEvent(kind, id, domain.EventName(kind, domain.ActionActivated), s.origin, author, payload)
	if err != nil {
		return nil, err
	}
	appended, err := s.log.Append(ctx, ev)
	if err != nil {
		return nil, err
	}
	s.publish(appended)

	next, err := domain.Apply(state, appended)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(log.Fields{"kind": kind, "id": id}).Info("aggregate activated")
	return next, nil
}

// Get replays the aggregate's full history. This is the authoritative slow
// path behind the index.
func (s *Service) Get(ctx context.Context, kind, id string) (domain.State, int64, error) {
	return s.load(ctx, kind, id)
}

// Events returns the raw event history for inspection.
func (s *Service) Events(ctx context.Context, kind, id string) ([]domain.Event, error) {
	return s.log.ReadAll(ctx, kind, id)
}

func (s *Service) load(ctx context.Context, kind, id string) (domain.State, int64, error) {
	events, err := s.log.ReadAll(ctx, kind, id)
	if err != nil {
		return nil, 0, err
	}
	if len(events) == 0 {
		return nil, 0, domain.ErrNotFound
	}
	return domain.Replay(events, nil)
}

func (s *Service) publish(ev domain.Event) {
	if s.out == nil {
		return
	}
	if err := s.out.Enqueue(ev); err != nil {
		// the append already committed; the projection catches up on rebuild
		s.logger.WithError(err).WithFields(log.Fields{
			"event":   ev.Name,
			"id":      ev.ID,
			"channel": ev.Channel(),
		}).Error("event fan-out enqueue failed")
	}
}
