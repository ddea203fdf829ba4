package projection

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/johanlelan/entitysource/domain"
	"github.com/johanlelan/entitysource/transport"
)

func mkEvent(t *testing.T, id, action string, version, ts int64, payload any) domain.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return domain.Event{
		ID:            "ev-" + action,
		AggregateID:   id,
		AggregateKind: "items",
		Name:          domain.EventName("items", action),
		Version:       version,
		Origin:        "test",
		Author:        domain.AnonymousAuthor,
		Timestamp:     ts,
		Payload:       raw,
	}
}

func newTestProjector() (*Projector, *MemoryIndex) {
	idx := NewMemoryIndex()
	return NewProjector(transport.NewMemoryBus(), idx, nil), idx
}

func TestApplyCreatedIndexesDocument(t *testing.T) {
	p, idx := newTestProjector()
	ctx := context.Background()

	if err := p.Apply(ctx, mkEvent(t, "a1", domain.ActionCreated, 1, 100, map[string]any{"title": "x"})); err != nil {
		t.Fatalf("apply: %v", err)
	}
	doc, err := idx.Get(ctx, "items", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if doc == nil {
		t.Fatal("document not indexed")
	}
	if !doc.Active || doc.Timestamp != 100 {
		t.Errorf("doc = %+v", doc)
	}
	if doc.State["title"] != "x" || doc.State.ID() != "a1" {
		t.Errorf("state = %v", doc.State)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	p, idx := newTestProjector()
	ctx := context.Background()

	created := mkEvent(t, "a1", domain.ActionCreated, 1, 100, map[string]any{"title": "x"})
	patched := mkEvent(t, "a1", domain.ActionPatched, 2, 200, domain.PatchedPayload{Patches: []domain.PatchOp{
		{Op: "replace", Path: "/title", Value: json.RawMessage(`"y"`)},
	}})

	for _, ev := range []domain.Event{created, patched} {
		if err := p.Apply(ctx, ev); err != nil {
			t.Fatalf("apply %s: %v", ev.Name, err)
		}
	}
	once, _ := idx.Get(ctx, "items", "a1")

	// redelivery of both events must change nothing
	for _, ev := range []domain.Event{created, patched} {
		if err := p.Apply(ctx, ev); err != nil {
			t.Fatalf("reapply %s: %v", ev.Name, err)
		}
	}
	twice, _ := idx.Get(ctx, "items", "a1")
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("redelivery changed the document: %+v vs %+v", once, twice)
	}
	if twice.State["title"] != "y" {
		t.Errorf("title = %v, want y", twice.State["title"])
	}
}

func TestApplyBeforeCreatedFailsForRedelivery(t *testing.T) {
	p, _ := newTestProjector()
	patched := mkEvent(t, "a1", domain.ActionPatched, 2, 200, domain.PatchedPayload{})

	err := p.Apply(context.Background(), patched)
	var projErr *domain.ProjectionError
	if !errors.As(err, &projErr) {
		t.Fatalf("error = %T, want *ProjectionError", err)
	}
}

func TestApplyRemovedTombstones(t *testing.T) {
	p, idx := newTestProjector()
	ctx := context.Background()

	if err := p.Apply(ctx, mkEvent(t, "a1", domain.ActionCreated, 1, 100, map[string]any{"title": "x"})); err != nil {
		t.Fatal(err)
	}
	if err := p.Apply(ctx, mkEvent(t, "a1", domain.ActionRemoved, 2, 200, domain.RemovedPayload{Timestamp: 200})); err != nil {
		t.Fatal(err)
	}

	doc, _ := idx.Get(ctx, "items", "a1")
	if doc == nil {
		t.Fatal("tombstoned document must stay indexed")
	}
	if doc.Active {
		t.Error("document must be inactive after removal")
	}

	// reactivation flips it back
	if err := p.Apply(ctx, mkEvent(t, "a1", domain.ActionActivated, 3, 300, domain.ActivatedPayload{Timestamp: 300})); err != nil {
		t.Fatal(err)
	}
	doc, _ = idx.Get(ctx, "items", "a1")
	if !doc.Active {
		t.Error("document must be active after reactivation")
	}
}

func TestApplySkipsAlreadyAppliedVersions(t *testing.T) {
	p, idx := newTestProjector()
	ctx := context.Background()

	if err := p.Apply(ctx, mkEvent(t, "a1", domain.ActionCreated, 1, 100, map[string]any{"title": "x"})); err != nil {
		t.Fatal(err)
	}
	if err := p.Apply(ctx, mkEvent(t, "a1", domain.ActionRemoved, 2, 300, domain.RemovedPayload{Timestamp: 300})); err != nil {
		t.Fatal(err)
	}
	// a redelivered earlier version must be acked without effect
	duplicate := mkEvent(t, "a1", domain.ActionPatched, 2, 200, domain.PatchedPayload{Patches: []domain.PatchOp{
		{Op: "replace", Path: "/title", Value: json.RawMessage(`"late"`)},
	}})
	if err := p.Apply(ctx, duplicate); err != nil {
		t.Fatalf("duplicate apply: %v", err)
	}
	doc, _ := idx.Get(ctx, "items", "a1")
	if doc.Active || doc.State["title"] == "late" || doc.Version != 2 {
		t.Errorf("already applied version reapplied: %+v", doc)
	}
}

func TestApplyOutOfOrderConvergesWithReplay(t *testing.T) {
	p, idx := newTestProjector()
	ctx := context.Background()

	created := mkEvent(t, "a1", domain.ActionCreated, 1, 100, map[string]any{"title": "x"})
	patchA := mkEvent(t, "a1", domain.ActionPatched, 2, 200, domain.PatchedPayload{Patches: []domain.PatchOp{
		{Op: "add", Path: "/color", Value: json.RawMessage(`"red"`)},
	}})
	patchB := mkEvent(t, "a1", domain.ActionPatched, 3, 300, domain.PatchedPayload{Patches: []domain.PatchOp{
		{Op: "replace", Path: "/title", Value: json.RawMessage(`"y"`)},
	}})

	if err := p.Apply(ctx, created); err != nil {
		t.Fatal(err)
	}
	// patchB overtakes patchA on the queue: it must be refused, not dropped
	if err := p.Apply(ctx, patchB); err == nil {
		t.Fatal("out-of-order event must fail so the queue redelivers it")
	}
	if err := p.Apply(ctx, patchA); err != nil {
		t.Fatalf("apply patchA: %v", err)
	}
	// redelivery of patchB now lands
	if err := p.Apply(ctx, patchB); err != nil {
		t.Fatalf("reapply patchB: %v", err)
	}

	doc, _ := idx.Get(ctx, "items", "a1")
	want, _, err := domain.Replay([]domain.Event{created, patchA, patchB}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(doc.State, want) {
		t.Errorf("index state %v diverged from replay %v", doc.State, want)
	}
	if doc.Version != 3 {
		t.Errorf("version = %d, want 3", doc.Version)
	}
}

func TestApplyAdvancesPastUnknownActions(t *testing.T) {
	p, idx := newTestProjector()
	ctx := context.Background()

	if err := p.Apply(ctx, mkEvent(t, "a1", domain.ActionCreated, 1, 100, map[string]any{"title": "x"})); err != nil {
		t.Fatal(err)
	}
	if err := p.Apply(ctx, mkEvent(t, "a1", "archived", 2, 200, map[string]any{})); err != nil {
		t.Fatalf("unknown action: %v", err)
	}
	// the version it occupied must not wedge the stream
	if err := p.Apply(ctx, mkEvent(t, "a1", domain.ActionRemoved, 3, 300, domain.RemovedPayload{Timestamp: 300})); err != nil {
		t.Fatalf("event after unknown action: %v", err)
	}
	doc, _ := idx.Get(ctx, "items", "a1")
	if doc.Active || doc.Version != 3 {
		t.Errorf("doc = %+v, want inactive at version 3", doc)
	}
}

func TestApplyIgnoresUnknownActions(t *testing.T) {
	p, idx := newTestProjector()
	if err := p.Apply(context.Background(), mkEvent(t, "a1", "archived", 1, 100, map[string]any{})); err != nil {
		t.Fatalf("apply: %v", err)
	}
	doc, _ := idx.Get(context.Background(), "items", "a1")
	if doc != nil {
		t.Errorf("unknown action indexed a document: %+v", doc)
	}
}

func TestRunConsumesAndAcks(t *testing.T) {
	bus := transport.NewMemoryBus()
	idx := NewMemoryIndex()
	p := NewProjector(bus, idx, nil)
	p.idle = time.Millisecond

	ev := mkEvent(t, "a1", domain.ActionCreated, 1, 100, map[string]any{"title": "x"})
	body, _ := json.Marshal(ev)
	if err := bus.Publish(context.Background(), ev.Channel(), body); err != nil {
		t.Fatal(err)
	}
	// a poison message must be dropped, not block the channel
	if err := bus.Publish(context.Background(), "items", []byte("not json")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if doc, _ := idx.Get(context.Background(), "items", "a1"); doc != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	doc, _ := idx.Get(context.Background(), "items", "a1")
	if doc == nil {
		t.Fatal("event was not projected")
	}
	if msg, _ := bus.Receive(context.Background()); msg != nil {
		t.Errorf("queue should be drained, got %+v", msg)
	}
}
