package commands

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/johanlelan/entitysource/domain"
	"github.com/johanlelan/entitysource/eventlog"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturePublisher) Enqueue(ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService() (*Service, *eventlog.MemoryLog, *capturePublisher) {
	elog := eventlog.NewMemoryLog()
	pub := &capturePublisher{}
	return NewService(elog, pub, "test", quietLogger()), elog, pub
}

func TestCreateAppendsAndPublishes(t *testing.T) {
	svc, elog, pub := newTestService()
	ctx := context.Background()

	state, err := svc.Create(ctx, "items", "alice", json.RawMessage(`{"title":"hello","count":2}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if state.ID() == "" {
		t.Error("created state must carry an id")
	}
	if state.Kind() != "items" || !state.Active() {
		t.Errorf("state = %v", state)
	}
	if state["title"] != "hello" {
		t.Errorf("title = %v, want hello", state["title"])
	}

	events, err := elog.ReadAll(ctx, "items", state.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Name != "items.created" || ev.Author != "alice" || ev.Origin != "test" || ev.Version != 1 {
		t.Errorf("event = %+v", ev)
	}
	if pub.count() != 1 {
		t.Errorf("published = %d, want 1", pub.count())
	}
}

func TestCreateRejectsNonObjectPayload(t *testing.T) {
	svc, _, pub := newTestService()
	_, err := svc.Create(context.Background(), "items", "", json.RawMessage(`"just a string"`))
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("error = %T, want *ValidationError", err)
	}
	if pub.count() != 0 {
		t.Error("nothing must be published on validation failure")
	}
}

func TestPatchUnknownAggregate(t *testing.T) {
	svc, _, pub := newTestService()

	_, err := svc.Patch(context.Background(), "items", "ghost", "", []domain.PatchOp{
		{Op: "replace", Path: "/title", Value: json.RawMessage(`"x"`)},
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if pub.count() != 0 {
		t.Error("no event may be appended for an unknown aggregate")
	}
}

func TestPatchAppliesAndAppends(t *testing.T) {
	svc, elog, _ := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "items", "", json.RawMessage(`{"title":"old"}`))
	if err != nil {
		t.Fatal(err)
	}
	state, err := svc.Patch(ctx, "items", created.ID(), "bob", []domain.PatchOp{
		{Op: "replace", Path: "/title", Value: json.RawMessage(`"new"`)},
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if state["title"] != "new" {
		t.Errorf("title = %v, want new", state["title"])
	}

	events, _ := elog.ReadAll(ctx, "items", created.ID())
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[1].Name != "items.patched" || events[1].Author != "bob" {
		t.Errorf("event = %+v", events[1])
	}
	var payload domain.PatchedPayload
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload.Patches) != 1 || payload.Patches[0].Path != "/title" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestPatchInvalidOpAppendsNothing(t *testing.T) {
	svc, elog, _ := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "items", "", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.Patch(ctx, "items", created.ID(), "", []domain.PatchOp{
		{Op: "remove", Path: "/does-not-exist"},
	})
	var patchErr *domain.PatchError
	if !errors.As(err, &patchErr) {
		t.Fatalf("error = %T, want *PatchError", err)
	}
	events, _ := elog.ReadAll(ctx, "items", created.ID())
	if len(events) != 1 {
		t.Errorf("len(events) = %d, failed patch must not append", len(events))
	}
}

func TestRemoveLifecycle(t *testing.T) {
	svc, elog, _ := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "items", "", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	state, err := svc.Remove(ctx, "items", created.ID(), "")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if state.Active() {
		t.Error("removed aggregate must be inactive")
	}

	// second remove: already gone, nothing appended
	if _, err := svc.Remove(ctx, "items", created.ID(), ""); !errors.Is(err, domain.ErrGone) {
		t.Fatalf("error = %v, want ErrGone", err)
	}
	events, _ := elog.ReadAll(ctx, "items", created.ID())
	if len(events) != 2 {
		t.Errorf("len(events) = %d, want 2", len(events))
	}

	// removal is reversible
	state, err = svc.Activate(ctx, "items", created.ID(), "")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !state.Active() {
		t.Error("activated aggregate must be active")
	}
}

func TestRemoveUnknownAggregate(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.Remove(context.Background(), "items", "ghost", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestActivateOnActiveIsNoOp(t *testing.T) {
	svc, elog, _ := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "items", "", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	state, err := svc.Activate(ctx, "items", created.ID(), "")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !state.Active() {
		t.Error("state must stay active")
	}
	events, _ := elog.ReadAll(ctx, "items", created.ID())
	if len(events) != 1 {
		t.Errorf("len(events) = %d, activating an active aggregate must not append", len(events))
	}
}

func TestConcurrentPatchesBothApply(t *testing.T) {
	svc, elog, _ := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "items", "", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	id := created.ID()

	ops := []domain.PatchOp{
		{Op: "add", Path: "/color", Value: json.RawMessage(`"red"`)},
		{Op: "add", Path: "/size", Value: json.RawMessage(`"large"`)},
	}
	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op domain.PatchOp) {
			defer wg.Done()
			if _, err := svc.Patch(ctx, "items", id, "", []domain.PatchOp{op}); err != nil {
				t.Errorf("patch %s: %v", op.Path, err)
			}
		}(op)
	}
	wg.Wait()

	state, version, err := svc.Get(ctx, "items", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}
	if state["color"] != "red" || state["size"] != "large" {
		t.Errorf("state = %v, both concurrent patches must survive", state)
	}
	events, _ := elog.ReadAll(ctx, "items", id)
	if len(events) != 3 {
		t.Errorf("len(events) = %d, want exactly 3", len(events))
	}
}

func TestGetReplaysFullHistory(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "items", "", json.RawMessage(`{"title":"a"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Patch(ctx, "items", created.ID(), "", []domain.PatchOp{
		{Op: "replace", Path: "/title", Value: json.RawMessage(`"b"`)},
	}); err != nil {
		t.Fatal(err)
	}

	state, version, err := svc.Get(ctx, "items", created.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
	if state["title"] != "b" {
		t.Errorf("title = %v, want b", state["title"])
	}

	if _, _, err := svc.Get(ctx, "items", "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("get unknown: %v, want ErrNotFound", err)
	}
}
