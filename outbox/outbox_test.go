package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/johanlelan/entitysource/domain"
)

type capturePublisher struct {
	mu       sync.Mutex
	failures int
	attempts int
	byChan   map[string][][]byte
}

func newCapturePublisher(failures int) *capturePublisher {
	return &capturePublisher{failures: failures, byChan: make(map[string][][]byte)}
}

func (p *capturePublisher) Publish(ctx context.Context, channel string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.attempts <= p.failures {
		return errors.New("transient publish failure")
	}
	p.byChan[channel] = append(p.byChan[channel], body)
	return nil
}

func (p *capturePublisher) published(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byChan[channel])
}

type blockingPublisher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPublisher) Publish(ctx context.Context, channel string, body []byte) error {
	p.once.Do(func() { close(p.started) })
	<-p.release
	return nil
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func testEvent(t *testing.T) domain.Event {
	t.Helper()
	return domain.Event{
		ID:            "ev-1",
		AggregateID:   "a1",
		AggregateKind: "items",
		Name:          "items.created",
		Version:       1,
		Origin:        "test",
		Author:        domain.AnonymousAuthor,
		Timestamp:     1,
		Payload:       json.RawMessage(`{"title":"x"}`),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueuePublishesOnEventChannel(t *testing.T) {
	pub := newCapturePublisher(0)
	ob := New(DefaultConfig(), pub, quietLogger())
	ob.Start()
	defer ob.Shutdown()

	if err := ob.Enqueue(testEvent(t)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return pub.published("items") == 1 })

	var ev domain.Event
	pub.mu.Lock()
	body := pub.byChan["items"][0]
	pub.mu.Unlock()
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("published body not an event: %v", err)
	}
	if ev.ID != "ev-1" || ev.Name != "items.created" {
		t.Errorf("published event = %+v", ev)
	}
	if got := ob.Stats().Delivered; got != 1 {
		t.Errorf("delivered = %d, want 1", got)
	}
}

func TestPublishRetriesWithBackoff(t *testing.T) {
	pub := newCapturePublisher(2)
	cfg := DefaultConfig()
	cfg.RetryInitial = 5 * time.Millisecond
	cfg.RetryMax = 20 * time.Millisecond
	ob := New(cfg, pub, quietLogger())
	ob.Start()
	defer ob.Shutdown()

	if err := ob.Enqueue(testEvent(t)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return pub.published("items") == 1 })

	pub.mu.Lock()
	attempts := pub.attempts
	pub.mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestEnqueueSaturated(t *testing.T) {
	pub := &blockingPublisher{started: make(chan struct{}), release: make(chan struct{})}
	cfg := Config{
		BufferSize:     1,
		WorkerCount:    1,
		HandoffTimeout: 10 * time.Millisecond,
		PublishTimeout: time.Second,
	}
	ob := New(cfg, pub, quietLogger())
	ob.Start()

	// first event occupies the single worker
	if err := ob.Enqueue(testEvent(t)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-pub.started
	// second fills the buffer
	if err := ob.Enqueue(testEvent(t)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// third has nowhere to go
	if err := ob.Enqueue(testEvent(t)); !errors.Is(err, ErrSaturated) {
		t.Errorf("error = %v, want ErrSaturated", err)
	}

	close(pub.release)
	ob.Shutdown()
}

func TestExponentialBackoffBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		d := exponentialBackoff(attempt, initial, max)
		// 20% jitter either way around the capped base
		if d < 0 || d > max+max/5*2 {
			t.Errorf("attempt %d: backoff %v out of bounds", attempt, d)
		}
	}
	if d := exponentialBackoff(0, initial, max); d != initial {
		t.Errorf("attempt 0: %v, want %v", d, initial)
	}
}

func TestShutdownWithFailingPublisher(t *testing.T) {
	pub := newCapturePublisher(1 << 30) // never succeeds
	cfg := DefaultConfig()
	cfg.WorkerCount = 4
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 2 * time.Millisecond
	ob := New(cfg, pub, quietLogger())
	ob.Start()

	for i := 0; i < 20; i++ {
		if err := ob.Enqueue(testEvent(t)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	// let failures fan out into retry timers before stopping
	waitFor(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return pub.attempts >= 20
	})
	// must drain and return without a send on the closed work channel
	ob.Shutdown()
}

func TestShutdownIdempotent(t *testing.T) {
	ob := New(DefaultConfig(), newCapturePublisher(0), quietLogger())
	ob.Start()
	ob.Shutdown()
	ob.Shutdown()
}
