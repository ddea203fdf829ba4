package eventlog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/johanlelan/entitysource/domain"
)

// MemoryLog is an in-process Log used by tests and local runs. A lock per
// aggregate serializes same-aggregate appends while leaving other aggregates
// free to append concurrently.
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string][]domain.Event
	locks   map[string]*sync.Mutex
}

// NewMemoryLog creates an empty in-memory event log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string][]domain.Event),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (l *MemoryLog) lockFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Append validates and stores the event, assigning id, version and timestamp.
func (l *MemoryLog) Append(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if err := ev.Validate(); err != nil {
		return domain.Event{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Event{}, &domain.StorageError{Op: "append", Err: err}
	}

	key := Key(ev.AggregateKind, ev.AggregateID)
	lock := l.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Timestamp = nextTimestamp()

	l.mu.Lock()
	stream := l.streams[key]
	ev.Version = int64(len(stream)) + 1
	l.streams[key] = append(stream, ev)
	l.mu.Unlock()

	return ev, nil
}

// ReadAll returns the aggregate's events in append order.
func (l *MemoryLog) ReadAll(ctx context.Context, kind, aggregateID string) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.StorageError{Op: "read", Err: err}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	stream := l.streams[Key(kind, aggregateID)]
	out := make([]domain.Event, len(stream))
	copy(out, stream)
	return out, nil
}

// Clear removes every stored event.
func (l *MemoryLog) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streams = make(map[string][]domain.Event)
	return nil
}
