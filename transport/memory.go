package transport

import (
	"context"
	"strconv"
	"sync"
)

// MemoryBus is an in-process Publisher/Consumer pair used by tests and local
// runs. Messages stay pending until deleted, mirroring queue redelivery.
type MemoryBus struct {
	mu      sync.Mutex
	seq     int
	queues  map[string][]*Message
	pending map[string]*pendingMsg
}

type pendingMsg struct {
	channel string
	msg     *Message
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queues:  make(map[string][]*Message),
		pending: make(map[string]*pendingMsg),
	}
}

// Publish appends the payload to the channel's queue.
func (b *MemoryBus) Publish(ctx context.Context, channel string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := strconv.Itoa(b.seq)
	cp := make([]byte, len(body))
	copy(cp, body)
	b.queues[channel] = append(b.queues[channel], &Message{ID: id, Receipt: id, Channel: channel, Body: cp})
	return nil
}

// Receive pops the oldest waiting message across all channels.
func (b *MemoryBus) Receive(ctx context.Context) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, q := range b.queues {
		if len(q) == 0 {
			continue
		}
		msg := q[0]
		b.queues[channel] = q[1:]
		b.pending[msg.ID] = &pendingMsg{channel: channel, msg: msg}
		return msg, nil
	}
	return nil, nil
}

// Delete acknowledges a received message.
func (b *MemoryBus) Delete(ctx context.Context, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, msg.ID)
	return nil
}

// Requeue makes an unacknowledged message deliverable again. Tests use it to
// simulate redelivery after a consumer crash.
func (b *MemoryBus) Requeue(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return
	}
	delete(b.pending, id)
	b.queues[p.channel] = append([]*Message{p.msg}, b.queues[p.channel]...)
}
