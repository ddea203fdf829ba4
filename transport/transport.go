// Package transport moves committed events between the write side and its
// consumers. Each event publishes on the channel named after its event-name
// namespace ("items.created" publishes on "items"); delivery is at least
// once, so consumers must apply idempotently.
package transport

import "context"

// Message is one delivered event envelope plus the bookkeeping needed to
// acknowledge it.
type Message struct {
	ID      string
	Receipt string
	Channel string
	Body    []byte
}

// Publisher sends event payloads to a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, body []byte) error
}

// Consumer receives messages from a set of channels. Receive returns nil when
// no message is waiting; Delete acknowledges a processed message. A message
// that is never deleted redelivers after its visibility timeout.
type Consumer interface {
	Receive(ctx context.Context) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}
