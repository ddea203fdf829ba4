package transport

import (
	"context"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// QueueName derives the storage queue backing a channel.
func QueueName(prefix, channel string) string {
	return prefix + "-" + channel
}

func queueClientOptions() *azqueue.ClientOptions {
	return &azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// QueuePublisher publishes to one Azure storage queue per channel. Queue
// clients are created on first use and reused.
type QueuePublisher struct {
	connStr string
	prefix  string

	mu      sync.Mutex
	clients map[string]*azqueue.QueueClient
}

// NewQueuePublisher creates a publisher for queues named "<prefix>-<channel>".
func NewQueuePublisher(connStr, prefix string) *QueuePublisher {
	return &QueuePublisher{
		connStr: connStr,
		prefix:  prefix,
		clients: make(map[string]*azqueue.QueueClient),
	}
}

func (p *QueuePublisher) clientFor(channel string) (*azqueue.QueueClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[channel]; ok {
		return c, nil
	}
	c, err := azqueue.NewQueueClientFromConnectionString(p.connStr, QueueName(p.prefix, channel), queueClientOptions())
	if err != nil {
		return nil, err
	}
	p.clients[channel] = c
	return c, nil
}

// Publish enqueues the payload on the channel's queue.
func (p *QueuePublisher) Publish(ctx context.Context, channel string, body []byte) error {
	c, err := p.clientFor(channel)
	if err != nil {
		return err
	}
	_, err = c.EnqueueMessage(ctx, string(body), nil)
	return err
}

// QueueConsumer drains a set of channel queues round-robin.
type QueueConsumer struct {
	channels []string
	clients  []*azqueue.QueueClient
	next     int
}

// NewQueueConsumer creates a consumer over the given channels.
func NewQueueConsumer(connStr, prefix string, channels []string) (*QueueConsumer, error) {
	clients := make([]*azqueue.QueueClient, 0, len(channels))
	for _, ch := range channels {
		c, err := azqueue.NewQueueClientFromConnectionString(connStr, QueueName(prefix, ch), queueClientOptions())
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return &QueueConsumer{channels: channels, clients: clients}, nil
}

// Receive returns the next waiting message, checking each channel queue once
// starting after the last one that delivered. Returns nil when all are empty.
func (c *QueueConsumer) Receive(ctx context.Context) (*Message, error) {
	for i := 0; i < len(c.clients); i++ {
		idx := (c.next + i) % len(c.clients)
		resp, err := c.clients[idx].DequeueMessage(ctx, nil)
		if err != nil {
			return nil, err
		}
		if len(resp.Messages) == 0 {
			continue
		}
		msg := resp.Messages[0]
		c.next = (idx + 1) % len(c.clients)
		return &Message{
			ID:      deref(msg.MessageID),
			Receipt: deref(msg.PopReceipt),
			Channel: c.channels[idx],
			Body:    []byte(deref(msg.MessageText)),
		}, nil
	}
	return nil, nil
}

// Delete acknowledges a processed message.
func (c *QueueConsumer) Delete(ctx context.Context, msg *Message) error {
	for i, ch := range c.channels {
		if ch == msg.Channel {
			_, err := c.clients[i].DeleteMessage(ctx, msg.ID, msg.Receipt, nil)
			return err
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
