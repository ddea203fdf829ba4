package transport

import (
	"bytes"
	"context"
	"testing"
)

func TestMemoryBusRoundTrip(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	if err := b.Publish(ctx, "items", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.Channel != "items" || !bytes.Equal(msg.Body, []byte(`{"n":1}`)) {
		t.Errorf("message = %+v", msg)
	}
	if err := b.Delete(ctx, msg); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if again, _ := b.Receive(ctx); again != nil {
		t.Errorf("acknowledged message redelivered: %+v", again)
	}
}

func TestMemoryBusRequeue(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	if err := b.Publish(ctx, "items", []byte(`x`)); err != nil {
		t.Fatal(err)
	}
	msg, _ := b.Receive(ctx)
	if msg == nil {
		t.Fatal("expected a message")
	}
	// crash before ack: message becomes deliverable again
	b.Requeue(msg.ID)

	redelivered, _ := b.Receive(ctx)
	if redelivered == nil || redelivered.ID != msg.ID {
		t.Fatalf("redelivered = %+v, want id %s", redelivered, msg.ID)
	}
}

func TestQueueName(t *testing.T) {
	if got := QueueName("events", "items"); got != "events-items" {
		t.Errorf("QueueName = %q, want events-items", got)
	}
}
