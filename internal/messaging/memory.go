package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBroker is an in-process Broker for tests and single-node development.
// Unacked messages stay in flight; Nack returns one to the front of its
// queue, standing in for the visibility-timeout redelivery of the durable
// transports.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string][]*Message
	inflight map[string]*Message
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:   make(map[string][]*Message),
		inflight: make(map[string]*Message),
	}
}

func (b *MemoryBroker) Send(ctx context.Context, queue string, body []byte) error {
	msg := &Message{ID: uuid.NewString(), Queue: queue, Body: append([]byte(nil), body...)}
	msg.Receipt = msg.ID
	b.mu.Lock()
	b.queues[queue] = append(b.queues[queue], msg)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Receive(ctx context.Context, queue string, maxCount int, maxWait time.Duration) ([]*Message, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	deadline := time.Now().Add(maxWait)
	for {
		if msgs := b.take(queue, maxCount); len(msgs) > 0 {
			return msgs, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) take(queue string, maxCount int) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.queues[queue]
	if len(pending) == 0 {
		return nil
	}
	n := maxCount
	if n > len(pending) {
		n = len(pending)
	}
	taken := pending[:n]
	b.queues[queue] = pending[n:]
	for _, m := range taken {
		b.inflight[m.ID] = m
	}
	return taken
}

func (b *MemoryBroker) Ack(ctx context.Context, msg *Message) error {
	b.mu.Lock()
	delete(b.inflight, msg.ID)
	b.mu.Unlock()
	return nil
}

// Nack simulates redelivery of an unacknowledged message.
func (b *MemoryBroker) Nack(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inflight[msg.ID]; !ok {
		return
	}
	delete(b.inflight, msg.ID)
	b.queues[msg.Queue] = append([]*Message{msg}, b.queues[msg.Queue]...)
}

// InFlight returns the number of delivered but unacknowledged messages.
func (b *MemoryBroker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Pending returns the number of undelivered messages on a queue.
func (b *MemoryBroker) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

func (b *MemoryBroker) Close() error { return nil }
