// Package messaging provides durable point-to-point queues with competing
// consumers, at-least-once delivery and explicit acknowledgment. The broker
// implementation is selected by configuration; callers only see Broker.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one delivery received from a queue. Receipt is the transport's
// opaque acknowledgment handle.
type Message struct {
	ID      string
	Queue   string
	Body    []byte
	Receipt string
}

// Broker is the queue transport contract. Receive blocks for at most maxWait
// and may return fewer than maxCount messages (including none). A received
// message is redelivered by the transport unless Ack is called.
type Broker interface {
	Send(ctx context.Context, queue string, body []byte) error
	Receive(ctx context.Context, queue string, maxCount int, maxWait time.Duration) ([]*Message, error)
	Ack(ctx context.Context, msg *Message) error
	Close() error
}

// SendJSON marshals v and sends it on the queue.
func SendJSON(ctx context.Context, b Broker, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("messaging: encode message: %w", err)
	}
	return b.Send(ctx, queue, body)
}
