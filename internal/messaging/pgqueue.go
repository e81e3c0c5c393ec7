package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGQueue is a Postgres-backed queue. Claims take a row lock with
// FOR UPDATE SKIP LOCKED so competing consumers never receive the same
// message, and push visible_at forward so an unacknowledged delivery
// resurfaces after the visibility timeout.
type PGQueue struct {
	pool         *pgxpool.Pool
	visibility   time.Duration
	pollInterval time.Duration
}

// PGQueueSchema creates the backing table. Applied by deployment tooling;
// kept here so the queue's contract is visible next to the queries.
const PGQueueSchema = `
CREATE TABLE IF NOT EXISTS queue_messages (
    id             UUID PRIMARY KEY,
    queue          TEXT NOT NULL,
    body           BYTEA NOT NULL,
    enqueued_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    visible_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    delivery_count INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_claim
    ON queue_messages (queue, visible_at, enqueued_at);
`

// NewPGQueue creates a queue over the given pool.
func NewPGQueue(pool *pgxpool.Pool, visibility, pollInterval time.Duration) *PGQueue {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &PGQueue{pool: pool, visibility: visibility, pollInterval: pollInterval}
}

// EnsureSchema applies the queue table schema.
func (q *PGQueue) EnsureSchema(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, PGQueueSchema)
	return err
}

func (q *PGQueue) Send(ctx context.Context, queue string, body []byte) error {
	_, err := q.pool.Exec(ctx, `
INSERT INTO queue_messages (id, queue, body)
VALUES ($1, $2, $3);
`, uuid.NewString(), queue, body)
	if err != nil {
		return fmt.Errorf("pgqueue: send to %s: %w", queue, err)
	}
	return nil
}

func (q *PGQueue) Receive(ctx context.Context, queue string, maxCount int, maxWait time.Duration) ([]*Message, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	deadline := time.Now().Add(maxWait)
	for {
		msgs, err := q.claim(ctx, queue, maxCount)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || !time.Now().Before(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PGQueue) claim(ctx context.Context, queue string, maxCount int) ([]*Message, error) {
	rows, err := q.pool.Query(ctx, `
WITH next_msg AS (
    SELECT id
    FROM queue_messages
    WHERE queue = $1 AND visible_at <= now()
    ORDER BY enqueued_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT $2
)
UPDATE queue_messages m
SET visible_at = now() + make_interval(secs => $3),
    delivery_count = delivery_count + 1
FROM next_msg
WHERE m.id = next_msg.id
RETURNING m.id, m.body;
`, queue, maxCount, q.visibility.Seconds())
	if err != nil {
		return nil, fmt.Errorf("pgqueue: claim from %s: %w", queue, err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("pgqueue: scan message: %w", err)
		}
		msgs = append(msgs, &Message{ID: id, Queue: queue, Body: body, Receipt: id})
	}
	return msgs, rows.Err()
}

func (q *PGQueue) Ack(ctx context.Context, msg *Message) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1;`, msg.Receipt)
	if err != nil {
		return fmt.Errorf("pgqueue: ack %s: %w", msg.ID, err)
	}
	return nil
}

func (q *PGQueue) Close() error { return nil }
