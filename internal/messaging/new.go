package messaging

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"speechflow/internal/infra"
)

// New selects the broker implementation from configuration. pool is only
// required for the postgres broker.
func New(ctx context.Context, cfg *infra.Config, pool *pgxpool.Pool) (Broker, error) {
	switch cfg.Broker {
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("messaging: postgres broker requires a database pool")
		}
		q := NewPGQueue(pool, cfg.QueueVisibilityTimeout, cfg.QueuePollInterval)
		if err := q.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("messaging: ensure queue schema: %w", err)
		}
		return q, nil
	case "sqs":
		return NewSQSBroker(ctx, cfg.QueueVisibilityTimeout)
	case "memory":
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("messaging: unsupported broker %q", cfg.Broker)
	}
}
