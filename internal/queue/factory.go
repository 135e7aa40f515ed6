package queue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kubev2v/crate-validator/internal/config"
)

// New builds the queue selected by the configuration. pool is required for
// the river queue only.
func New(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (Queue, error) {
	opts := []QueueOpts{
		WithName(cfg.Queue.Name),
		WithWorkers(cfg.Queue.Workers),
		WithCapacity(cfg.Queue.Capacity),
		WithMaxAttempts(cfg.Queue.MaxAttempts),
		WithPollTimeout(cfg.Queue.PollTimeout),
		// leave the executor time to record a timed out validation
		WithTaskTimeout(2 * cfg.Validation.JobTimeout),
	}

	switch cfg.Queue.Type {
	case TypeLocal, "":
		return NewLocalQueue(opts...), nil
	case TypeRiver:
		if pool == nil {
			return nil, fmt.Errorf("river queue requires a postgres pool")
		}
		return NewRiverQueue(pool, opts...)
	case TypeRedis:
		rdb, err := NewRedisClient(ctx, cfg.Queue.RedisAddress, cfg.Queue.RedisPassword, cfg.Queue.RedisDB)
		if err != nil {
			return nil, err
		}
		return NewRedisQueue(rdb, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, cfg.Queue.Type)
	}
}
