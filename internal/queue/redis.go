package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kubev2v/crate-validator/pkg/log"
	"github.com/kubev2v/crate-validator/pkg/metrics"
	"github.com/kubev2v/crate-validator/pkg/requestid"
)

type redisTask struct {
	ID        string `json:"id"`
	CrateID   string `json:"crate_id"`
	RequestID string `json:"request_id,omitempty"`
}

// RedisQueue is a reliable list queue. A worker atomically moves a task from
// the pending list to the processing list and removes it only once the
// executor returns, so tasks held by a crashed worker are recovered on the
// next Start.
type RedisQueue struct {
	cfg    *queueConfig
	rdb    goredis.UniversalClient
	logger *log.StructuredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisQueue(rdb goredis.UniversalClient, opts ...QueueOpts) *RedisQueue {
	return &RedisQueue{
		cfg:    newConfig(opts...),
		rdb:    rdb,
		logger: log.NewDebugLogger("redis_queue"),
	}
}

// NewRedisClient connects to addr and checks the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (q *RedisQueue) pendingKey() string    { return q.cfg.name + ":pending" }
func (q *RedisQueue) processingKey() string { return q.cfg.name + ":processing" }
func (q *RedisQueue) attemptsKey() string   { return q.cfg.name + ":attempts" }

func (q *RedisQueue) Enqueue(ctx context.Context, crateID string) error {
	raw, err := json.Marshal(redisTask{
		ID:        uuid.NewString(),
		CrateID:   crateID,
		RequestID: requestid.FromContext(ctx),
	})
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.pendingKey(), raw).Err()
}

func (q *RedisQueue) Start(ctx context.Context, executor Executor) error {
	if executor == nil {
		return ErrNoExecutor
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return ErrStarted
	}

	recovered, err := q.requeueProcessing(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		q.logger.WithContext(ctx).Operation("start").Build().
			Warn("requeued tasks left in processing").
			WithInt("count", recovered).
			Log()
	}

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i, executor)
	}
	return nil
}

func (q *RedisQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requeueProcessing moves everything from the processing list back to pending.
func (q *RedisQueue) requeueProcessing(ctx context.Context) (int, error) {
	count := 0
	for {
		err := q.rdb.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("recovering processing tasks: %w", err)
		}
		count++
	}
}

func (q *RedisQueue) work(ctx context.Context, id int, executor Executor) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		raw, err := q.rdb.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", q.cfg.pollTimeout).Result()
		switch {
		case errors.Is(err, goredis.Nil):
			continue
		case err != nil:
			if ctx.Err() == nil {
				q.logger.WithContext(ctx).Operation("poll").WithInt("worker", id).Build().Error(err).Log()
				time.Sleep(q.cfg.pollTimeout / 5)
			}
			continue
		}

		q.run(ctx, id, executor, raw)
	}
}

func (q *RedisQueue) run(ctx context.Context, id int, executor Executor, raw string) {
	var t redisTask
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		q.logger.WithContext(ctx).Operation("decode_task").Build().Error(err).Log()
		_ = q.rdb.LRem(ctx, q.processingKey(), 1, raw).Err()
		return
	}

	taskCtx := ctx
	if t.RequestID != "" {
		taskCtx = requestid.ToContext(taskCtx, t.RequestID)
	}
	taskCtx, cancel := context.WithTimeout(taskCtx, q.cfg.taskTimeout)
	defer cancel()

	attempt, err := q.rdb.HIncrBy(ctx, q.attemptsKey(), t.ID, 1).Result()
	if err != nil {
		attempt = 1
	}

	tracer := q.logger.WithContext(taskCtx).
		Operation("execute_task").
		WithString("crate_id", t.CrateID).
		WithInt("worker", id).
		WithInt("attempt", int(attempt)).
		Build()

	execErr := executor.Execute(taskCtx, t.CrateID)
	if execErr == nil {
		q.ack(ctx, t, raw)
		tracer.Success().Log()
		return
	}

	tracer.Error(&TaskFailedError{CrateID: t.CrateID, Attempt: int(attempt), Err: execErr}).Log()

	if int(attempt) >= q.cfg.maxAttempts {
		q.ack(ctx, t, raw)
		tracer.Warn("task dropped after the last attempt").Log()
		return
	}

	metrics.IncreaseJobsRedeliveredMetric()
	_, err = q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.LPush(ctx, q.pendingKey(), raw)
		return nil
	})
	if err != nil {
		tracer.Warn("task redelivery failed").WithString("error", err.Error()).Log()
	}
}

func (q *RedisQueue) ack(ctx context.Context, t redisTask, raw string) {
	_, err := q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.HDel(ctx, q.attemptsKey(), t.ID)
		return nil
	})
	if err != nil {
		q.logger.WithContext(ctx).Operation("ack").WithString("crate_id", t.CrateID).Build().Error(err).Log()
	}
}
