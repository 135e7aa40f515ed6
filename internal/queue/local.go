package queue

import (
	"context"
	"sync"
	"time"

	"github.com/kubev2v/crate-validator/pkg/log"
	"github.com/kubev2v/crate-validator/pkg/metrics"
	"github.com/kubev2v/crate-validator/pkg/requestid"
)

const redeliveryDelay = 100 * time.Millisecond

type task struct {
	crateID   string
	requestID string
	attempt   int
}

// LocalQueue is an in-process worker pool fed by a bounded channel. Tasks do
// not survive a restart; the stale job sweeper re-enqueues pending jobs.
type LocalQueue struct {
	cfg    *queueConfig
	tasks  chan task
	logger *log.StructuredLogger

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewLocalQueue(opts ...QueueOpts) *LocalQueue {
	cfg := newConfig(opts...)
	return &LocalQueue{
		cfg:    cfg,
		tasks:  make(chan task, cfg.capacity),
		logger: log.NewDebugLogger("local_queue"),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, crateID string) error {
	return q.push(task{crateID: crateID, requestID: requestid.FromContext(ctx), attempt: 1})
}

func (q *LocalQueue) push(t task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *LocalQueue) Start(ctx context.Context, executor Executor) error {
	if executor == nil {
		return ErrNoExecutor
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return ErrStarted
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i, executor)
	}
	return nil
}

// Stop rejects new tasks and waits for running ones to return. Tasks still
// buffered are dropped.
func (q *LocalQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
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

func (q *LocalQueue) work(ctx context.Context, id int, executor Executor) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			q.run(ctx, id, executor, t)
		}
	}
}

func (q *LocalQueue) run(ctx context.Context, id int, executor Executor, t task) {
	taskCtx := ctx
	if t.requestID != "" {
		taskCtx = requestid.ToContext(taskCtx, t.requestID)
	}
	taskCtx, cancel := context.WithTimeout(taskCtx, q.cfg.taskTimeout)
	defer cancel()

	tracer := q.logger.WithContext(taskCtx).
		Operation("execute_task").
		WithString("crate_id", t.crateID).
		WithInt("worker", id).
		WithInt("attempt", t.attempt).
		Build()

	err := executor.Execute(taskCtx, t.crateID)
	if err == nil {
		tracer.Success().Log()
		return
	}

	failure := &TaskFailedError{CrateID: t.crateID, Attempt: t.attempt, Err: err}
	tracer.Error(failure).Log()

	if t.attempt >= q.cfg.maxAttempts || ctx.Err() != nil {
		tracer.Warn("task dropped after the last attempt").Log()
		return
	}

	t.attempt++
	metrics.IncreaseJobsRedeliveredMetric()
	time.AfterFunc(redeliveryDelay, func() {
		if err := q.push(t); err != nil {
			tracer.Warn("task redelivery failed").WithString("error", err.Error()).Log()
		}
	})
}
