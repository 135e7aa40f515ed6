package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/kubev2v/crate-validator/pkg/log"
	"github.com/kubev2v/crate-validator/pkg/metrics"
	"github.com/kubev2v/crate-validator/pkg/requestid"
)

const ValidateCrateKind = "validate_crate"

// ValidateCrateArgs is stored in river_job.args. Only the crate id travels:
// the worker reads everything else from the job store.
type ValidateCrateArgs struct {
	CrateID   string `json:"crate_id"`
	RequestID string `json:"request_id,omitempty"`
}

func (ValidateCrateArgs) Kind() string {
	return ValidateCrateKind
}

type validateCrateWorker struct {
	river.WorkerDefaults[ValidateCrateArgs]
	executor Executor
	timeout  time.Duration
}

func (w *validateCrateWorker) Timeout(job *river.Job[ValidateCrateArgs]) time.Duration {
	return w.timeout
}

func (w *validateCrateWorker) Work(ctx context.Context, job *river.Job[ValidateCrateArgs]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.Args.RequestID != "" {
		ctx = requestid.ToContext(ctx, job.Args.RequestID)
	}
	if job.Attempt > 1 {
		metrics.IncreaseJobsRedeliveredMetric()
	}
	return w.executor.Execute(ctx, job.Args.CrateID)
}

type errorHandler struct {
	logger *log.StructuredLogger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.logger.WithContext(ctx).
		Operation("execute_task").
		WithParam("job_id", job.ID).
		WithInt("attempt", job.Attempt).
		WithInt("max_attempts", job.MaxAttempts).
		Build().
		Error(err).
		Log()
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.logger.WithContext(ctx).
		Operation("execute_task").
		WithParam("job_id", job.ID).
		WithString("trace", trace).
		Build().
		Error(fmt.Errorf("worker panicked: %v", panicVal)).
		Log()
	return nil
}

// RiverQueue keeps the tasks in postgres. Redelivery, retries and
// timeouts are handled by river.
type RiverQueue struct {
	cfg    *queueConfig
	client *river.Client[pgx.Tx]
	worker *validateCrateWorker
	logger *log.StructuredLogger
}

func NewRiverQueue(pool *pgxpool.Pool, opts ...QueueOpts) (*RiverQueue, error) {
	cfg := newConfig(opts...)
	logger := log.NewDebugLogger("river_queue")

	worker := &validateCrateWorker{timeout: cfg.taskTimeout}
	workers := river.NewWorkers()
	river.AddWorker(workers, worker)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			cfg.name: {MaxWorkers: cfg.workers},
		},
		Workers:      workers,
		ErrorHandler: &errorHandler{logger: logger},
		MaxAttempts:  cfg.maxAttempts,

		FetchCooldown:     50 * time.Millisecond,
		FetchPollInterval: 200 * time.Millisecond,

		CompletedJobRetentionPeriod: 24 * time.Hour,
		DiscardedJobRetentionPeriod: 7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}

	return &RiverQueue{cfg: cfg, client: client, worker: worker, logger: logger}, nil
}

func (q *RiverQueue) Enqueue(ctx context.Context, crateID string) error {
	result, err := q.client.Insert(ctx, ValidateCrateArgs{
		CrateID:   crateID,
		RequestID: requestid.FromContext(ctx),
	}, &river.InsertOpts{
		Queue:       q.cfg.name,
		MaxAttempts: q.cfg.maxAttempts,
	})
	if err != nil {
		return err
	}

	q.logger.WithContext(ctx).
		Operation("enqueue").
		WithString("crate_id", crateID).
		Build().
		Success().
		WithParam("job_id", result.Job.ID).
		Log()
	return nil
}

func (q *RiverQueue) Start(ctx context.Context, executor Executor) error {
	if executor == nil {
		return ErrNoExecutor
	}
	q.worker.executor = executor
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start river: %w", err)
	}
	return nil
}

func (q *RiverQueue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}
