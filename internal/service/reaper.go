package service

import (
	"context"
	"errors"
	"time"

	"github.com/lthibault/jitterbug/v2"

	"github.com/kubev2v/crate-validator/internal/store"
	"github.com/kubev2v/crate-validator/internal/store/model"
	"github.com/kubev2v/crate-validator/pkg/log"
	"github.com/kubev2v/crate-validator/pkg/metrics"
)

const sweepBatchSize = 100

type SweepResult struct {
	Failed   int
	Requeued int
}

// SweepStaleJobs fails running jobs that outlived the job timeout by more
// than grace, and enqueues again the pending jobs untouched for grace. Both
// cover workers that died or tasks that were lost.
func (vs *ValidationService) SweepStaleJobs(ctx context.Context, grace time.Duration) (SweepResult, error) {
	var result SweepResult
	tracer := vs.logger.WithContext(ctx).
		Operation("sweep_stale_jobs").
		WithParam("grace", grace).
		Build()

	now := vs.now()

	running, err := vs.store.Job().List(ctx,
		store.NewJobQueryFilter().ByState(model.JobStateRunning).UpdatedBefore(now.Add(-(vs.jobTimeout + grace))),
		store.NewJobQueryOptions().WithSortOrder(store.SortByUpdatedTime).WithLimit(sweepBatchSize),
	)
	if err != nil {
		return result, err
	}

	for _, job := range running {
		failed := job
		timeout := &TimeoutError{CrateID: job.CrateID, Timeout: vs.jobTimeout}
		vs.complete(&failed, model.JobStateFailed, model.NewFailureReport(job.ProfileName(), model.CheckTimeout, timeout.Error()))

		swapped, err := vs.store.Job().CompareAndSwap(ctx, job.CrateID, store.ExpectState(model.JobStateRunning).WithJobID(job.JobID), failed)
		if err != nil {
			return result, err
		}
		if !swapped {
			continue
		}
		result.Failed++
		metrics.IncreaseJobsSweptMetric("failed")
		tracer.Step("stale_job_failed").WithString("crate_id", job.CrateID).WithUUID("job_id", job.JobID).Log()
		vs.finish(ctx, failed)
	}

	pending, err := vs.store.Job().List(ctx,
		store.NewJobQueryFilter().ByState(model.JobStatePending).UpdatedBefore(now.Add(-grace)),
		store.NewJobQueryOptions().WithSortOrder(store.SortByUpdatedTime).WithLimit(sweepBatchSize),
	)
	if err != nil {
		return result, err
	}

	for _, job := range pending {
		requeued, err := vs.requeue(ctx, job, now)
		if err != nil {
			tracer.Step("requeue_failed").WithString("crate_id", job.CrateID).WithString("error", err.Error()).Log()
			continue
		}
		if !requeued {
			continue
		}
		result.Requeued++
		metrics.IncreaseJobsSweptMetric("requeued")
		tracer.Step("stale_job_requeued").WithString("crate_id", job.CrateID).WithUUID("job_id", job.JobID).Log()
	}

	tracer.Success().WithInt("failed", result.Failed).WithInt("requeued", result.Requeued).Log()
	return result, nil
}

// requeue touches a stale pending job and enqueues it again. The touch is
// rolled back when the queue refuses the task so that the next sweep retries.
func (vs *ValidationService) requeue(ctx context.Context, job model.Job, now time.Time) (bool, error) {
	touched := job
	touched.UpdatedAt = now

	err := vs.store.WithTransaction(ctx, func(txCtx context.Context) error {
		swapped, err := vs.store.Job().CompareAndSwap(txCtx, job.CrateID, store.ExpectState(model.JobStatePending).WithJobID(job.JobID), touched)
		if err != nil {
			return err
		}
		if !swapped {
			return errJobMoved
		}
		return vs.queue.Enqueue(ctx, job.CrateID)
	})
	if errors.Is(err, errJobMoved) {
		return false, nil
	}
	return err == nil, err
}

var errJobMoved = errors.New("job changed since it was listed")

// Reaper runs SweepStaleJobs on a jittered interval.
type Reaper struct {
	service  *ValidationService
	interval time.Duration
	grace    time.Duration
	logger   *log.StructuredLogger
}

func NewReaper(vs *ValidationService, interval, grace time.Duration) *Reaper {
	return &Reaper{
		service:  vs,
		interval: interval,
		grace:    grace,
		logger:   log.NewDebugLogger("reaper"),
	}
}

// Run blocks until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := jitterbug.New(r.interval, &jitterbug.Norm{Stdev: r.interval / 10, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := r.service.SweepStaleJobs(ctx, r.grace); err != nil && ctx.Err() == nil {
			r.logger.WithContext(ctx).Operation("sweep").Build().Error(err).Log()
		}
	}
}
