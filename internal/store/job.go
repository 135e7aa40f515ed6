package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kubev2v/crate-validator/internal/store/model"
)

// Precondition is the state a job record must be in for CompareAndSwap to apply.
type Precondition struct {
	absent bool
	state  model.JobState
	jobID  *uuid.UUID
}

// ExpectAbsent matches only when no record exists for the crate.
func ExpectAbsent() Precondition {
	return Precondition{absent: true}
}

// ExpectState matches when the current record is in state s.
func ExpectState(s model.JobState) Precondition {
	return Precondition{state: s}
}

// WithJobID narrows the precondition to a single job instance.
func (p Precondition) WithJobID(id uuid.UUID) Precondition {
	p.jobID = &id
	return p
}

func (p Precondition) String() string {
	if p.absent {
		return "absent"
	}
	if p.jobID != nil {
		return fmt.Sprintf("state=%s job_id=%s", p.state, p.jobID)
	}
	return fmt.Sprintf("state=%s", p.state)
}

// Job interface for job-related database operations
type Job interface {
	Get(ctx context.Context, crateID string) (*model.Job, error)
	List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error)
	// CompareAndSwap replaces the record of crateID with next if the record
	// currently matches pre. It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, crateID string, pre Precondition, next model.Job) (bool, error)
	// Write stores the outcome of the running job owned by job.JobID.
	// ErrJobSuperseded is returned when the job is no longer running under
	// that id, either replaced by a newer submission or failed by the sweeper.
	Write(ctx context.Context, job model.Job) error
}

// JobStore implements the Job interface
type JobStore struct {
	db *gorm.DB
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

func (s *JobStore) Get(ctx context.Context, crateID string) (*model.Job, error) {
	var job model.Job
	result := s.getDB(ctx).WithContext(ctx).First(&job, "crate_id = ?", crateID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job: %w", result.Error)
	}

	return &job, nil
}

func (s *JobStore) List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error) {
	var jobs model.JobList
	tx := s.getDB(ctx).WithContext(ctx).Model(&jobs)

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if opts != nil {
		for _, fn := range opts.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) CompareAndSwap(ctx context.Context, crateID string, pre Precondition, next model.Job) (bool, error) {
	next.CrateID = crateID

	if pre.absent {
		result := s.getDB(ctx).WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "crate_id"}}, DoNothing: true}).
			Create(&next)
		if result.Error != nil {
			return false, fmt.Errorf("inserting job: %w", result.Error)
		}
		return result.RowsAffected == 1, nil
	}

	tx := s.getDB(ctx).WithContext(ctx).Model(&model.Job{}).
		Where("crate_id = ? AND state = ?", crateID, pre.state)
	if pre.jobID != nil {
		tx = tx.Where("job_id = ?", *pre.jobID)
	}

	result := tx.Updates(columns(next))
	if result.Error != nil {
		return false, fmt.Errorf("swapping job: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *JobStore) Write(ctx context.Context, job model.Job) error {
	ok, err := s.CompareAndSwap(ctx, job.CrateID, ExpectState(model.JobStateRunning).WithJobID(job.JobID), job)
	if err != nil {
		return fmt.Errorf("writing job: %w", err)
	}
	if !ok {
		return ErrJobSuperseded
	}
	return nil
}

// columns lists every mutable column so that zero values (a cleared report,
// a nil completion time) are written too.
func columns(job model.Job) map[string]any {
	return map[string]any{
		"job_id":       job.JobID,
		"version":      job.Version,
		"state":        job.State,
		"request":      job.Request,
		"report":       job.Report,
		"created_at":   job.CreatedAt,
		"started_at":   job.StartedAt,
		"completed_at": job.CompletedAt,
		"updated_at":   job.UpdatedAt,
	}
}

func (s *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
