package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/kubev2v/crate-validator/internal/store/model"
)

type SortOrder int

const (
	Unsorted SortOrder = iota
	SortByCrateID
	SortByUpdatedTime
	SortByCreatedTime
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type JobQueryFilter BaseQuerier

func NewJobQueryFilter() *JobQueryFilter {
	return &JobQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *JobQueryFilter) ByState(states ...model.JobState) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("state IN ?", states)
	})
	return qf
}

func (qf *JobQueryFilter) ByCrateID(ids ...string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("crate_id IN ?", ids)
	})
	return qf
}

// UpdatedBefore keeps jobs whose last transition happened before t.
func (qf *JobQueryFilter) UpdatedBefore(t time.Time) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("updated_at < ?", t)
	})
	return qf
}

type JobQueryOptions BaseQuerier

func NewJobQueryOptions() *JobQueryOptions {
	return &JobQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (o *JobQueryOptions) WithSortOrder(sort SortOrder) *JobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		switch sort {
		case SortByCrateID:
			return tx.Order("crate_id")
		case SortByUpdatedTime:
			return tx.Order("updated_at")
		case SortByCreatedTime:
			return tx.Order("created_at")
		default:
			return tx
		}
	})
	return o
}

func (o *JobQueryOptions) WithLimit(limit int) *JobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return o
}
