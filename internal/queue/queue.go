package queue

import (
	"context"
	"errors"
	"fmt"
)

const (
	TypeLocal = "local"
	TypeRiver = "river"
	TypeRedis = "redis"
)

var (
	ErrQueueFull    = errors.New("queue is full")
	ErrQueueClosed  = errors.New("queue is closed")
	ErrStarted      = errors.New("queue already started")
	ErrNoExecutor   = errors.New("executor is required")
	ErrUnknownQueue = errors.New("unknown queue type")
)

// Executor runs one validation task. Implementations must be idempotent: a
// task may be delivered more than once.
type Executor interface {
	Execute(ctx context.Context, crateID string) error
}

type ExecutorFunc func(ctx context.Context, crateID string) error

func (f ExecutorFunc) Execute(ctx context.Context, crateID string) error {
	return f(ctx, crateID)
}

// Queue carries crate ids from the intake side to the workers with
// at-least-once delivery. Enqueue may be called before Start; tasks wait
// until workers are running.
type Queue interface {
	Enqueue(ctx context.Context, crateID string) error
	Start(ctx context.Context, executor Executor) error
	Stop(ctx context.Context) error
}

// TaskFailedError is returned by the workers to the queue when the executor
// fails, so the queue can redeliver the task.
type TaskFailedError struct {
	CrateID string
	Attempt int
	Err     error
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task for crate %s failed on attempt %d: %v", e.CrateID, e.Attempt, e.Err)
}

func (e *TaskFailedError) Unwrap() error {
	return e.Err
}
