package queue

import "time"

type QueueOpts func(c *queueConfig)

type queueConfig struct {
	name        string
	workers     int
	capacity    int
	maxAttempts int
	taskTimeout time.Duration
	pollTimeout time.Duration
}

func newConfig(opts ...QueueOpts) *queueConfig {
	cfg := &queueConfig{
		name:        "crate_validation",
		workers:     4,
		capacity:    256,
		maxAttempts: 3,
		taskTimeout: 5 * time.Minute,
		pollTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

func WithName(name string) QueueOpts {
	return func(c *queueConfig) {
		if name != "" {
			c.name = name
		}
	}
}

func WithWorkers(n int) QueueOpts {
	return func(c *queueConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithCapacity(n int) QueueOpts {
	return func(c *queueConfig) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithMaxAttempts bounds how many times a failing task is delivered.
func WithMaxAttempts(n int) QueueOpts {
	return func(c *queueConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithTaskTimeout bounds a single execution. It should be larger than the
// validation timeout so that the executor can record the failure itself.
func WithTaskTimeout(d time.Duration) QueueOpts {
	return func(c *queueConfig) {
		if d > 0 {
			c.taskTimeout = d
		}
	}
}

func WithPollTimeout(d time.Duration) QueueOpts {
	return func(c *queueConfig) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}
