package service

import (
	"context"
	"fmt"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// Health reports whether the job store answers.
func (vs *ValidationService) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := vs.store.Ping(ctx); err != nil {
		return fmt.Errorf("job store unreachable: %w", err)
	}
	return nil
}
