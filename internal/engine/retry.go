package engine

import (
	"context"
	"errors"
	"time"
)

// Step functions are assumed idempotent; schemas mark non-idempotent
// functions with retry_count=0. A fixed delay between attempts is all the
// retry policy requires.
const defaultRetryDelay = 1 * time.Second

// isRetryable classifies whether a step failure should be retried. Step
// timeouts are retryable; a cancelled parent context means the execution is
// shutting down and must not retry.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// waitRetryDelay sleeps for the fixed retry delay or returns early when the
// context is cancelled.
func waitRetryDelay(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
