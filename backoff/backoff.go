// Package backoff provides the capped exponential delay used by the outbox
// dispatcher and the retry scheduler.
package backoff

import (
	"context"
	"time"
)

const maxShift = 30

// Exponential returns base * 2^attempt, never exceeding limit. Negative
// attempts are treated as 0.
func Exponential(base time.Duration, attempt int, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	delay := base << uint(attempt)
	if delay <= 0 || delay > limit {
		return limit
	}
	return delay
}

// Sleep waits for the given duration but respects context cancellation.
// It returns nil if the wait completed and the context error otherwise.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
