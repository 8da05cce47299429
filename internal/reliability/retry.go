package reliability

import (
	"context"
	"fmt"
	"time"
)

// Retry runs fn up to attempts times, sleeping a capped exponential backoff
// between failures. retryable decides whether an error is worth another
// attempt; a nil predicate retries everything. A fatal error is returned
// as-is, an exhausted loop returns the last error wrapped.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		wait := ExponentialBackoff(attempt, base, cap)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
