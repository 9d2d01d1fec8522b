// Package retry provides the exponential-backoff primitive shared by the
// Fetcher, DocIngest's URL fetch, and the WorkflowEngine's per-task retry
// logic. The LLM client does not use it and makes no retries of its own.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Backoff returns the delay before retry attempt i (0-indexed): base * 2^i,
// plus up to 50% random jitter. Do does not use it: Do sleeps base*2^i
// without jitter, and no component in this module calls Backoff.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := base * (1 << attempt)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// Sleep waits for d, or returns ctx.Err() early if ctx is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return nil
}

// Do calls fn up to maxAttempts times (1 + retries), sleeping base*2^i
// (no jitter) between attempts, stopping early when shouldRetry returns
// false for the latest error or ctx is cancelled. It returns the first nil
// error, or the last error seen.
func Do(ctx context.Context, maxAttempts int, base time.Duration, shouldRetry func(error) bool, fn func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := Sleep(ctx, base*(1<<(attempt-1))); err != nil {
				return err
			}
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}
