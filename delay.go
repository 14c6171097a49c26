package outbox

import (
	"context"
	"math"
	"time"
)

// Backoff is a function that returns the delay after a given attempt.
// Implementations must be monotone non-decreasing in attempt.
type Backoff func(attempt int) time.Duration

// Fixed returns a Backoff that returns a fixed delay for all attempts.
func Fixed(delay time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return delay
	}
}

// Exponential returns a Backoff that doubles the delay after every attempt, capped at maxDelay.
//
// For example, with initialDelay of 200 milliseconds and maxDelay of 2 seconds:
//
// Delay after attempt 0: 200ms
// Delay after attempt 1: 400ms
// Delay after attempt 2: 800ms
// Delay after attempt 3: 1.6s
// Delay after attempt 4: 2s
// ...
func Exponential(delay time.Duration, maxDelay time.Duration) Backoff {
	// Pre-calculate max shifts to prevent overflow
	var maxShifts uint
	if delay > 0 {
		logDelay := math.Floor(math.Log2(float64(delay)))
		if logDelay < 62 {
			maxShifts = 62 - uint(logDelay)
		}
	}

	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(attempt), maxShifts)

		return min(delay<<n, maxDelay)
	}
}

// sleep waits for d or until ctx is done, whichever happens first.
// It returns false if ctx was done before d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
