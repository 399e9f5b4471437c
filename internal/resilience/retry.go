package resilience

import (
	"context"
	"time"
)

// Retry bounds the number of attempts for one wrapped call and drives
// the backoff generator between them. One instance per call; not
// goroutine-safe on its own.
type Retry struct {
	maxRetries int
	attempts   int
	backoff    *Backoff
}

// NewRetry creates a retry manager with the given attempt budget and
// backoff parameters.
func NewRetry(maxRetries int, initial, max time.Duration, multiplier float64, jitter bool) *Retry {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retry{
		maxRetries: maxRetries,
		backoff:    NewBackoff(initial, max, multiplier, jitter),
	}
}

// CanRetry reports whether the attempt budget allows another retry.
func (r *Retry) CanRetry() bool {
	return r.attempts < r.maxRetries
}

// RecordAttempt consumes one unit of the retry budget.
func (r *Retry) RecordAttempt() {
	r.attempts++
}

// Attempts returns the number of retries recorded so far.
func (r *Retry) Attempts() int {
	return r.attempts
}

// NextDelay returns the next backoff delay, advancing the sequence.
func (r *Retry) NextDelay() time.Duration {
	return r.backoff.Next()
}

// Wait sleeps the next backoff delay, returning early with the context
// error if ctx is cancelled.
func (r *Retry) Wait(ctx context.Context) error {
	return sleep(ctx, r.backoff.Next())
}

// Reset restores the attempt count and backoff to their initial state.
func (r *Retry) Reset() {
	r.attempts = 0
	r.backoff.Reset()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
