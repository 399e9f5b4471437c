// Package resilience implements the resilient-call stack that wraps
// every outbound operation: exponential backoff, bounded retries, a
// circuit breaker per protected resource, fault metrics, and the
// executor that composes them.
package resilience

import (
	"math"
	"math/rand"
	"time"
)

// Backoff produces a bounded geometric delay sequence, optionally
// jittered. One instance belongs to one retry loop; it is not
// goroutine-safe on its own.
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     bool
	attempt    int
}

// NewBackoff creates a backoff generator. multiplier values below 1.0
// are clamped to 1.0 so the sequence never shrinks.
func NewBackoff(initial, max time.Duration, multiplier float64, jitter bool) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	return &Backoff{initial: initial, max: max, multiplier: multiplier, jitter: jitter}
}

// Next returns the delay for the current attempt and advances to the
// next one. Attempt k (0-indexed) yields min(initial * multiplier^k, max);
// with jitter the result is drawn uniformly from [0.8, 1.2] times that,
// floored at zero.
func (b *Backoff) Next() time.Duration {
	raw := float64(b.initial) * math.Pow(b.multiplier, float64(b.attempt))
	if math.IsInf(raw, 1) || math.IsNaN(raw) || raw > float64(b.max) {
		raw = float64(b.max)
	}
	b.attempt++

	if !b.jitter {
		return time.Duration(raw)
	}

	factor := 0.8 + rand.Float64()*0.4
	jittered := raw * factor
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

// Reset restores the sequence to the initial delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}
