package resilience

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current position in its state graph.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a three-state circuit breaker guarding one protected
// resource. It is long-lived and safe for concurrent use. Admission
// (Allow) and outcome recording (RecordSuccess/RecordFailure) are
// separate operations the caller must pair exactly once per admitted
// call.
type Breaker struct {
	mu sync.Mutex

	state            BreakerState
	failureCount     int
	successCount     int
	lastFailure      time.Time
	failureThreshold int
	recoveryTimeout  time.Duration
	successThreshold int

	now func() time.Time
}

// BreakerSnapshot is a point-in-time view of breaker state for status
// reporting.
type BreakerSnapshot struct {
	State        BreakerState
	FailureCount int
	SuccessCount int
	LastFailure  time.Time
}

// NewBreaker creates a closed breaker with the given thresholds.
func NewBreaker(failureThreshold int, recoveryTimeout time.Duration, successThreshold int) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 3
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		successThreshold: successThreshold,
		now:              time.Now,
	}
}

// SetClock overrides the breaker's time source. Test hook.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow reports whether a call may execute. In Open state, the first
// check after the recovery timeout elapses transitions to HalfOpen and
// admits that call only.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if !b.lastFailure.IsZero() && b.now().Sub(b.lastFailure) >= b.recoveryTimeout {
			b.state = BreakerHalfOpen
			b.successCount = 0
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	}
	return false
}

// RecordSuccess records a successful call. Successes while Closed do not
// touch the failure count; in HalfOpen, reaching the success threshold
// closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerHalfOpen {
		return
	}
	b.successCount++
	if b.successCount >= b.successThreshold {
		b.state = BreakerClosed
		b.failureCount = 0
	}
}

// RecordFailure records a failed call, opening the breaker when the
// failure threshold is reached in Closed state or on any HalfOpen failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	switch b.state {
	case BreakerClosed:
		if b.failureCount >= b.failureThreshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view for status reporting.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		LastFailure:  b.lastFailure,
	}
}

// Reset forces the breaker back to Closed with cleared counters.
// Operator intervention only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
	b.successCount = 0
}
