package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jobhound-dev/jobhound/internal/fault"
)

// RetryPolicy controls how the executor retries a wrapped operation.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultPolicy returns a sane default retry policy for outbound calls.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Operation is a fallible unit of outbound work. Results are captured by
// closure; the executor only sees success or failure.
type Operation func(ctx context.Context) error

// parsePause is the fixed wait applied before retrying after a parse fault.
const parsePause = 2 * time.Second

// Executor wraps an arbitrary fallible operation with the full resilient
// call stack: breaker admission, classification, metrics, and
// per-category recovery waits.
type Executor struct {
	breaker *Breaker
	metrics *Metrics
	policy  RetryPolicy
	logger  *slog.Logger
	hooks   []fault.MatchHook

	// StopCheck, when set, is consulted between attempts so an emergency
	// stop aborts in-flight retries promptly.
	StopCheck func() bool

	sleeper       func(ctx context.Context, d time.Duration) error
	rateLimitWait func() time.Duration
}

// NewExecutor creates an executor guarding operations with the given
// breaker. The hooks teach the classifier the caller's own fault types.
func NewExecutor(breaker *Breaker, metrics *Metrics, policy RetryPolicy, logger *slog.Logger, hooks ...fault.MatchHook) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Executor{
		breaker: breaker,
		metrics: metrics,
		policy:  policy,
		logger:  logger,
		hooks:   hooks,
		sleeper: sleep,
		rateLimitWait: func() time.Duration {
			// Rate-limited calls wait out a longer randomized pause, 30-60s.
			return 30*time.Second + time.Duration(rand.Float64()*30*float64(time.Second))
		},
	}
}

// Breaker returns the breaker guarding this executor's resource.
func (e *Executor) Breaker() *Breaker {
	return e.breaker
}

// Metrics returns the fault metrics recorder.
func (e *Executor) Metrics() *Metrics {
	return e.metrics
}

// Do runs op under the resilient call stack. It returns nil on success
// or the terminal *fault.Fault once the breaker denies, a non-retryable
// category surfaces, the retry budget is exhausted, or ctx is cancelled.
func (e *Executor) Do(ctx context.Context, op Operation) error {
	if !e.breaker.Allow() {
		return fault.New(fault.BreakerOpen, "circuit breaker is open, operation rejected")
	}

	retry := NewRetry(e.policy.MaxRetries, e.policy.InitialDelay, e.policy.MaxDelay, e.policy.Multiplier, e.policy.Jitter)

	for {
		err := op(ctx)
		if err == nil {
			e.breaker.RecordSuccess()
			return nil
		}

		flt := fault.From(err, e.hooks...)
		e.metrics.RecordFault(flt.Category)

		// Parse faults skip breaker failure accounting entirely.
		if flt.Category != fault.Parse {
			e.breaker.RecordFailure()
		}

		e.logger.Warn("operation fault",
			"category", flt.Category,
			"attempts", retry.Attempts(),
			"error", flt.Message,
		)

		if !fault.Retryable(flt.Category) {
			e.logger.Error("non-retryable fault, aborting session", "category", flt.Category)
			return flt
		}

		if !retry.CanRetry() {
			e.logger.Error("retry budget exhausted", "category", flt.Category, "attempts", retry.Attempts())
			return flt
		}

		if e.StopCheck != nil && e.StopCheck() {
			return fault.New(fault.EmergencyStop, "emergency stop engaged during retry of %s fault", flt.Category)
		}

		retry.RecordAttempt()
		strategy := fault.StrategyFor(flt.Category)
		e.metrics.RecordRecovery(flt.Category, strategy)

		// A cancelled wait is not a new failure mode; surface the fault
		// that was being retried with the cancellation noted.
		if waitErr := e.waitFor(ctx, flt.Category, retry); waitErr != nil {
			return fault.New(flt.Category, "%s (retry wait cancelled: %v)", flt.Message, waitErr)
		}
	}
}

// waitFor suspends between attempts according to the fault category.
func (e *Executor) waitFor(ctx context.Context, cat fault.Category, retry *Retry) error {
	switch cat {
	case fault.RateLimit:
		return e.sleeper(ctx, e.rateLimitWait())
	case fault.Parse:
		return e.sleeper(ctx, parsePause)
	default:
		return e.sleeper(ctx, retry.NextDelay())
	}
}
