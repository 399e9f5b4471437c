// Package fault classifies heterogeneous failures from the scraping and
// text-generation layers into a fixed taxonomy and maps each category to
// a recovery strategy.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Category identifies the kind of failure an operation produced.
type Category string

const (
	RateLimit     Category = "rate_limit"
	Challenge     Category = "challenge"
	Blocked       Category = "blocked"
	Network       Category = "network"
	Timeout       Category = "timeout"
	Parse         Category = "parse"
	CostLimit     Category = "cost_limit"
	EmergencyStop Category = "emergency_stop"
	Duplicate     Category = "duplicate"
	Cooldown      Category = "cooldown"
	BreakerOpen   Category = "breaker_open"
	Unknown       Category = "unknown"
)

// Strategy is the recovery action appropriate for a fault category.
type Strategy string

const (
	RetryWithBackoff Strategy = "retry_with_backoff"
	WaitAndRetry     Strategy = "wait_and_retry"
	AbortSession     Strategy = "abort_session"
	SkipAndContinue  Strategy = "skip_and_continue"
	ResetConnection  Strategy = "reset_connection"
)

// Severity grades a fault for safety-event purposes.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Fault is a classified failure. It implements error so it can travel
// through ordinary error returns.
type Fault struct {
	Category Category
	Message  string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Category, f.Message)
}

// New builds a fault with the given category and message.
func New(cat Category, format string, args ...any) *Fault {
	return &Fault{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// From wraps an arbitrary error as a classified fault. If err is already
// a *Fault it is returned unchanged.
func From(err error, hooks ...MatchHook) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Category: Classify(err, hooks...), Message: err.Error()}
}

// MatchHook lets a caller teach the classifier its own error types.
// It returns the category and true when the error is recognized.
type MatchHook func(error) (Category, bool)

// Classify maps an error to a category. Classification is total:
// anything unmatched becomes Unknown.
func Classify(err error, hooks ...MatchHook) Category {
	if err == nil {
		return Unknown
	}

	for _, hook := range hooks {
		if cat, ok := hook(err); ok {
			return cat
		}
	}

	var f *Fault
	if errors.As(err, &f) {
		return f.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return Network
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return Network
	}

	if strings.Contains(strings.ToLower(err.Error()), "parse") {
		return Parse
	}

	return Unknown
}

// StrategyFor returns the recovery strategy for a category. Pure function,
// no side effects.
func StrategyFor(cat Category) Strategy {
	switch cat {
	case RateLimit:
		return WaitAndRetry
	case Challenge, Blocked:
		return AbortSession
	case Network, Timeout:
		return RetryWithBackoff
	case Parse:
		return SkipAndContinue
	default:
		return RetryWithBackoff
	}
}

// Retryable reports whether a category may be retried at all.
// Challenge and Blocked terminate the session unconditionally.
func Retryable(cat Category) bool {
	switch cat {
	case Challenge, Blocked:
		return false
	default:
		return true
	}
}

// SeverityFor grades a category for safety-event records.
func SeverityFor(cat Category) Severity {
	switch cat {
	case Blocked, EmergencyStop:
		return SeverityCritical
	case Challenge, RateLimit, CostLimit:
		return SeverityHigh
	case Duplicate, Cooldown:
		return SeverityMedium
	case Parse:
		return SeverityLow
	default:
		return SeverityMedium
	}
}
