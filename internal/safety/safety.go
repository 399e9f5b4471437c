// Package safety is the single entry point of the control plane: ordered
// pre-checks before an operation runs, and post-outcome feedback that
// escalates failures up to the emergency stop.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jobhound-dev/jobhound/internal/cost"
	"github.com/jobhound-dev/jobhound/internal/fault"
	"github.com/jobhound-dev/jobhound/internal/ratelimit"
	"github.com/jobhound-dev/jobhound/internal/stop"
	"github.com/jobhound-dev/jobhound/internal/store"
)

// Decision is the tagged result of a pre-check. Denials are ordinary
// values, not errors: every reason here is an expected control-flow
// outcome.
type Decision struct {
	Allowed    bool
	Category   fault.Category
	Message    string
	RateStatus *ratelimit.Status
	RetryAfter time.Duration
}

// Allowed is the decision that permits the operation.
func allowed() Decision {
	return Decision{Allowed: true}
}

func denied(cat fault.Category, format string, args ...any) Decision {
	return Decision{Allowed: false, Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Fault converts a denial into a fault for callers that propagate errors.
// Returns nil for an allowed decision.
func (d Decision) Fault() *fault.Fault {
	if d.Allowed {
		return nil
	}
	return fault.New(d.Category, "%s", d.Message)
}

// Snapshot is the orchestrator's status view for dashboards and the CLI.
type Snapshot struct {
	StopActive          bool
	ConsecutiveFailures int
	LastFailureTime     time.Time
	Cost                cost.Snapshot
	Rates               map[string]ratelimit.Status
	UnresolvedEvents    int
}

// Thresholds carries the orchestrator's escalation settings.
type Thresholds struct {
	MaxConsecutiveFailures int
	FailureCooldown        time.Duration
}

// Orchestrator runs the ordered pre-checks (stop, rate, cost, duplicate,
// cooldown) and ingests post-outcome feedback. Safe for concurrent use.
type Orchestrator struct {
	store      *store.Store
	stop       *stop.Controller
	limiters   map[string]*ratelimit.Limiter
	costs      *cost.Tracker
	pricing    cost.Pricing
	thresholds Thresholds
	logger     *slog.Logger

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	now         func() time.Time
}

// New creates an orchestrator. limiters maps resource names (for example
// "applications", "scrapes") to their windowed limiters; pricing feeds
// PostGeneration's cost derivation.
func New(s *store.Store, stopCtrl *stop.Controller, limiters map[string]*ratelimit.Limiter, costs *cost.Tracker, pricing cost.Pricing, thresholds Thresholds, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if thresholds.MaxConsecutiveFailures <= 0 {
		thresholds.MaxConsecutiveFailures = 3
	}
	if thresholds.FailureCooldown <= 0 {
		thresholds.FailureCooldown = 30 * time.Minute
	}
	return &Orchestrator{
		store:      s,
		stop:       stopCtrl,
		limiters:   limiters,
		costs:      costs,
		pricing:    pricing,
		thresholds: thresholds,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the orchestrator's time source. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// Stop returns the emergency stop controller for wiring into executors.
func (o *Orchestrator) Stop() *stop.Controller {
	return o.stop
}

// PreCheck runs the five checks in fixed order, short-circuiting on the
// first failure: emergency stop, rate limit, cost ceiling, duplicate
// guard, consecutive-failure cooldown.
func (o *Orchestrator) PreCheck(ctx context.Context, subject, resource, idemKey string) Decision {
	if o.stop.Active(ctx) {
		return denied(fault.EmergencyStop, "emergency stop is active")
	}

	limiter, registered := o.limiters[resource]
	if !registered {
		// Fail closed: a resource without a registered limiter has no
		// ceiling to enforce, so nothing is admitted under its name.
		return denied(fault.Unknown, "no rate limiter registered for resource %q", resource)
	}
	if ok, reason := limiter.Check(subject); !ok {
		d := denied(fault.RateLimit, "rate limit exceeded for %s: %s", resource, reason)
		if status, err := limiter.Status(subject); err == nil {
			d.RateStatus = &status
		}
		return d
	}

	if flt := o.costs.CheckLimits(); flt != nil {
		return denied(fault.CostLimit, "%s", flt.Message)
	}

	done, err := o.store.WasCompleted(subject, resource, idemKey)
	if err != nil {
		// Fail safe: deny when the duplicate guard cannot be read.
		return denied(fault.Unknown, "duplicate check failed: %v", err)
	}
	if done {
		if _, err := o.store.CreateSafetyEvent(
			"duplicate_attempt",
			fmt.Sprintf("duplicate %s attempt for key %s", resource, idemKey),
			string(fault.SeverityMedium), "", subject, idemKey,
		); err != nil {
			o.logger.Warn("failed to record duplicate event", "error", err)
		}
		return denied(fault.Duplicate, "operation already completed for key %s", idemKey)
	}

	if d, inCooldown := o.cooldownCheck(); inCooldown {
		return d
	}

	o.logger.Debug("pre-check passed", "subject", subject, "resource", resource, "key", idemKey)
	return allowed()
}

func (o *Orchestrator) cooldownCheck() (Decision, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.failures < o.thresholds.MaxConsecutiveFailures || o.lastFailure.IsZero() {
		return Decision{}, false
	}
	until := o.lastFailure.Add(o.thresholds.FailureCooldown)
	now := o.now()
	if !now.Before(until) {
		return Decision{}, false
	}
	remaining := until.Sub(now)
	d := denied(fault.Cooldown, "in failure cooldown, wait %s", remaining.Round(time.Second))
	d.RetryAfter = remaining
	return d, true
}

// PostSuccess records a completed operation: the failure counter resets,
// the idempotency key is marked done, and the cost is attributed to both
// the rolling tracker and the durable ledger.
func (o *Orchestrator) PostSuccess(ctx context.Context, subject, resource, idemKey string, costUSD float64) error {
	o.mu.Lock()
	o.failures = 0
	o.lastFailure = time.Time{}
	o.mu.Unlock()

	if idemKey != "" {
		if err := o.store.MarkCompleted(subject, resource, idemKey); err != nil {
			return fmt.Errorf("safety: mark completed: %w", err)
		}
	}

	o.costs.Record(costUSD)
	if costUSD > 0 {
		if err := o.store.RecordSpend(subject, costUSD); err != nil {
			return fmt.Errorf("safety: record spend: %w", err)
		}
	}

	o.logger.Info("operation completed", "subject", subject, "resource", resource, "cost_usd", costUSD)
	return nil
}

// PostGeneration records a completed text-generation call, deriving its
// cost from the call's token usage at the configured prices. Returns the
// attributed cost.
func (o *Orchestrator) PostGeneration(ctx context.Context, subject, resource, idemKey, response, prompt string) (float64, error) {
	costUSD := o.pricing.ForCall(response, prompt)
	return costUSD, o.PostSuccess(ctx, subject, resource, idemKey, costUSD)
}

// PostFailure records a failed operation: a safety event sized by the
// fault's severity, an incremented consecutive-failure counter, and
// escalation to the emergency stop on critical faults or when the
// counter reaches its threshold.
func (o *Orchestrator) PostFailure(ctx context.Context, sessionID string, flt *fault.Fault, subject string) error {
	severity := fault.SeverityFor(flt.Category)

	if _, err := o.store.CreateSafetyEvent(
		string(flt.Category), flt.Message, string(severity), sessionID, subject, "",
	); err != nil {
		return fmt.Errorf("safety: record failure event: %w", err)
	}

	o.mu.Lock()
	o.failures++
	o.lastFailure = o.now()
	failures := o.failures
	o.mu.Unlock()

	o.logger.Error("safety event recorded",
		"category", flt.Category, "severity", severity,
		"consecutive_failures", failures, "session", sessionID,
	)

	if severity == fault.SeverityCritical {
		return o.stop.Activate(ctx, flt.Message, "system")
	}
	if failures >= o.thresholds.MaxConsecutiveFailures {
		return o.stop.Activate(ctx,
			fmt.Sprintf("too many consecutive failures: %d", failures), "system")
	}
	return nil
}

// ResetFailureCount clears the consecutive-failure counter, leaving a
// low-severity audit event behind.
func (o *Orchestrator) ResetFailureCount(reason string) error {
	o.mu.Lock()
	old := o.failures
	o.failures = 0
	o.lastFailure = time.Time{}
	o.mu.Unlock()

	if _, err := o.store.CreateSafetyEvent(
		"user_intervention",
		fmt.Sprintf("failure count reset from %d to 0: %s", old, reason),
		string(fault.SeverityLow), "", "", "",
	); err != nil {
		return fmt.Errorf("safety: record reset event: %w", err)
	}

	o.logger.Info("failure count reset", "from", old, "reason", reason)
	return nil
}

// Status returns the current safety snapshot for a subject.
func (o *Orchestrator) Status(ctx context.Context, subject string) (Snapshot, error) {
	o.mu.Lock()
	failures := o.failures
	lastFailure := o.lastFailure
	o.mu.Unlock()

	rates := make(map[string]ratelimit.Status, len(o.limiters))
	for resource, limiter := range o.limiters {
		status, err := limiter.Status(subject)
		if err != nil {
			return Snapshot{}, fmt.Errorf("safety: rate status for %s: %w", resource, err)
		}
		rates[resource] = status
	}

	unresolved, err := o.store.CountUnresolved()
	if err != nil {
		return Snapshot{}, fmt.Errorf("safety: count unresolved: %w", err)
	}

	return Snapshot{
		StopActive:          o.stop.Active(ctx),
		ConsecutiveFailures: failures,
		LastFailureTime:     lastFailure,
		Cost:                o.costs.Snapshot(),
		Rates:               rates,
		UnresolvedEvents:    unresolved,
	}, nil
}
