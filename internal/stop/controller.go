package stop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jobhound-dev/jobhound/internal/store"
)

// EventType is the safety-event type controllers write to the audit trail.
const EventType = "emergency_stop"

// Controller is the process-wide kill switch. It checks three channels:
// its own cached flag, the durable marker, and unresolved critical stop
// events in the audit log, so a freshly started process immediately sees
// a stop engaged elsewhere.
type Controller struct {
	flags    FlagStore
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration

	cached  atomic.Bool
	process string
}

// NewController creates a controller over the given flag store and audit
// store. interval bounds how stale the cached flag may be while Run is
// active.
func NewController(flags FlagStore, s *store.Store, interval time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Controller{
		flags:    flags,
		store:    s,
		logger:   logger,
		interval: interval,
		process:  uuid.NewString(),
	}
}

// ProcessID returns this controller's process identity, stamped into
// markers it writes.
func (c *Controller) ProcessID() string {
	return c.process
}

// Activate engages the stop: durable marker, cached flag, and a critical
// audit event, in that order.
func (c *Controller) Activate(ctx context.Context, reason, actor string) error {
	m := Marker{
		Reason:  reason,
		At:      time.Now().UTC(),
		Actor:   actor,
		Process: c.process,
		PID:     os.Getpid(),
	}
	if err := c.flags.Set(ctx, m); err != nil {
		return fmt.Errorf("activate emergency stop: %w", err)
	}
	c.cached.Store(true)

	if _, err := c.store.CreateSafetyEvent(
		EventType,
		fmt.Sprintf("emergency stop activated: %s", reason),
		"critical", "", actor, "",
	); err != nil {
		return fmt.Errorf("activate emergency stop: audit: %w", err)
	}

	c.logger.Error("EMERGENCY STOP ACTIVATED", "reason", reason, "actor", actor)
	return nil
}

// Deactivate clears the stop. It refuses while unresolved emergency-stop
// audit events remain: the operator must resolve the trail first.
func (c *Controller) Deactivate(ctx context.Context, actor string) error {
	open, err := c.store.UnresolvedSafetyEvents(EventType)
	if err != nil {
		return fmt.Errorf("deactivate emergency stop: %w", err)
	}
	if len(open) > 0 {
		return fmt.Errorf("deactivate emergency stop: %d unresolved stop event(s) must be resolved first", len(open))
	}

	if err := c.flags.Clear(ctx); err != nil {
		return fmt.Errorf("deactivate emergency stop: %w", err)
	}
	c.cached.Store(false)

	c.logger.Info("emergency stop deactivated", "actor", actor)
	return nil
}

// Active reports whether the stop is engaged via any of the three
// channels. Observing the durable marker also sets the cached flag.
func (c *Controller) Active(ctx context.Context) bool {
	if c.cached.Load() {
		return true
	}

	if _, present, err := c.flags.Get(ctx); err != nil {
		c.logger.Warn("emergency stop marker check failed", "error", err)
	} else if present {
		c.cached.Store(true)
		return true
	}

	open, err := c.store.UnresolvedSafetyEvents(EventType)
	if err != nil {
		c.logger.Warn("emergency stop event check failed", "error", err)
		return false
	}
	for _, e := range open {
		if e.Severity == "critical" {
			c.cached.Store(true)
			return true
		}
	}
	return false
}

// Run polls the durable marker until ctx is cancelled, refreshing the
// cached flag each interval so a stop engaged purely via the durable
// channel becomes visible to in-memory checks within one interval.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("emergency stop poller started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("emergency stop poller stopped")
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Controller) poll(ctx context.Context) {
	m, present, err := c.flags.Get(ctx)
	if err != nil {
		c.logger.Warn("emergency stop poll failed", "error", err)
		return
	}
	if present && !c.cached.Load() {
		c.cached.Store(true)
		c.logger.Error("emergency stop detected via durable marker",
			"reason", m.Reason, "actor", m.Actor, "process", m.Process)
		return
	}
	if !present && c.cached.Load() {
		// Marker cleared externally; only drop the cache when no
		// unresolved critical stop event keeps the stop engaged.
		open, err := c.store.UnresolvedSafetyEvents(EventType)
		if err != nil {
			return
		}
		for _, e := range open {
			if e.Severity == "critical" {
				return
			}
		}
		c.cached.Store(false)
		c.logger.Info("emergency stop cleared via durable marker")
	}
}
