// Package ratelimit enforces per-subject admission ceilings over rolling
// hour and day windows, counted against the store with lazy expiry.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/jobhound-dev/jobhound/internal/store"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// Limits holds the two independent ceilings for one resource type.
type Limits struct {
	PerHour int
	PerDay  int
}

// Status reports both window counts and remaining capacity for a subject.
type Status struct {
	Subject         string
	Resource        string
	HourlyCount     int
	HourlyLimit     int
	HourlyRemaining int
	DailyCount      int
	DailyLimit      int
	DailyRemaining  int
	CanProceed      bool
}

func (s Status) String() string {
	return fmt.Sprintf("%s/%s: hourly %d/%d, daily %d/%d",
		s.Subject, s.Resource, s.HourlyCount, s.HourlyLimit, s.DailyCount, s.DailyLimit)
}

// Limiter enforces one resource type's rate limits across all subjects.
// A single mutex serializes check-then-record sequences so the ceiling
// invariant holds under concurrent admission.
type Limiter struct {
	store    *store.Store
	resource string
	limits   Limits
	mu       sync.Mutex
}

// NewLimiter creates a limiter for one resource type backed by the given store.
func NewLimiter(s *store.Store, resource string, limits Limits) *Limiter {
	return &Limiter{store: s, resource: resource, limits: limits}
}

// Check reports whether the subject has capacity in both windows.
// A store error denies: fail safe when counts cannot be read.
func (l *Limiter) Check(subject string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(subject)
}

func (l *Limiter) checkLocked(subject string) (bool, string) {
	hourly, err := l.store.CountUsage(subject, l.resource, hourWindow)
	if err != nil {
		return false, fmt.Sprintf("error checking hourly usage: %v", err)
	}
	if hourly >= l.limits.PerHour {
		return false, fmt.Sprintf("hourly cap reached: %d/%d", hourly, l.limits.PerHour)
	}

	daily, err := l.store.CountUsage(subject, l.resource, dayWindow)
	if err != nil {
		return false, fmt.Sprintf("error checking daily usage: %v", err)
	}
	if daily >= l.limits.PerDay {
		return false, fmt.Sprintf("daily cap reached: %d/%d", daily, l.limits.PerDay)
	}

	return true, ""
}

// Record appends one consumption unit for the subject and returns its ID.
func (l *Limiter) Record(subject string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.RecordUsageUnit(subject, l.resource)
}

// Release removes a previously recorded unit (reservation rollback).
func (l *Limiter) Release(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id == 0 {
		return nil
	}
	return l.store.DeleteUsageUnit(id)
}

// Reserve atomically checks capacity and records a unit. The returned
// cleanup MUST be called if the admitted operation subsequently fails,
// so the unit does not count against the subject. If the optimistic
// record overshoots a ceiling (a concurrent writer won the race), the
// unit is rolled back and the reservation denied.
func (l *Limiter) Reserve(subject string) (int64, func(), bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok, reason := l.checkLocked(subject)
	if !ok {
		return 0, nil, false, reason
	}

	id, err := l.store.RecordUsageUnit(subject, l.resource)
	if err != nil {
		return 0, nil, false, fmt.Sprintf("error recording usage: %v", err)
	}

	ok, reason = l.checkLocked(subject)
	// Re-check counts the unit just written, so equality with the ceiling
	// is expected; only a count beyond the ceiling means a lost race.
	if !ok {
		hourly, _ := l.store.CountUsage(subject, l.resource, hourWindow)
		daily, _ := l.store.CountUsage(subject, l.resource, dayWindow)
		if hourly > l.limits.PerHour || daily > l.limits.PerDay {
			_ = l.store.DeleteUsageUnit(id)
			return 0, nil, false, fmt.Sprintf("rate limit exceeded after reservation: %s", reason)
		}
	}

	cleanup := func() {
		_ = l.Release(id)
	}
	return id, cleanup, true, ""
}

// Status reports both window counts and ceilings for observability.
func (l *Limiter) Status(subject string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hourly, err := l.store.CountUsage(subject, l.resource, hourWindow)
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit: hourly count: %w", err)
	}
	daily, err := l.store.CountUsage(subject, l.resource, dayWindow)
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit: daily count: %w", err)
	}

	return Status{
		Subject:         subject,
		Resource:        l.resource,
		HourlyCount:     hourly,
		HourlyLimit:     l.limits.PerHour,
		HourlyRemaining: maxInt(0, l.limits.PerHour-hourly),
		DailyCount:      daily,
		DailyLimit:      l.limits.PerDay,
		DailyRemaining:  maxInt(0, l.limits.PerDay-daily),
		CanProceed:      hourly < l.limits.PerHour && daily < l.limits.PerDay,
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
