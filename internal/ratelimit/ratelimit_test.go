package ratelimit

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jobhound-dev/jobhound/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCheckUnderCap(t *testing.T) {
	s := tempStore(t)
	l := NewLimiter(s, "applications", Limits{PerHour: 10, PerDay: 50})

	ok, reason := l.Check("user-1")
	if !ok {
		t.Errorf("should be allowed: %s", reason)
	}
}

func TestHourlyCapReached(t *testing.T) {
	s := tempStore(t)
	l := NewLimiter(s, "applications", Limits{PerHour: 2, PerDay: 50})

	for i := 0; i < 2; i++ {
		if _, err := l.Record("user-1"); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	ok, _ := l.Check("user-1")
	if ok {
		t.Error("third attempt should be blocked by hourly cap")
	}

	// Other subjects have their own windows.
	ok, reason := l.Check("user-2")
	if !ok {
		t.Errorf("user-2 should be allowed: %s", reason)
	}
}

func TestDailyCapReached(t *testing.T) {
	s := tempStore(t)
	l := NewLimiter(s, "applications", Limits{PerHour: 100, PerDay: 3})

	for i := 0; i < 3; i++ {
		if _, err := l.Record("user-1"); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	ok, _ := l.Check("user-1")
	if ok {
		t.Error("should be blocked by daily cap")
	}
}

func TestExpiryFreesCapacity(t *testing.T) {
	s := tempStore(t)
	l := NewLimiter(s, "applications", Limits{PerHour: 2, PerDay: 50})

	id, err := l.Record("user-1")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if _, err := l.Record("user-1"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if ok, _ := l.Check("user-1"); ok {
		t.Fatal("should be blocked at cap")
	}

	// Age the first unit out of the hour window: exactly one slot frees.
	if err := s.SetUnitTime(id, time.Now().Add(-61*time.Minute)); err != nil {
		t.Fatalf("SetUnitTime failed: %v", err)
	}

	status, err := l.Status("user-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.HourlyCount != 1 {
		t.Errorf("hourly count after expiry = %d, want 1", status.HourlyCount)
	}
	if status.HourlyRemaining != 1 {
		t.Errorf("hourly remaining after expiry = %d, want 1", status.HourlyRemaining)
	}
	if ok, reason := l.Check("user-1"); !ok {
		t.Errorf("should be allowed after expiry: %s", reason)
	}
}

func TestReserveAndRollback(t *testing.T) {
	s := tempStore(t)
	l := NewLimiter(s, "applications", Limits{PerHour: 1, PerDay: 10})

	_, cleanup, ok, reason := l.Reserve("user-1")
	if !ok {
		t.Fatalf("Reserve should succeed: %s", reason)
	}

	if _, _, ok, _ := l.Reserve("user-1"); ok {
		t.Error("second Reserve should be denied at cap")
	}

	// Rolling back the reservation frees the slot.
	cleanup()
	if _, _, ok, reason := l.Reserve("user-1"); !ok {
		t.Errorf("Reserve after rollback should succeed: %s", reason)
	}
}

func TestReserveConcurrentCeiling(t *testing.T) {
	s := tempStore(t)
	l := NewLimiter(s, "applications", Limits{PerHour: 5, PerDay: 5})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, ok, _ := l.Reserve("user-1"); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 5 {
		t.Errorf("admitted = %d, want exactly 5", admitted)
	}

	status, err := l.Status("user-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.HourlyCount > status.HourlyLimit {
		t.Errorf("count %d exceeds ceiling %d", status.HourlyCount, status.HourlyLimit)
	}
}

func TestStatusReportsBothWindows(t *testing.T) {
	s := tempStore(t)
	l := NewLimiter(s, "scrapes", Limits{PerHour: 10, PerDay: 20})

	for i := 0; i < 3; i++ {
		if _, err := l.Record("user-1"); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	status, err := l.Status("user-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.HourlyCount != 3 || status.DailyCount != 3 {
		t.Errorf("counts = %d/%d, want 3/3", status.HourlyCount, status.DailyCount)
	}
	if status.HourlyRemaining != 7 || status.DailyRemaining != 17 {
		t.Errorf("remaining = %d/%d, want 7/17", status.HourlyRemaining, status.DailyRemaining)
	}
	if !status.CanProceed {
		t.Error("CanProceed should be true under both caps")
	}
	if status.Resource != "scrapes" || status.Subject != "user-1" {
		t.Errorf("identity fields = %s/%s", status.Subject, status.Resource)
	}
}
