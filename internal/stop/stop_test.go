package stop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jobhound-dev/jobhound/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileFlagStoreContract(t *testing.T) {
	fs := NewFileFlagStore(filepath.Join(t.TempDir(), "stop_marker"))
	flagStoreContract(t, fs)
}

// flagStoreContract exercises the behavior every FlagStore backend must
// share: absent until Set, roundtrip of the marker fields, absent again
// after Clear, and idempotent Clear.
func flagStoreContract(t *testing.T, fs FlagStore) {
	t.Helper()
	ctx := context.Background()

	if _, present, err := fs.Get(ctx); err != nil || present {
		t.Fatalf("fresh store: present=%v err=%v, want absent", present, err)
	}

	in := Marker{
		Reason:  "rate limit storm",
		At:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Actor:   "system",
		Process: "proc-1",
		PID:     4242,
	}
	if err := fs.Set(ctx, in); err != nil {
		t.Fatalf("set marker: %v", err)
	}

	out, present, err := fs.Get(ctx)
	if err != nil || !present {
		t.Fatalf("get after set: present=%v err=%v", present, err)
	}
	if !out.At.Equal(in.At) {
		t.Errorf("At roundtrip = %s, want %s", out.At, in.At)
	}
	out.At, in.At = time.Time{}, time.Time{}
	if out != in {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", out, in)
	}

	if err := fs.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, present, _ := fs.Get(ctx); present {
		t.Error("marker should be absent after clear")
	}
	if err := fs.Clear(ctx); err != nil {
		t.Errorf("second clear: %v", err)
	}
}

// redisTestClient returns a client for the address in JOBHOUND_TEST_REDIS,
// or skips. The redis backend needs a real server; everything else about
// the contract is covered by the file store.
func redisTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("JOBHOUND_TEST_REDIS")
	if addr == "" {
		t.Skip("set JOBHOUND_TEST_REDIS to a redis address to run")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisFlagStoreContract(t *testing.T) {
	client := redisTestClient(t)
	key := fmt.Sprintf("jobhound:test:stop:%d", time.Now().UnixNano())
	fs := NewRedisFlagStore(client, key)
	t.Cleanup(func() { client.Del(context.Background(), key) })

	flagStoreContract(t, fs)
}

func TestRedisFlagStoreCorruptMarkerStillEngaged(t *testing.T) {
	client := redisTestClient(t)
	ctx := context.Background()
	key := fmt.Sprintf("jobhound:test:stop:%d", time.Now().UnixNano())
	fs := NewRedisFlagStore(client, key)
	t.Cleanup(func() { client.Del(ctx, key) })

	if err := client.Set(ctx, key, "not json", 0).Err(); err != nil {
		t.Fatalf("seed corrupt marker: %v", err)
	}

	_, present, err := fs.Get(ctx)
	if err != nil {
		t.Fatalf("get corrupt marker: %v", err)
	}
	if !present {
		t.Error("corrupt marker must still read as engaged")
	}
}

func TestFileMarkerIsHumanReadable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stop_marker")
	fs := NewFileFlagStore(path)

	if err := fs.Set(ctx, Marker{Reason: "manual halt", At: time.Now(), Actor: "alex"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read marker file: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "EMERGENCY_STOP: manual halt\n") {
		t.Errorf("marker should lead with the reason, got:\n%s", text)
	}
	if !strings.Contains(text, "actor: alex\n") {
		t.Errorf("marker should record the actor, got:\n%s", text)
	}
}

func TestActivateEngagesAllChannels(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	fs := NewFileFlagStore(filepath.Join(t.TempDir(), "stop_marker"))
	c := NewController(fs, s, time.Second, quietLogger())

	if c.Active(ctx) {
		t.Fatal("fresh controller should not be active")
	}

	if err := c.Activate(ctx, "challenge detected", "system"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if !c.Active(ctx) {
		t.Error("controller should be active after activate")
	}
	if _, present, _ := fs.Get(ctx); !present {
		t.Error("durable marker should exist")
	}
	open, err := s.UnresolvedSafetyEvents(EventType)
	if err != nil {
		t.Fatalf("unresolved events: %v", err)
	}
	if len(open) != 1 || open[0].Severity != "critical" {
		t.Errorf("expected one critical stop event, got %+v", open)
	}
}

func TestSecondControllerSeesStopViaSharedMarker(t *testing.T) {
	ctx := context.Background()
	markerPath := filepath.Join(t.TempDir(), "stop_marker")

	first := NewController(NewFileFlagStore(markerPath), testStore(t), time.Second, quietLogger())
	if err := first.Activate(ctx, "blocked account", "system"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Independent controller, independent audit store, same marker path.
	second := NewController(NewFileFlagStore(markerPath), testStore(t), time.Second, quietLogger())
	if !second.Active(ctx) {
		t.Error("second controller should observe the stop via the durable marker")
	}
}

func TestActiveViaUnresolvedCriticalEvent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	// Marker path never written; only the audit trail carries the stop.
	c := NewController(NewFileFlagStore(filepath.Join(t.TempDir(), "stop_marker")), s, time.Second, quietLogger())

	if _, err := s.CreateSafetyEvent(EventType, "stop from previous run", "critical", "", "system", ""); err != nil {
		t.Fatalf("create event: %v", err)
	}

	if !c.Active(ctx) {
		t.Error("unresolved critical stop event should keep the stop engaged")
	}
}

func TestDeactivateRequiresResolvedEvents(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	c := NewController(NewFileFlagStore(filepath.Join(t.TempDir(), "stop_marker")), s, time.Second, quietLogger())

	if err := c.Activate(ctx, "cost limit breach", "system"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := c.Deactivate(ctx, "alex"); err == nil {
		t.Fatal("deactivate should refuse while stop events are unresolved")
	}
	if !c.Active(ctx) {
		t.Error("stop should remain engaged after refused deactivate")
	}

	open, err := s.UnresolvedSafetyEvents(EventType)
	if err != nil {
		t.Fatalf("unresolved events: %v", err)
	}
	for _, e := range open {
		if err := s.ResolveSafetyEvent(e.ID, "raised hourly budget", "alex"); err != nil {
			t.Fatalf("resolve event %d: %v", e.ID, err)
		}
	}

	if err := c.Deactivate(ctx, "alex"); err != nil {
		t.Fatalf("deactivate after resolution: %v", err)
	}
	if c.Active(ctx) {
		t.Error("stop should be cleared after deactivate")
	}
}

func TestPollPicksUpExternalMarker(t *testing.T) {
	ctx := context.Background()
	markerPath := filepath.Join(t.TempDir(), "stop_marker")
	fs := NewFileFlagStore(markerPath)
	c := NewController(fs, testStore(t), time.Second, quietLogger())

	// Another process engages the stop by writing the marker directly.
	other := NewFileFlagStore(markerPath)
	if err := other.Set(ctx, Marker{Reason: "external halt", At: time.Now(), Actor: "ops"}); err != nil {
		t.Fatalf("external set: %v", err)
	}

	c.poll(ctx)
	if !c.cached.Load() {
		t.Error("poll should cache an externally engaged stop")
	}

	// Marker removed externally, no unresolved events: cache drops.
	if err := other.Clear(ctx); err != nil {
		t.Fatalf("external clear: %v", err)
	}
	c.poll(ctx)
	if c.cached.Load() {
		t.Error("poll should drop the cache once the marker is gone")
	}
}

func TestPollKeepsCacheWhileEventsUnresolved(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	markerPath := filepath.Join(t.TempDir(), "stop_marker")
	fs := NewFileFlagStore(markerPath)
	c := NewController(fs, s, time.Second, quietLogger())

	if err := c.Activate(ctx, "halt", "system"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	// Marker vanishes but the audit event is still open.
	if err := fs.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	c.poll(ctx)
	if !c.cached.Load() {
		t.Error("unresolved critical event should keep the cached flag set")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := NewController(NewFileFlagStore(filepath.Join(t.TempDir(), "stop_marker")), testStore(t), 10*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
