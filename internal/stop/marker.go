// Package stop implements the process-wide emergency kill switch: a
// durable marker any process can observe, an in-memory cached flag, and
// a background poller that keeps the two coherent.
package stop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker is the durable stop record. Its mere presence means the stop is
// engaged; the fields exist for the operator reading it.
type Marker struct {
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
	Actor   string    `json:"actor"`
	Process string    `json:"process"`
	PID     int       `json:"pid"`
}

// FlagStore persists the durable stop marker. Implementations must make
// a Set visible to any process sharing the same backend.
type FlagStore interface {
	Set(ctx context.Context, m Marker) error
	Clear(ctx context.Context) error
	Get(ctx context.Context) (Marker, bool, error)
}

// FileFlagStore keeps the marker as a small human-readable file at a
// well-known path. Presence of the file means the stop is engaged; the
// file survives process restarts.
type FileFlagStore struct {
	Path string
}

// NewFileFlagStore creates a file-backed flag store at path.
func NewFileFlagStore(path string) *FileFlagStore {
	return &FileFlagStore{Path: path}
}

func (f *FileFlagStore) Set(_ context.Context, m Marker) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return fmt.Errorf("stop: create marker dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "EMERGENCY_STOP: %s\n", m.Reason)
	fmt.Fprintf(&b, "at: %s\n", m.At.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "actor: %s\n", m.Actor)
	fmt.Fprintf(&b, "process: %s\n", m.Process)
	fmt.Fprintf(&b, "pid: %d\n", m.PID)

	if err := os.WriteFile(f.Path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("stop: write marker %s: %w", f.Path, err)
	}
	return nil
}

func (f *FileFlagStore) Clear(_ context.Context) error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stop: remove marker %s: %w", f.Path, err)
	}
	return nil
}

func (f *FileFlagStore) Get(_ context.Context) (Marker, bool, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, false, nil
		}
		return Marker{}, false, fmt.Errorf("stop: read marker %s: %w", f.Path, err)
	}
	return parseMarker(string(data)), true, nil
}

func parseMarker(text string) Marker {
	var m Marker
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "EMERGENCY_STOP":
			m.Reason = value
		case "at":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				m.At = t
			}
		case "actor":
			m.Actor = value
		case "process":
			m.Process = value
		case "pid":
			m.PID, _ = strconv.Atoi(value)
		}
	}
	return m
}

// RedisFlagStore keeps the marker as a JSON value at a key, for
// deployments where processes do not share a filesystem.
type RedisFlagStore struct {
	client *redis.Client
	key    string
}

// NewRedisFlagStore creates a redis-backed flag store.
func NewRedisFlagStore(client *redis.Client, key string) *RedisFlagStore {
	return &RedisFlagStore{client: client, key: key}
}

func (r *RedisFlagStore) Set(ctx context.Context, m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("stop: marshal marker: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("stop: set marker key %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisFlagStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("stop: clear marker key %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisFlagStore) Get(ctx context.Context) (Marker, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Marker{}, false, nil
		}
		return Marker{}, false, fmt.Errorf("stop: get marker key %s: %w", r.key, err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		// A corrupt marker still means the stop is engaged.
		return Marker{}, true, nil
	}
	return m, true, nil
}
