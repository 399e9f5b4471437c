package resilience

import (
	"testing"
	"time"
)

func TestBackoffSequenceWithoutJitter(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second, 2.0, false)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second}, // 64s capped at max
		{7, 60 * time.Second},
	}

	for _, tt := range tests {
		got := b.Next()
		if got != tt.want {
			t.Errorf("attempt %d: Next() = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(10*time.Second, 60*time.Second, 2.0, true)

	// Attempt 0 raw delay is 10s; jittered must land in [8s, 12s].
	for i := 0; i < 50; i++ {
		b.Reset()
		got := b.Next()
		if got < 8*time.Second || got > 12*time.Second {
			t.Errorf("jittered delay %v outside [8s, 12s]", got)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second, 2.0, false)

	b.Next()
	b.Next()
	b.Next()
	b.Reset()

	if got := b.Next(); got != time.Second {
		t.Errorf("Next() after Reset = %v, want 1s", got)
	}
}

func TestBackoffClampsBadParameters(t *testing.T) {
	b := NewBackoff(10*time.Second, time.Second, 0.5, false)

	// max below initial clamps to initial; multiplier below 1 clamps to 1.
	first := b.Next()
	second := b.Next()
	if first != 10*time.Second || second != 10*time.Second {
		t.Errorf("clamped sequence = %v, %v; want 10s, 10s", first, second)
	}
}

func TestBackoffNeverNegative(t *testing.T) {
	b := NewBackoff(time.Nanosecond, time.Second, 1.0, true)
	for i := 0; i < 100; i++ {
		if got := b.Next(); got < 0 {
			t.Fatalf("Next() = %v, negative delay", got)
		}
	}
}
