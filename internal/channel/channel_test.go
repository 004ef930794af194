package channel

import (
	"testing"
	"time"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	cfg := BackoffConfig{Base: time.Second, Cap: 8 * time.Second, Jitter: 0}
	for attempt, want := range map[int]time.Duration{0: time.Second, 1: 2 * time.Second, 2: 4 * time.Second, 3: 8 * time.Second, 4: 8 * time.Second} {
		got := Backoff(cfg, attempt)
		if got != want {
			t.Fatalf("attempt %d: want %v got %v", attempt, want, got)
		}
	}
}

func TestBackoffStaysWithinJitterBounds(t *testing.T) {
	cfg := BackoffConfig{Base: time.Second, Cap: 60 * time.Second, Jitter: 0.2}
	for i := 0; i < 50; i++ {
		d := Backoff(cfg, 0)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("expected delay within +/-20%% of 1s, got %v", d)
		}
	}
}
