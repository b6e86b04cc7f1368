package syncer

import (
	"context"
	"testing"
	"time"
)

func TestFixedBackoff(t *testing.T) {
	b := FixedBackoff{Interval: 5 * time.Second}
	for attempt := 0; attempt < 4; attempt++ {
		if got := b.Delay(attempt); got != 5*time.Second {
			t.Fatalf("attempt %d: got %v", attempt, got)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{Base: 100 * time.Millisecond}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for attempt, expected := range want {
		if got := b.Delay(attempt); got != expected {
			t.Fatalf("attempt %d: got %v, want %v", attempt, got, expected)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	b := ExponentialBackoff{Base: 100 * time.Millisecond, Max: 300 * time.Millisecond}
	if got := b.Delay(5); got != 300*time.Millisecond {
		t.Fatalf("got %v, want cap", got)
	}
}

func TestWaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Wait(ctx, time.Minute); err == nil {
		t.Fatalf("expected context error")
	}
}
