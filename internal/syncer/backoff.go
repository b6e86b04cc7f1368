package syncer

import (
	"context"
	"time"
)

// Backoff yields the delay before retry attempt n (zero-based). Policies are
// plain values so tests can inject zero delays.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff waits the same interval between every attempt. Chain batch
// retries use this: blocking one chain's progress is acceptable and stays
// operator-visible through the stalled cursor.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(int) time.Duration { return b.Interval }

// ExponentialBackoff doubles the base delay each attempt, capped at Max when
// Max is set.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Wait sleeps for d or until ctx is cancelled.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
