package usecase

import (
	"context"
	"math/rand/v2"
	"time"

	"FeedPoster/internal/ports"
)

// SystemClock is the wall clock with context-aware blocking sleeps.
type SystemClock struct{}

var _ ports.Clock = SystemClock{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Sleep blocks for d or until ctx is cancelled.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
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

// randomBetween picks a uniformly distributed duration in [lo, hi].
func randomBetween(rnd func() float64, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return lo + time.Duration(rnd()*float64(hi-lo))
}
