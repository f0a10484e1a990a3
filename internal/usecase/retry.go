package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/ports"
)

// RetryPolicy defines how retries should be handled.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// Backoff returns the jittered delay before retry number attempt (0-based).
// The delay is drawn from [base/2, base] where base grows exponentially and is
// capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int, rnd func() float64) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.InitialBackoff) * math.Pow(factor, float64(attempt))
	if p.MaxBackoff > 0 && base > float64(p.MaxBackoff) {
		base = float64(p.MaxBackoff)
	}
	full := time.Duration(base)
	return randomBetween(rnd, full/2, full)
}

// retry runs fn until it succeeds, returns an error shouldRetry rejects, or
// MaxRetries retries are spent. A Retry-After hint on a service error
// lengthens the wait. It returns the number of attempts made.
func retry(ctx context.Context, clock ports.Clock, policy RetryPolicy, rnd func() float64,
	shouldRetry func(error) bool, onRetry func(attempt int, delay time.Duration, err error),
	fn func(ctx context.Context) error) (int, error) {

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt == policy.MaxRetries {
			return attempt + 1, err
		}

		delay := policy.Backoff(attempt, rnd)
		if hint := retryAfter(err); hint > delay {
			delay = hint
		}
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}
		if sleepErr := clock.Sleep(ctx, delay); sleepErr != nil {
			return attempt + 1, fmt.Errorf("retry cancelled: %w", sleepErr)
		}
	}
	return policy.MaxRetries + 1, lastErr
}

func retryAfter(err error) time.Duration {
	var svcErr *domain.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.RetryAfter
	}
	return 0
}
