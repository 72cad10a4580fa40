package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy describes an exponential-backoff retry schedule. Attempt n
// sleeps min(InitialDelay * Multiplier^(n-1), MaxDelay) before running,
// with an optional ±25% jitter.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultRetryPolicy is used where call sites do not configure their own.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:     3,
	InitialDelay: 500 * time.Millisecond,
	Multiplier:   2.0,
	MaxDelay:     30 * time.Second,
	Jitter:       true,
}

// Do runs fn up to Attempts times. Only retryable error kinds are retried;
// others propagate immediately. The context cancels pending sleeps.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.Multiplier = p.Multiplier
	if p.Multiplier <= 0 {
		eb.Multiplier = 1
	}
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	}
	eb.MaxElapsedTime = 0
	if p.Jitter {
		eb.RandomizationFactor = 0.25
	} else {
		eb.RandomizationFactor = 0
	}

	operation := func() error {
		err := fn()
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	// backoff.Retry unwraps Permanent errors before returning them, so the
	// caller sees the original error either way.
	return backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx))
}
