// Package retry runs registry and side-effect calls with bounded exponential
// backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"roledesk/internal/domain"
)

type Policy struct {
	// MaxAttempts counts the first call. Values below 1 are treated as 1.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is a fraction of the delay; 0.1 means +/-10%.
	Jitter float64
	// IsRetryable decides whether an error is transient. Defaults to
	// domain.IsRetryable.
	IsRetryable func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error)
}

func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		IsRetryable:  domain.IsRetryable,
	}
}

// FromConfig builds a policy from the engine settings, falling back to the
// defaults for unset values.
func FromConfig(attempts, initialMS int) Policy {
	p := Default()
	if attempts > 0 {
		p.MaxAttempts = attempts
	}
	if initialMS > 0 {
		p.InitialDelay = time.Duration(initialMS) * time.Millisecond
	}
	return p
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.IsRetryable == nil {
		p.IsRetryable = domain.IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr)
			}
			timer := time.NewTimer(p.backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry canceled after %d attempts: %w", attempt, lastErr)
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

// DoValue is Do for calls that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p Policy) backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult == 0 {
		mult = 2.0
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay = time.Duration(float64(delay) + spread*(2*rand.Float64()-1))
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
