package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/ikanisa/easymo-sub022/internal/domain/errs"
)

const (
	DefaultBackoff    = 250 * time.Millisecond
	DefaultMultiplier = 2.0
	DefaultJitter     = 100 * time.Millisecond
	DefaultMaxBackoff = 10 * time.Second
)

// Policy retries a single operation in place with exponential backoff.
// It never requeues anywhere; it is meant for short calls inside a handler.
type Policy struct {
	Attempts   int
	Backoff    time.Duration
	Multiplier float64
	Jitter     time.Duration
	// MaxBackoff caps a single delay. Zero leaves it uncapped.
	MaxBackoff time.Duration

	// Retryable reports whether err is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	// OnRetry is called before sleeping ahead of attempt (1-based).
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NewPolicy returns a policy with the default backoff settings.
func NewPolicy(attempts int) Policy {
	return Policy{
		Attempts:   attempts,
		Backoff:    DefaultBackoff,
		Multiplier: DefaultMultiplier,
		Jitter:     DefaultJitter,
		MaxBackoff: DefaultMaxBackoff,
	}
}

// Execute runs fn until it succeeds or the attempt budget is spent.
func (p Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is the value-returning form of Policy.Execute.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := 0
	for i := 0; i < p.Attempts; i++ {
		if i > 0 {
			delay := p.delay(i - 1)
			if p.OnRetry != nil {
				p.OnRetry(i+1, delay, lastErr)
			}
			if err := Sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempts, err)
			}
		}

		attempts++
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
	}

	if attempts == 0 {
		return zero, &errs.RetryExhaustedError{}
	}
	return zero, &errs.RetryExhaustedError{Attempts: attempts, Last: lastErr}
}

func (p Policy) delay(n int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	d := Delay(p.Backoff, multiplier, n, p.Jitter)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}
