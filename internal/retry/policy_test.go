package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikanisa/easymo-sub022/internal/domain/errs"
	"github.com/ikanisa/easymo-sub022/internal/retry"
)

func TestDo_RetryThenSucceed(t *testing.T) {
	p := retry.Policy{Attempts: 3, Backoff: time.Millisecond, Jitter: 0}

	calls := 0
	res, err := retry.Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", res)
	require.Equal(t, 3, calls)
}

func TestExecute_Exhausted(t *testing.T) {
	for _, attempts := range []int{1, 2, 5} {
		p := retry.Policy{Attempts: attempts, Backoff: time.Millisecond}

		calls := 0
		err := p.Execute(context.Background(), func(context.Context) error {
			calls++
			return errors.New("always down")
		})

		var exhausted *errs.RetryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		require.Equal(t, attempts, exhausted.Attempts)
		require.Equal(t, attempts, calls)
		require.Contains(t, err.Error(), "always down")
	}
}

func TestExecute_ZeroAttempts(t *testing.T) {
	calls := 0
	err := retry.Policy{}.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	require.Zero(t, calls)
	require.True(t, errs.IsRetryExhausted(err))
	require.ErrorIs(t, err, errs.ErrNoAttempts)
}

func TestExecute_NonRetryableStopsEarly(t *testing.T) {
	permanent := errors.New("400 bad request")
	p := retry.Policy{
		Attempts:  5,
		Backoff:   time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})

	require.ErrorIs(t, err, permanent)
	require.False(t, errs.IsRetryExhausted(err))
	require.Equal(t, 1, calls)
}

func TestExecute_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{Attempts: 3, Backoff: time.Hour}
	p.OnRetry = func(int, time.Duration, error) { cancel() }

	calls := 0
	err := p.Execute(ctx, func(context.Context) error {
		calls++
		return errors.New("fail")
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestExecute_OnRetryReportsDelays(t *testing.T) {
	p := retry.Policy{Attempts: 4, Backoff: time.Millisecond, Multiplier: 2, MaxBackoff: 3 * time.Millisecond}

	var delays []time.Duration
	var attempts []int
	p.OnRetry = func(attempt int, d time.Duration, _ error) {
		attempts = append(attempts, attempt)
		delays = append(delays, d)
	}

	_ = p.Execute(context.Background(), func(context.Context) error { return errors.New("x") })

	assert.Equal(t, []int{2, 3, 4}, attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, delays)
}

func TestDelay(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, retry.Delay(250*time.Millisecond, 2, 0, 0))
	assert.Equal(t, time.Second, retry.Delay(250*time.Millisecond, 2, 2, 0))
	assert.Equal(t, 8*time.Second, retry.Delay(time.Second, 2, 3, 0))

	for i := 0; i < 100; i++ {
		d := retry.Delay(100*time.Millisecond, 2, 1, 50*time.Millisecond)
		require.GreaterOrEqual(t, d, 200*time.Millisecond)
		require.Less(t, d, 250*time.Millisecond)
	}

	require.Greater(t, retry.Delay(time.Second, 2, 200, 0), time.Duration(0))
}

func TestNewPolicyDefaults(t *testing.T) {
	p := retry.NewPolicy(3)
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, retry.DefaultBackoff, p.Backoff)
	assert.Equal(t, retry.DefaultMultiplier, p.Multiplier)
	assert.Equal(t, retry.DefaultJitter, p.Jitter)
}
