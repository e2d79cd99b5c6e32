package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Delay computes base * multiplier^n plus a uniform jitter in [0, jitter).
// It is shared by the in-process policy and the worker's requeue delay.
func Delay(base time.Duration, multiplier float64, n int, jitter time.Duration) time.Duration {
	if base <= 0 {
		base = 0
	}
	if n < 0 {
		n = 0
	}

	d := float64(base) * math.Pow(multiplier, float64(n))
	var out time.Duration
	if d >= math.MaxInt64 || math.IsInf(d, 1) {
		out = math.MaxInt64
	} else {
		out = time.Duration(d)
	}

	if jitter > 0 && out < math.MaxInt64-jitter {
		out += rand.N(jitter)
	}
	return out
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
