package retry

import (
	"math/rand"
	"time"
)

const (
	// DefaultBackoffBase is the first retry delay.
	DefaultBackoffBase = 5 * time.Second
	// DefaultBackoffCap bounds the exponential growth.
	DefaultBackoffCap = 15 * time.Minute
)

// Backoff computes the delay before retry attempt number attempt (1-based:
// attempt 1 is the first retry after the initial failure). The schedule is
// exponential with full jitter: min(cap, base·2^(attempt-1)) scaled by a
// random factor in [0.5, 1.0). rnd supplies the random value in [0, 1);
// pass nil for the default source.
func Backoff(base, cap time.Duration, attempt int, rnd func() float64) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if attempt < 1 {
		attempt = 1
	}
	if rnd == nil {
		rnd = rand.Float64
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap || d < 0 {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	return time.Duration(float64(d) * (0.5 + rnd()/2))
}
