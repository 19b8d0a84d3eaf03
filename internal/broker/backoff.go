package broker

import (
	"math/rand"
	"time"
)

const (
	retryCap    = 5 * time.Minute
	retryJitter = 0.25
)

// RetryDelay computes the delay before the n-th redelivery (n starts at 0):
// min(base·2^n, 5m) with ±25% jitter so retries from a burst spread out.
func RetryDelay(base time.Duration, n int) time.Duration {
	if base <= 0 {
		base = time.Second
	}

	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= retryCap {
			d = retryCap
			break
		}
	}

	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	out := time.Duration(float64(d) * jitter)
	if out > retryCap {
		out = retryCap
	}
	if out < time.Millisecond {
		out = time.Millisecond
	}
	return out
}
