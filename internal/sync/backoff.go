package sync

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// calcBackoff computes exponential backoff with ±25% jitter, capped at max
// before jitter is applied.
func calcBackoff(base, maxDelay time.Duration, attempt int) time.Duration {
	backoff := float64(base) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}
