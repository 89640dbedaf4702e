package enrich

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// NewBackoff returns the retry delay policy: base after the first failure,
// doubling per further failure, capped at ceiling. There is no jitter so the
// schedule is reproducible.
func NewBackoff(base, ceiling time.Duration) func(retryCount int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	return func(retryCount int) time.Duration {
		if retryCount < 1 {
			retryCount = 1
		}
		b := &backoff.ExponentialBackOff{
			InitialInterval:     base,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         ceiling,
		}
		b.Reset()

		d := base
		for i := 0; i < retryCount && d < ceiling; i++ {
			d = b.NextBackOff()
		}
		if d > ceiling {
			d = ceiling
		}
		return d
	}
}
