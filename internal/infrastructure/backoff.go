package infrastructure

import (
	"math"
	"math/rand"
	"time"
)

type jitterBackoff struct {
	factor float64
	min    time.Duration
	max    time.Duration
}

func newJitterBackoff(factor float64, min, max, defaultMin, defaultMax time.Duration) jitterBackoff {
	if factor < 1 {
		factor = 2.0
	}
	if min <= 0 {
		min = defaultMin
	}
	if max <= 0 {
		max = defaultMax
	}
	if max < min {
		max = min
	}
	return jitterBackoff{factor: factor, min: min, max: max}
}

// delay grows min exponentially with attempt, adds jitter and caps at max.
func (b jitterBackoff) delay(attempt int, rng *rand.Rand) time.Duration {
	backoff := float64(b.min) * math.Pow(b.factor, float64(attempt))
	if backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	base := time.Duration(backoff)
	if b.max <= b.min {
		return base
	}

	jitterWindow := b.max - b.min
	jitter := time.Duration(rng.Int63n(int64(jitterWindow) + 1))
	result := base + jitter
	if result > b.max {
		return b.max
	}

	return result
}
