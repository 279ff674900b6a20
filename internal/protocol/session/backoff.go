package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the wait before dial attempt N (1-based). A nil rng
// with jitter enabled uses the midpoint factor 0.5.
func NextBackoffDelay(b BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || b.InitialDelay <= 0 {
		return jitter(b, float64(b.InitialDelay), rng)
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	return jitter(b, delay, rng)
}

func jitter(b BackoffConfig, delay float64, rng *rand.Rand) time.Duration {
	if !b.Jitter || delay <= 0 {
		return time.Duration(delay)
	}
	f := 0.5
	if rng != nil {
		f = 0.5 + rng.Float64()
	}
	return time.Duration(delay * f)
}
