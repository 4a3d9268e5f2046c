package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// DelayFunc returns how long a failed record waits before its next delivery attempt.
// attempt is the number of attempts that failed before the current one (0 for the first).
type DelayFunc func(attempt int) time.Duration

// Fixed returns a DelayFunc that waits the same delay after every failed attempt.
func Fixed(delay time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc that doubles the delay after every failed attempt,
// capped at maxDelay. With 200ms and 1h the retries wait 200ms, 400ms, 800ms, ...
// reaching 54m36.8s after attempt 14 and 1h from attempt 15 on.
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	// Pre-calculate max shifts to prevent overflow
	var maxShifts uint
	if delay > 0 {
		logDelay := math.Floor(math.Log2(float64(delay)))
		if logDelay < 62 {
			maxShifts = 62 - uint(logDelay)
		}
	}

	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(attempt), maxShifts)

		return min(delay<<n, maxDelay)
	}
}

// Jittered spreads the delays of next by up to ratio (0..1) in either direction, so
// records that failed together do not retry in lockstep.
func Jittered(next DelayFunc, ratio float64) DelayFunc {
	ratio = max(0, min(ratio, 1))

	return func(attempt int) time.Duration {
		d := next(attempt)
		if d <= 0 || ratio == 0 {
			return d
		}
		spread := float64(d) * ratio
		// nolint:gosec
		return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
}
