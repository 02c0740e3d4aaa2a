package outbox

import (
	"math/rand/v2"
	"time"
)

const (
	jitterLow  = 0.5
	jitterSpan = 1.0
)

// Backoff computes retry delays: min(Max, Base * 2^attempt), optionally
// scaled by a random factor in [0.5, 1.5) and clamped to Max again.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before the next attempt, given the number of
// attempts already made before the failure being scheduled.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && delay >= b.Max {
			break
		}
		if delay > maxDuration/2 {
			delay = maxDuration

			break
		}
		delay *= 2
	}
	delay = b.clamp(delay)

	if b.Jitter {
		random := b.Rand
		if random == nil {
			random = rand.Float64
		}
		scaled := float64(delay) * (jitterLow + random()*jitterSpan)
		if scaled >= float64(maxDuration) {
			delay = maxDuration
		} else {
			delay = time.Duration(scaled)
		}
		delay = b.clamp(delay)
	}

	return delay
}

func (b Backoff) clamp(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}

	return d
}

const maxDuration = time.Duration(1<<63 - 1)
