package ws

import "time"

// Backoff computes the delay before reconnection attempt n (starting at 1).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff waits the same delay before every attempt and never gives up.
// It is the default policy.
type FixedBackoff time.Duration

func (b FixedBackoff) Delay(int) time.Duration { return time.Duration(b) }

// ExponentialBackoff multiplies Initial by Multiplier for every consecutive
// failed attempt, capped at Max. It is opt-in: it changes observable retry
// timing compared to the fixed default.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}
