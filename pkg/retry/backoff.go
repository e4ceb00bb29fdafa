package retry

import (
	"math"
	"time"
)

// Backoff computes exponential delays for a policy
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
}

// NewBackoff creates a backoff calculator from a policy
func NewBackoff(policy Policy) *Backoff {
	multiplier := policy.Multiplier
	if multiplier == 0 {
		multiplier = 2.0
	}
	return &Backoff{
		initial:    policy.InitialDelay,
		max:        policy.MaxDelay,
		multiplier: multiplier,
	}
}

// Calculate returns the delay before the given attempt (1-based)
func (b *Backoff) Calculate(attempt int) time.Duration {
	if attempt <= 0 || b.initial == 0 {
		return 0
	}
	delay := time.Duration(float64(b.initial) * math.Pow(b.multiplier, float64(attempt-1)))
	if b.max > 0 && delay > b.max {
		return b.max
	}
	return delay
}
