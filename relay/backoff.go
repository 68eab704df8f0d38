package relay

import (
	"math/rand/v2"
	"time"
)

// Backoff is the doubling wait policy between failed connection attempts.
type Backoff struct {
	Initial time.Duration
	Ceiling time.Duration
}

// DefaultBackoff starts at one second and caps at one minute.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Ceiling: time.Minute}
}

// Next returns min(current*2, Ceiling). A non-positive current restarts at
// Initial.
func (b Backoff) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return b.Initial
	}
	if current > b.Ceiling/2 {
		return b.Ceiling
	}
	return current * 2
}

// UniformJitter returns a jitter source drawing uniformly from [0, max).
func UniformJitter(max time.Duration) func() time.Duration {
	return func() time.Duration {
		if max <= 0 {
			return 0
		}
		return rand.N(max)
	}
}
