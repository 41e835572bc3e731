package delegation

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays: exponential doubling from Base,
// capped at Cap, with multiplicative jitter in [0.5, 1.0).
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration

	// jitter returns a value in [0, 1). Overridable for deterministic tests.
	jitter func() float64
}

// NewBackoffPolicy builds a policy from millisecond config values.
func NewBackoffPolicy(baseMs, capMs int) BackoffPolicy {
	return BackoffPolicy{
		Base:   time.Duration(baseMs) * time.Millisecond,
		Cap:    time.Duration(capMs) * time.Millisecond,
		jitter: rand.Float64,
	}
}

// Delay returns the wait before the next attempt, given the number of
// failures so far. The first failure (attempts=1) waits Base scaled by
// jitter; each further failure doubles the window up to Cap.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := p.Cap
	// Shifting past 62 bits overflows; any realistic attempt count is far
	// below that and beyond the cap anyway.
	if attempts-1 < 32 {
		d = p.Base << (attempts - 1)
		if d <= 0 || d > p.Cap {
			d = p.Cap
		}
	}

	j := p.jitter
	if j == nil {
		j = rand.Float64
	}
	return time.Duration(float64(d) * (0.5 + j()*0.5))
}
