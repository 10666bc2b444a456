package backoff

import "time"

// Calculator applies a Strategy within fixed [min, max] bounds. It centralizes
// the clamping and the server-directed override so the rate limiter holds a
// single escalation entry point regardless of strategy.
type Calculator struct {
	strategy   Strategy
	min        time.Duration
	max        time.Duration
	multiplier float64
}

// NewCalculator creates a calculator with the given strategy and bounds.
func NewCalculator(strategy Strategy, min, max time.Duration, multiplier float64) *Calculator {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &Calculator{
		strategy:   strategy,
		min:        min,
		max:        max,
		multiplier: multiplier,
	}
}

// Escalate returns the backoff after one more consecutive hit, clamped to
// [min, max].
func (c *Calculator) Escalate(current time.Duration) time.Duration {
	return c.clamp(c.strategy.Next(current, c.min, c.multiplier))
}

// Adopt returns a server-suggested delay clamped to [min, max]. Used when the
// provider supplies a Retry-After value, which takes precedence over the
// configured strategy.
func (c *Calculator) Adopt(suggested time.Duration) time.Duration {
	return c.clamp(suggested)
}

// Floor returns the configured minimum backoff, the value backoff resets to
// on a reported success.
func (c *Calculator) Floor() time.Duration {
	return c.min
}

// Ceiling returns the configured maximum backoff.
func (c *Calculator) Ceiling() time.Duration {
	return c.max
}

func (c *Calculator) clamp(d time.Duration) time.Duration {
	if d < c.min {
		return c.min
	}
	if d > c.max {
		return c.max
	}
	return d
}
