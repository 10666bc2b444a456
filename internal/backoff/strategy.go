package backoff

import "time"

// goldenRatio drives the fibonacci-like growth curve. Successive fibonacci
// numbers converge to this ratio, which gives smoother escalation than
// doubling without tracking the full sequence.
const goldenRatio = 1.618033988749895

// Strategy defines how the current backoff escalates after one more
// consecutive rate limit hit. Implementations are stateless; the caller owns
// the current value and the clamping bounds.
type Strategy interface {
	// Next returns the escalated backoff given the current value. min is the
	// configured backoff floor, multiplier only applies to the exponential
	// strategy. The result is unclamped; the Calculator clamps it.
	Next(current, min time.Duration, multiplier float64) time.Duration
}

// LinearStrategy grows backoff by one backoff floor per hit.
type LinearStrategy struct{}

// Next implements the Strategy interface for linear growth.
func (LinearStrategy) Next(current, min time.Duration, _ float64) time.Duration {
	if current <= 0 {
		return min
	}
	return current + min
}

// ExponentialStrategy multiplies backoff by the configured multiplier per hit.
type ExponentialStrategy struct{}

// Next implements the Strategy interface for exponential growth.
func (ExponentialStrategy) Next(current, min time.Duration, multiplier float64) time.Duration {
	if current <= 0 {
		current = min
	}
	if multiplier <= 1 {
		multiplier = 2.0
	}
	return time.Duration(float64(current) * multiplier)
}

// FibonacciStrategy multiplies backoff by the golden ratio per hit,
// approximating fibonacci growth without carrying sequence state.
type FibonacciStrategy struct{}

// Next implements the Strategy interface for fibonacci-like growth.
func (FibonacciStrategy) Next(current, min time.Duration, _ float64) time.Duration {
	if current <= 0 {
		current = min
	}
	return time.Duration(float64(current) * goldenRatio)
}
