package pacer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/im360john/pacer/internal/backoff"
)

const (
	// jitterFraction bounds the uniform jitter added to computed delays.
	jitterFraction = 0.1
	// intervalSampleCap bounds the recent-interval buffer read by the retune loop.
	intervalSampleCap = 50
	// minAdaptiveSamples is the evidence floor before any retune happens.
	minAdaptiveSamples = 10
	// adaptiveRaiseFactor is how far achievable rate must exceed the configured
	// rate before capacity is raised.
	adaptiveRaiseFactor = 1.2
	// adaptiveHitThreshold is how many consecutive hits force capacity down.
	adaptiveHitThreshold = 3
)

// AdaptiveRateLimiter is the admission gate in front of every physical
// request. It computes a delay from burst occupancy, window occupancy, active
// backoff and per-priority floors, in that fixed order, and periodically
// retunes its own window capacity from observed successful intervals.
// Capacity breaches delay callers, they never drop requests.
type AdaptiveRateLimiter struct {
	mu     sync.Mutex
	config RateLimiterConfig
	calc   *backoff.Calculator

	// sliding timestamp sequences, pruned to their horizons on every call
	window []time.Time
	burst  []time.Time

	// maxPerWindow starts at the configured value and moves under adaptive tuning.
	maxPerWindow int

	lastRequest time.Time

	totalRequests   int64
	totalDelay      time.Duration
	rateLimitHits   int64
	consecutiveHits int
	lastHit         time.Time
	currentBackoff  time.Duration

	lastSuccess   time.Time
	intervals     []time.Duration
	responseTotal time.Duration
	responseCount int64
	lastAdjust    time.Time
}

// NewAdaptiveRateLimiter creates a limiter from config. Zero-valued knobs fall
// back to DefaultRateLimiterConfig values.
func NewAdaptiveRateLimiter(config RateLimiterConfig) *AdaptiveRateLimiter {
	defaults := DefaultRateLimiterConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.BurstWindow <= 0 {
		config.BurstWindow = defaults.BurstWindow
	}
	if config.MaxRequestsPerWindow <= 0 {
		config.MaxRequestsPerWindow = defaults.MaxRequestsPerWindow
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = defaults.MinBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.AdjustInterval <= 0 {
		config.AdjustInterval = defaults.AdjustInterval
	}
	if config.AdjustStep <= 0 {
		config.AdjustStep = defaults.AdjustStep
	}
	if config.WindowUpperBound <= 0 {
		config.WindowUpperBound = defaults.WindowUpperBound
	}
	if config.WindowLowerBound <= 0 {
		config.WindowLowerBound = defaults.WindowLowerBound
	}
	if config.PriorityFloors == nil {
		config.PriorityFloors = defaults.PriorityFloors
	}

	var strategy backoff.Strategy
	switch config.BackoffStrategy {
	case BackoffLinear:
		strategy = backoff.LinearStrategy{}
	case BackoffFibonacci:
		strategy = backoff.FibonacciStrategy{}
	default:
		strategy = backoff.ExponentialStrategy{}
	}
	calc := backoff.NewCalculator(strategy, config.MinBackoff, config.MaxBackoff, config.BackoffMultiplier)

	return &AdaptiveRateLimiter{
		config:         config,
		calc:           calc,
		maxPerWindow:   config.MaxRequestsPerWindow,
		currentBackoff: calc.Floor(),
		lastAdjust:     time.Now(),
	}
}

// Acquire blocks the caller for the computed admission delay and records the
// request in both sliding windows. The sleep happens outside the lock and is
// abandoned if ctx cancels; an abandoned acquire records nothing. Returns the
// delay that was applied.
func (rl *AdaptiveRateLimiter) Acquire(ctx context.Context, priority Priority) (time.Duration, error) {
	now := time.Now()

	rl.mu.Lock()
	rl.pruneLocked(now)
	delay := rl.delayLocked(now, priority)
	rl.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	now = time.Now()
	rl.mu.Lock()
	rl.window = append(rl.window, now)
	rl.burst = append(rl.burst, now)
	rl.lastRequest = now
	rl.totalRequests++
	rl.totalDelay += delay
	rl.retuneLocked(now)
	rl.mu.Unlock()

	return delay, nil
}

// pruneLocked drops timestamps that fell out of their horizons. Caller holds mu.
func (rl *AdaptiveRateLimiter) pruneLocked(now time.Time) {
	windowStart := now.Add(-rl.config.Window)
	i := 0
	for i < len(rl.window) && rl.window[i].Before(windowStart) {
		i++
	}
	rl.window = rl.window[i:]

	burstStart := now.Add(-rl.config.BurstWindow)
	i = 0
	for i < len(rl.burst) && rl.burst[i].Before(burstStart) {
		i++
	}
	rl.burst = rl.burst[i:]
}

// delayLocked computes the admission delay. The checks run in a fixed priority
// order and the first non-zero result wins. Caller holds mu.
func (rl *AdaptiveRateLimiter) delayLocked(now time.Time, priority Priority) time.Duration {
	// Burst check: wait until the oldest burst entry exits the short window.
	if rl.config.BurstLimit > 0 && len(rl.burst) >= rl.config.BurstLimit {
		if d := rl.burst[0].Add(rl.config.BurstWindow).Sub(now); d > 0 {
			return d + rl.jitter(d)
		}
	}

	// Window check: wait until the oldest window entry exits, floored by any
	// active backoff.
	if rl.maxPerWindow > 0 && len(rl.window) >= rl.maxPerWindow {
		d := rl.window[0].Add(rl.config.Window).Sub(now)
		if rl.consecutiveHits > 0 && rl.currentBackoff > d {
			d = rl.currentBackoff
		}
		if d > 0 {
			return d + rl.jitter(d)
		}
	}

	// Backoff check: still inside a backoff period from an earlier hit.
	if rl.consecutiveHits > 0 {
		if rem := rl.lastHit.Add(rl.currentBackoff).Sub(now); rem > 0 {
			return rem
		}
	}

	// Priority floor: minimum spacing since the most recent request.
	if floor := rl.config.PriorityFloors[priority]; floor > 0 && !rl.lastRequest.IsZero() {
		if elapsed := now.Sub(rl.lastRequest); elapsed < floor {
			return floor - elapsed
		}
	}

	return 0
}

// jitter returns a uniform draw in [0, jitterFraction*base] when enabled.
// Spreads retries from independent callers so they do not synchronize.
func (rl *AdaptiveRateLimiter) jitter(base time.Duration) time.Duration {
	if !rl.config.Jitter || base <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * jitterFraction * float64(base))
}

// ReportRateLimitHit escalates backoff after the provider rejected a request.
// A server-suggested delay (Retry-After) is adopted directly, clamped to the
// maximum; otherwise the configured strategy escalates the current value.
func (rl *AdaptiveRateLimiter) ReportRateLimitHit(serverSuggested time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.rateLimitHits++
	rl.consecutiveHits++
	rl.lastHit = time.Now()

	if serverSuggested > 0 {
		rl.currentBackoff = rl.calc.Adopt(serverSuggested)
		return
	}
	rl.currentBackoff = rl.calc.Escalate(rl.currentBackoff)
}

// ReportSuccess records a successful physical attempt. It fully resets any
// active backoff and appends the observed inter-success interval to the
// bounded sample buffer the retune loop reads.
func (rl *AdaptiveRateLimiter) ReportSuccess(responseTime time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.consecutiveHits > 0 {
		rl.consecutiveHits = 0
		rl.currentBackoff = rl.calc.Floor()
	}

	if !rl.lastSuccess.IsZero() {
		rl.intervals = append(rl.intervals, now.Sub(rl.lastSuccess))
		if len(rl.intervals) > intervalSampleCap {
			rl.intervals = rl.intervals[len(rl.intervals)-intervalSampleCap:]
		}
	}
	rl.lastSuccess = now

	if responseTime > 0 {
		rl.responseTotal += responseTime
		rl.responseCount++
	}
}

// retuneLocked is the slow capacity control loop. It only acts when the
// adjustment interval elapsed and enough interval samples accumulated; no
// single sample moves capacity. Caller holds mu; the work is a single pass
// over the bounded sample buffer.
func (rl *AdaptiveRateLimiter) retuneLocked(now time.Time) {
	if !rl.config.Adaptive {
		return
	}
	if now.Sub(rl.lastAdjust) < rl.config.AdjustInterval {
		return
	}
	if len(rl.intervals) < minAdaptiveSamples {
		return
	}
	rl.lastAdjust = now

	var sum time.Duration
	for _, interval := range rl.intervals {
		sum += interval
	}
	avg := sum / time.Duration(len(rl.intervals))
	if avg <= 0 {
		return
	}

	achievable := float64(rl.config.Window) / float64(avg)
	configured := float64(rl.maxPerWindow)

	switch {
	case rl.consecutiveHits == 0 && achievable > configured*adaptiveRaiseFactor:
		rl.maxPerWindow += rl.config.AdjustStep
		if rl.maxPerWindow > rl.config.WindowUpperBound {
			rl.maxPerWindow = rl.config.WindowUpperBound
		}
	case rl.consecutiveHits > adaptiveHitThreshold:
		rl.maxPerWindow -= rl.config.AdjustStep
		if rl.maxPerWindow < rl.config.WindowLowerBound {
			rl.maxPerWindow = rl.config.WindowLowerBound
		}
	}
}

// Reset clears both windows, all counters and backoff state.
func (rl *AdaptiveRateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.window = nil
	rl.burst = nil
	rl.lastRequest = time.Time{}
	rl.totalRequests = 0
	rl.totalDelay = 0
	rl.rateLimitHits = 0
	rl.consecutiveHits = 0
	rl.lastHit = time.Time{}
	rl.currentBackoff = rl.calc.Floor()
	rl.lastSuccess = time.Time{}
	rl.intervals = nil
	rl.responseTotal = 0
	rl.responseCount = 0
	rl.lastAdjust = time.Now()
}

// Rate limiter regimes reported in stats snapshots.
const (
	RegimeNormal        = "normal"
	RegimeBurstLimited  = "burst-limited"
	RegimeWindowLimited = "window-limited"
	RegimeBackingOff    = "backing-off"
)

// RateLimiterStats is a read-only snapshot of limiter state.
type RateLimiterStats struct {
	TotalRequests        int64
	TotalDelay           time.Duration
	RateLimitHits        int64
	ConsecutiveHits      int
	CurrentBackoff       time.Duration
	WindowOccupancy      int
	BurstOccupancy       int
	MaxRequestsPerWindow int
	AvgResponseTime      time.Duration
	Regime               string
}

// Stats returns occupancy, backoff state and the current regime.
func (rl *AdaptiveRateLimiter) Stats() RateLimiterStats {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.pruneLocked(now)

	stats := RateLimiterStats{
		TotalRequests:        rl.totalRequests,
		TotalDelay:           rl.totalDelay,
		RateLimitHits:        rl.rateLimitHits,
		ConsecutiveHits:      rl.consecutiveHits,
		CurrentBackoff:       rl.currentBackoff,
		WindowOccupancy:      len(rl.window),
		BurstOccupancy:       len(rl.burst),
		MaxRequestsPerWindow: rl.maxPerWindow,
		Regime:               RegimeNormal,
	}
	if rl.responseCount > 0 {
		stats.AvgResponseTime = rl.responseTotal / time.Duration(rl.responseCount)
	}

	switch {
	case rl.consecutiveHits > 0 && now.Before(rl.lastHit.Add(rl.currentBackoff)):
		stats.Regime = RegimeBackingOff
	case rl.config.BurstLimit > 0 && len(rl.burst) >= rl.config.BurstLimit:
		stats.Regime = RegimeBurstLimited
	case rl.maxPerWindow > 0 && len(rl.window) >= rl.maxPerWindow:
		stats.Regime = RegimeWindowLimited
	}

	return stats
}

// CurrentBackoff returns the active backoff duration.
func (rl *AdaptiveRateLimiter) CurrentBackoff() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.currentBackoff
}
