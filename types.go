package pacer

import (
	"net/http"
	"time"
)

// Priority classifies a request for admission scheduling. Higher priority
// requests get a smaller minimum inter-request interval from the rate limiter.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// String returns the label used for metrics and logging.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Request describes one logical API request handed to the optimizer.
// Body is the raw request payload; for JSON bodies the deduplicator
// canonicalizes it before key derivation.
type Request struct {
	Method   string
	URL      string
	Headers  map[string]string
	Body     []byte
	CacheKey string        // empty disables caching for this request
	CacheTTL time.Duration // zero falls back to the configured default TTL
	Priority Priority
	Timeout  time.Duration // zero falls back to the configured request timeout
}

// Response is the parsed result of one physical request. A Response is only
// returned for 2xx statuses; anything else surfaces as an *OptimizerError.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ConnectionConfig tunes the pooled HTTP client owned by the ConnectionManager.
type ConnectionConfig struct {
	MaxConns              int
	MaxIdleConns          int
	IdleConnTimeout       time.Duration
	ConnectTimeout        time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	RequestTimeout        time.Duration
}

// DefaultConnectionConfig returns the pool settings used when none are supplied.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		MaxConns:              20,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ConnectTimeout:        10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		RequestTimeout:        30 * time.Second,
	}
}

// RateLimiterConfig holds the window, burst, backoff and adaptive tuning knobs
// for the AdaptiveRateLimiter.
type RateLimiterConfig struct {
	MaxRequestsPerWindow int
	Window               time.Duration
	BurstLimit           int
	BurstWindow          time.Duration

	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	BackoffStrategy   BackoffStrategy

	Jitter bool

	Adaptive         bool
	AdjustInterval   time.Duration
	AdjustStep       int
	WindowUpperBound int
	WindowLowerBound int

	// PriorityFloors is the minimum inter-request interval per priority class.
	PriorityFloors map[Priority]time.Duration
}

// BackoffStrategy selects how backoff escalates on consecutive rate limit hits.
type BackoffStrategy int

const (
	BackoffExponential BackoffStrategy = iota
	BackoffLinear
	BackoffFibonacci
)

// String returns the label used for metrics and logging.
func (s BackoffStrategy) String() string {
	switch s {
	case BackoffLinear:
		return "linear"
	case BackoffFibonacci:
		return "fibonacci"
	default:
		return "exponential"
	}
}

// DefaultRateLimiterConfig returns limiter settings tuned for a typical
// externally rate-limited API.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxRequestsPerWindow: 100,
		Window:               10 * time.Second,
		BurstLimit:           5,
		BurstWindow:          2 * time.Second,
		MinBackoff:           100 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		BackoffMultiplier:    2.0,
		BackoffStrategy:      BackoffExponential,
		Jitter:               true,
		Adaptive:             true,
		AdjustInterval:       5 * time.Minute,
		AdjustStep:           10,
		WindowUpperBound:     100,
		WindowLowerBound:     20,
		PriorityFloors: map[Priority]time.Duration{
			PriorityHigh:   50 * time.Millisecond,
			PriorityNormal: 100 * time.Millisecond,
			PriorityLow:    200 * time.Millisecond,
		},
	}
}

// BatcherConfig holds batching thresholds.
type BatcherConfig struct {
	MaxBatchSize int
	BatchTimeout time.Duration // flush timer armed on first enqueue
	MaxWait      time.Duration // hard ceiling on a caller's wait for its batch
}

// DefaultBatcherConfig returns the batching thresholds used when none are supplied.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxBatchSize: 10,
		BatchTimeout: 100 * time.Millisecond,
		MaxWait:      5 * time.Second,
	}
}

// CircuitBreakerConfig holds circuit breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// IdempotentCondition decides whether a request may be served from cache or
// merged with identical in-flight requests.
type IdempotentCondition func(req *Request) bool

// DefaultIdempotentCondition treats GET-equivalent methods as idempotent.
func DefaultIdempotentCondition(req *Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Option configures an Optimizer.
type Option func(*Optimizer)
