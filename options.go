package pacer

import (
	"fmt"
	"time"
)

// WithConnectionConfig sets the pooled client configuration.
func WithConnectionConfig(config ConnectionConfig) Option {
	return func(o *Optimizer) {
		o.connConfig = config
	}
}

// WithRateLimiterConfig sets the admission gate configuration.
func WithRateLimiterConfig(config RateLimiterConfig) Option {
	return func(o *Optimizer) {
		o.limiterConfig = config
	}
}

// WithBatcherConfig sets batching thresholds.
func WithBatcherConfig(config BatcherConfig) Option {
	return func(o *Optimizer) {
		o.batcherConfig = config
	}
}

// WithCacheSize sets the cache byte budget.
func WithCacheSize(maxBytes int) Option {
	return func(o *Optimizer) {
		o.cacheMaxBytes = maxBytes
	}
}

// WithCacheTTL sets the default cache TTL used when a request supplies none.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Optimizer) {
		o.cacheTTL = ttl
	}
}

// WithCaching toggles the response cache.
func WithCaching(enabled bool) Option {
	return func(o *Optimizer) {
		o.cacheEnabled = enabled
	}
}

// WithDeduplication toggles in-flight request deduplication.
func WithDeduplication(enabled bool) Option {
	return func(o *Optimizer) {
		o.dedupEnabled = enabled
	}
}

// WithCircuitBreaker enables a circuit breaker with the given thresholds.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(o *Optimizer) {
		o.breaker = NewCircuitBreaker(config)
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(o *Optimizer) {
		o.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(o *Optimizer) {
		o.metrics = collector
	}
}

// WithLogger sets the logger for debug output.
func WithLogger(logger Logger) Option {
	return func(o *Optimizer) {
		o.logger = logger
	}
}

// WithDebug enables debug logging with default configuration.
func WithDebug() Option {
	return func(o *Optimizer) {
		if o.debug == nil {
			o.debug = DefaultDebugConfig()
		}
		o.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(o *Optimizer) {
		o.debug = config
	}
}

// WithIdempotentCondition overrides which requests are treated as idempotent.
func WithIdempotentCondition(fn IdempotentCondition) Option {
	return func(o *Optimizer) {
		o.idempotent = fn
	}
}

// WithDeduplicationKeyFunc overrides deduplication key derivation.
func WithDeduplicationKeyFunc(fn func(*Request) string) Option {
	return func(o *Optimizer) {
		o.dedupKeyFunc = fn
	}
}

// ValidateConfiguration validates the optimizer configuration and returns an
// error listing every problem found.
func (o *Optimizer) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, o.validateConnectionConfig()...)
	problems = append(problems, o.validateLimiterConfig()...)
	problems = append(problems, o.validateCacheConfig()...)
	problems = append(problems, o.validateBatcherConfig()...)
	problems = append(problems, o.validateDebugConfig()...)

	if len(problems) > 0 {
		return &OptimizerError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", problems),
		}
	}

	return nil
}

func (o *Optimizer) validateConnectionConfig() []string {
	var problems []string

	if o.connConfig.MaxConns <= 0 {
		problems = append(problems, "connection MaxConns must be positive")
	}
	if o.connConfig.MaxIdleConns < 0 {
		problems = append(problems, "connection MaxIdleConns must be non-negative")
	}
	if o.connConfig.ConnectTimeout <= 0 {
		problems = append(problems, "connection ConnectTimeout must be positive")
	}
	if o.connConfig.RequestTimeout <= 0 {
		problems = append(problems, "connection RequestTimeout must be positive")
	}

	return problems
}

func (o *Optimizer) validateLimiterConfig() []string {
	var problems []string

	cfg := o.limiterConfig
	if cfg.MaxRequestsPerWindow < 0 {
		problems = append(problems, "limiter MaxRequestsPerWindow must be non-negative")
	}
	if cfg.BurstLimit < 0 {
		problems = append(problems, "limiter BurstLimit must be non-negative")
	}
	if cfg.MinBackoff < 0 || cfg.MaxBackoff < 0 {
		problems = append(problems, "limiter backoff bounds must be non-negative")
	}
	if cfg.MinBackoff > 0 && cfg.MaxBackoff > 0 && cfg.MaxBackoff < cfg.MinBackoff {
		problems = append(problems, "limiter MaxBackoff must be greater than or equal to MinBackoff")
	}
	if cfg.BackoffMultiplier < 0 {
		problems = append(problems, "limiter BackoffMultiplier must be non-negative")
	}
	if cfg.Adaptive && cfg.WindowLowerBound > 0 && cfg.WindowUpperBound > 0 &&
		cfg.WindowLowerBound > cfg.WindowUpperBound {
		problems = append(problems, "limiter WindowLowerBound must not exceed WindowUpperBound")
	}

	return problems
}

func (o *Optimizer) validateCacheConfig() []string {
	var problems []string

	if o.cacheEnabled && o.cacheTTL <= 0 {
		problems = append(problems, "cacheTTL must be positive when caching is enabled")
	}
	if o.cacheEnabled && o.cacheMaxBytes < 0 {
		problems = append(problems, "cacheMaxBytes must be non-negative")
	}

	return problems
}

func (o *Optimizer) validateBatcherConfig() []string {
	var problems []string

	cfg := o.batcherConfig
	if cfg.MaxBatchSize <= 0 {
		problems = append(problems, "batcher MaxBatchSize must be positive")
	}
	if cfg.BatchTimeout <= 0 {
		problems = append(problems, "batcher BatchTimeout must be positive")
	}
	if cfg.MaxWait < cfg.BatchTimeout {
		problems = append(problems, "batcher MaxWait must be at least BatchTimeout")
	}

	return problems
}

func (o *Optimizer) validateDebugConfig() []string {
	var problems []string

	if o.debug == nil {
		problems = append(problems, "debug configuration cannot be nil")
		return problems
	}
	if o.debug.Enabled && o.logger == nil {
		problems = append(problems, "logger must be set when debug is enabled")
	}
	if o.debug.Enabled && o.debug.RequestIDGen == nil {
		problems = append(problems, "debug RequestIDGen must be set when debug is enabled")
	}

	return problems
}
