package pacer

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the optimizer's request
// lifecycle and traffic-control layers. It is safe for concurrent use and all
// record methods are nil-receiver safe.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheBytes  *prometheus.GaugeVec

	dedupMerges *prometheus.CounterVec

	batchFlushes *prometheus.CounterVec
	batchSize    *prometheus.HistogramVec

	limiterDelay     *prometheus.HistogramVec
	limiterOccupancy *prometheus.GaugeVec
	backoffSeconds   *prometheus.GaugeVec
	rateLimitHits    *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	registry prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_requests_total",
				Help: "Total number of logical requests processed",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pacer_request_duration_seconds",
				Help:    "Duration of requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacer_requests_in_flight",
				Help: "Number of requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"method", "endpoint"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"method", "endpoint"},
		),
		cacheBytes: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacer_cache_bytes",
				Help: "Bytes currently occupied by cached entries",
			},
			[]string{"name"},
		),
		dedupMerges: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_deduplication_merges_total",
				Help: "Total number of requests merged into an identical in-flight request",
			},
			[]string{"method", "endpoint"},
		),
		batchFlushes: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_batch_flushes_total",
				Help: "Total number of batch flushes",
			},
			[]string{"trigger"},
		),
		batchSize: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pacer_batch_size",
				Help:    "Number of items per flushed batch",
				Buckets: []float64{1, 2, 5, 10, 20, 50},
			},
			[]string{"key"},
		),
		limiterDelay: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pacer_rate_limiter_delay_seconds",
				Help:    "Admission delay applied by the rate limiter",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"priority"},
		),
		limiterOccupancy: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacer_rate_limiter_occupancy",
				Help: "Current request count in each sliding window",
			},
			[]string{"window"},
		),
		backoffSeconds: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacer_backoff_seconds",
				Help: "Current backoff duration in seconds",
			},
			[]string{"name"},
		),
		rateLimitHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_rate_limit_hits_total",
				Help: "Total number of provider rate limit rejections reported",
			},
			[]string{"endpoint"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pacer_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pacer_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "method", "endpoint"},
		),
		registry: registry,
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheBytes sets the cache occupancy gauge.
func (mc *MetricsCollector) RecordCacheBytes(name string, bytes int) {
	if mc == nil {
		return
	}

	mc.cacheBytes.WithLabelValues(name).Set(float64(bytes))
}

// RecordDedupMerge increments the merged-waiter counter.
func (mc *MetricsCollector) RecordDedupMerge(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.dedupMerges.WithLabelValues(method, endpoint).Inc()
}

// RecordBatchFlush records one flush and the size of the flushed batch.
func (mc *MetricsCollector) RecordBatchFlush(trigger, key string, size int) {
	if mc == nil {
		return
	}

	mc.batchFlushes.WithLabelValues(trigger).Inc()
	mc.batchSize.WithLabelValues(key).Observe(float64(size))
}

// RecordLimiterDelay observes an applied admission delay.
func (mc *MetricsCollector) RecordLimiterDelay(priority Priority, delay time.Duration) {
	if mc == nil {
		return
	}

	mc.limiterDelay.WithLabelValues(priority.String()).Observe(delay.Seconds())
}

// RecordLimiterOccupancy sets both sliding-window occupancy gauges.
func (mc *MetricsCollector) RecordLimiterOccupancy(window, burst int) {
	if mc == nil {
		return
	}

	mc.limiterOccupancy.WithLabelValues("window").Set(float64(window))
	mc.limiterOccupancy.WithLabelValues("burst").Set(float64(burst))
}

// RecordBackoff sets the current backoff gauge.
func (mc *MetricsCollector) RecordBackoff(name string, backoff time.Duration) {
	if mc == nil {
		return
	}

	mc.backoffSeconds.WithLabelValues(name).Set(backoff.Seconds())
}

// RecordRateLimitHit increments the provider rejection counter.
func (mc *MetricsCollector) RecordRateLimitHit(endpoint string) {
	if mc == nil {
		return
	}

	mc.rateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordCircuitBreakerState sets the gauge to the breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(stateValue)
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}
