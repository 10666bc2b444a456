package pacer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"
)

// responseSampleCap bounds the per-optimizer response time sample used for
// percentile reporting.
const responseSampleCap = 256

// Optimizer is the client-side traffic-control layer placed in front of an
// external rate-limited HTTP API. On each request it consults the cache, the
// deduplicator, the circuit breaker and the rate limiter before issuing one
// physical call through the pooled connection manager. It never retries;
// retry policy belongs to the caller. Safe for concurrent use.
type Optimizer struct {
	cache   *ByteBoundedCache
	conns   *ConnectionManager
	dedup   *RequestDeduplicator
	batcher *RequestBatcher
	limiter *AdaptiveRateLimiter
	breaker *CircuitBreaker
	metrics *MetricsCollector
	logger  Logger
	debug   *DebugConfig

	idempotent   IdempotentCondition
	dedupKeyFunc func(*Request) string

	cacheEnabled bool
	dedupEnabled bool

	connConfig    ConnectionConfig
	limiterConfig RateLimiterConfig
	batcherConfig BatcherConfig
	cacheMaxBytes int
	cacheTTL      time.Duration

	mu     sync.Mutex
	closed bool

	stats optimizerStats

	validationError error
}

// optimizerStats is the coordinator's bounded metrics state. It has its own
// lock so cache, limiter and dedup locking never couple to bookkeeping.
type optimizerStats struct {
	mu sync.Mutex

	totalRequests int64
	cacheHits     int64
	cacheMisses   int64
	deduplicated  int64
	batched       int64
	errors        int64

	totalResponseTime time.Duration
	minResponseTime   time.Duration
	maxResponseTime   time.Duration
	timed             int64
	samples           []time.Duration
}

func (s *optimizerStats) recordTiming(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalResponseTime += d
	s.timed++
	if s.minResponseTime == 0 || d < s.minResponseTime {
		s.minResponseTime = d
	}
	if d > s.maxResponseTime {
		s.maxResponseTime = d
	}
	s.samples = append(s.samples, d)
	if len(s.samples) > responseSampleCap {
		s.samples = s.samples[len(s.samples)-responseSampleCap:]
	}
}

func (s *optimizerStats) add(field *int64, n int64) {
	s.mu.Lock()
	*field += n
	s.mu.Unlock()
}

// New constructs an Optimizer using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Optimizer {
	o := &Optimizer{
		connConfig:    DefaultConnectionConfig(),
		limiterConfig: DefaultRateLimiterConfig(),
		batcherConfig: DefaultBatcherConfig(),
		cacheMaxBytes: 50 * 1024 * 1024,
		cacheTTL:      5 * time.Minute,
		cacheEnabled:  true,
		dedupEnabled:  true,
		idempotent:    DefaultIdempotentCondition,
		dedupKeyFunc:  DeduplicationKey,
		debug:         DefaultDebugConfig(),
	}

	for _, option := range options {
		option(o)
	}

	if o.debug == nil {
		o.debug = DefaultDebugConfig()
	}

	o.cache = NewByteBoundedCache(o.cacheMaxBytes, o.cacheTTL)
	o.cache.SetEnabled(o.cacheEnabled)
	o.conns = NewConnectionManager(o.connConfig)
	o.dedup = NewRequestDeduplicator()
	o.limiter = NewAdaptiveRateLimiter(o.limiterConfig)
	o.batcher = NewRequestBatcher(o.batcherConfig)
	o.batcher.metrics = o.metrics

	if err := o.ValidateConfiguration(); err != nil {
		o.validationError = err
	}

	return o
}

// Do performs one optimized request: cache fast path, dedup join or register,
// admission delay, physical call, cache store and metrics. The returned
// failure is the underlying transport or status error; it is never retried
// here and never cached.
func (o *Optimizer) Do(ctx context.Context, req *Request) (*Response, error) {
	if o.isClosed() {
		return nil, ErrClosed
	}

	start := time.Now()
	endpoint := endpointFromURL(req.URL)

	var requestID string
	if o.debug != nil && o.debug.Enabled && o.debug.RequestIDGen != nil {
		requestID = o.debug.RequestIDGen()
	}

	o.stats.add(&o.stats.totalRequests, 1)
	o.metrics.RecordRequestStart(req.Method, endpoint)
	defer o.metrics.RecordRequestEnd(req.Method, endpoint)

	idempotent := o.idempotent(req)
	cacheable := o.cacheEnabled && idempotent && req.CacheKey != ""

	if cacheable {
		if value, ok := o.cache.Get(req.CacheKey); ok {
			resp := value.(*Response)
			o.stats.add(&o.stats.cacheHits, 1)
			o.metrics.RecordCacheHit(req.Method, endpoint)
			o.metrics.RecordRequest(req.Method, endpoint, resp.StatusCode, time.Since(start))
			o.debugLog(o.debug.LogCache, "cache hit", "requestID", requestID, "cacheKey", req.CacheKey)
			return resp, nil
		}
		o.stats.add(&o.stats.cacheMisses, 1)
		o.metrics.RecordCacheMiss(req.Method, endpoint)
	}

	var resp *Response
	var err error

	if o.dedupEnabled && idempotent {
		dedupKey := o.dedupKeyFunc(req)
		entry, owner := o.dedup.GetOrCreate(dedupKey)
		if !owner {
			o.stats.add(&o.stats.deduplicated, 1)
			o.metrics.RecordDedupMerge(req.Method, endpoint)
			o.debugLog(o.debug.LogDedup, "merged into in-flight request", "requestID", requestID, "dedupKey", dedupKey)
			resp, err = entry.Wait(ctx)
		} else {
			resp, err = o.execute(ctx, req, endpoint, requestID, cacheable)
			o.dedup.Complete(dedupKey, resp, err)
		}
	} else {
		resp, err = o.execute(ctx, req, endpoint, requestID, cacheable)
	}

	duration := time.Since(start)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	o.metrics.RecordRequest(req.Method, endpoint, statusCode, duration)
	if err == nil {
		o.stats.recordTiming(duration)
	} else {
		o.stats.add(&o.stats.errors, 1)
	}

	return resp, err
}

// execute issues exactly one physical request. It owns the circuit breaker
// and rate limiter interaction and the per-attempt feedback reporting.
func (o *Optimizer) execute(ctx context.Context, req *Request, endpoint, requestID string, cacheable bool) (*Response, error) {
	if o.breaker != nil && !o.breaker.Allow() {
		o.metrics.RecordError(ErrorTypeCircuitOpen, req.Method, endpoint)
		o.metrics.RecordCircuitBreakerState("default", o.breaker.State())
		return nil, &OptimizerError{
			Type:      ErrorTypeCircuitOpen,
			Message:   "circuit breaker is open",
			Cause:     ErrCircuitOpen,
			RequestID: requestID,
			Method:    req.Method,
			URL:       req.URL,
			Timestamp: time.Now(),
		}
	}

	delay, err := o.limiter.Acquire(ctx, req.Priority)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordLimiterDelay(req.Priority, delay)
	if delay > 0 {
		o.debugLog(o.debug.LogRateLimit, "admission delayed", "requestID", requestID, "delay", delay, "priority", req.Priority.String())
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &OptimizerError{
			Type:      ErrorTypeTransport,
			Message:   "invalid request",
			Cause:     err,
			RequestID: requestID,
			Method:    req.Method,
			URL:       req.URL,
			Timestamp: time.Now(),
		}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	attemptStart := time.Now()
	httpResp, err := o.conns.Client().Do(httpReq)
	attemptDuration := time.Since(attemptStart)

	if err != nil {
		o.recordFailure()
		o.metrics.RecordError(ErrorTypeTransport, req.Method, endpoint)
		return nil, &OptimizerError{
			Type:      ErrorTypeTransport,
			Message:   "request failed",
			Cause:     err,
			RequestID: requestID,
			Method:    req.Method,
			URL:       req.URL,
			Timestamp: time.Now(),
			Duration:  attemptDuration,
		}
	}

	respBody, readErr := io.ReadAll(httpResp.Body)
	_ = httpResp.Body.Close()
	if readErr != nil {
		o.recordFailure()
		o.metrics.RecordError(ErrorTypeTransport, req.Method, endpoint)
		return nil, &OptimizerError{
			Type:      ErrorTypeTransport,
			Message:   "reading response body failed",
			Cause:     readErr,
			RequestID: requestID,
			Method:    req.Method,
			URL:       req.URL,
			Timestamp: time.Now(),
			Duration:  attemptDuration,
		}
	}

	if httpResp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(httpResp.Header)
		o.limiter.ReportRateLimitHit(retryAfter)
		o.recordFailure()
		o.metrics.RecordRateLimitHit(endpoint)
		o.metrics.RecordBackoff("default", o.limiter.CurrentBackoff())
		o.metrics.RecordError(ErrorTypeHTTP, req.Method, endpoint)
		o.debugLog(o.debug.LogRateLimit, "provider rate limit hit", "requestID", requestID, "retryAfter", retryAfter)
		return nil, o.statusError(req, requestID, httpResp.StatusCode, attemptDuration)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		o.recordFailure()
		o.metrics.RecordError(ErrorTypeHTTP, req.Method, endpoint)
		return nil, o.statusError(req, requestID, httpResp.StatusCode, attemptDuration)
	}

	o.limiter.ReportSuccess(attemptDuration)
	if o.breaker != nil {
		o.breaker.RecordSuccess()
		o.metrics.RecordCircuitBreakerState("default", o.breaker.State())
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       respBody,
	}

	if cacheable {
		o.cache.Put(req.CacheKey, resp, req.CacheTTL)
		o.metrics.RecordCacheBytes("default", o.cache.Stats().Bytes)
		o.debugLog(o.debug.LogCache, "response cached", "requestID", requestID, "cacheKey", req.CacheKey)
	}

	limiterStats := o.limiter.Stats()
	o.metrics.RecordLimiterOccupancy(limiterStats.WindowOccupancy, limiterStats.BurstOccupancy)

	return resp, nil
}

func (o *Optimizer) statusError(req *Request, requestID string, statusCode int, duration time.Duration) *OptimizerError {
	return &OptimizerError{
		Type:       ErrorTypeHTTP,
		Message:    fmt.Sprintf("unexpected status %d", statusCode),
		RequestID:  requestID,
		Method:     req.Method,
		URL:        req.URL,
		StatusCode: statusCode,
		Timestamp:  time.Now(),
		Duration:   duration,
	}
}

func (o *Optimizer) recordFailure() {
	if o.breaker != nil {
		o.breaker.RecordFailure()
		o.metrics.RecordCircuitBreakerState("default", o.breaker.State())
	}
}

func (o *Optimizer) debugLog(flag bool, msg string, args ...any) {
	if o.debug != nil && o.debug.Enabled && flag && o.logger != nil {
		o.logger.Debug(msg, args...)
	}
}

// Batch enqueues item under batchKey and blocks until the batch flushes and
// this item's result arrives. execute must return one result per item.
func (o *Optimizer) Batch(ctx context.Context, batchKey string, item any, execute BatchExecutor) (any, error) {
	if o.isClosed() {
		return nil, ErrClosed
	}
	o.stats.add(&o.stats.batched, 1)
	return o.batcher.Enqueue(ctx, batchKey, item, execute)
}

// ReportSuccess feeds a successful physical attempt performed outside the
// optimizer into the rate limiter's recovery and adaptive tuning state.
func (o *Optimizer) ReportSuccess(responseTime time.Duration) {
	o.limiter.ReportSuccess(responseTime)
}

// ReportRateLimitHit feeds a provider rejection observed outside the
// optimizer into backoff escalation. retryAfter is the server-suggested
// delay, zero when the server supplied none.
func (o *Optimizer) ReportRateLimitHit(retryAfter time.Duration) {
	o.limiter.ReportRateLimitHit(retryAfter)
	o.metrics.RecordBackoff("default", o.limiter.CurrentBackoff())
}

// Invalidate removes cached entries matching pattern (all entries when the
// pattern is empty). Returns the number removed.
func (o *Optimizer) Invalidate(pattern string) int {
	removed := o.cache.Invalidate(pattern)
	o.metrics.RecordCacheBytes("default", o.cache.Stats().Bytes)
	return removed
}

// Close releases pooled connections. Idempotent; requests after Close fail
// with ErrClosed.
func (o *Optimizer) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.conns.Close()
}

func (o *Optimizer) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// IsValid reports whether configuration validation passed at construction.
func (o *Optimizer) IsValid() bool {
	return o.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (o *Optimizer) ValidationError() error {
	return o.validationError
}

// parseRetryAfter reads a Retry-After header as either delta-seconds or an
// HTTP date. Returns zero when absent or unparseable.
func parseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// endpointFromURL extracts host+path for metric labels.
func endpointFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	endpoint := u.Host
	if u.Path != "" && u.Path != "/" {
		endpoint += u.Path
	} else {
		endpoint += "/"
	}
	return endpoint
}

// OptimizerStats is a read-only snapshot of the optimizer and its layers.
type OptimizerStats struct {
	TotalRequests int64
	CacheHits     int64
	CacheMisses   int64
	Deduplicated  int64
	Batched       int64
	Errors        int64

	AvgResponseTime time.Duration
	MinResponseTime time.Duration
	MaxResponseTime time.Duration
	P50ResponseTime time.Duration
	P95ResponseTime time.Duration

	Cache       CacheStats
	RateLimiter RateLimiterStats
	Batcher     BatcherStats

	// Recommendations are advisory heuristics, not contractual.
	Recommendations []string
}

// Stats returns a consistent snapshot of counters, timing aggregates and
// advisory recommendations. Two snapshots with no intervening requests report
// identical counters.
func (o *Optimizer) Stats() OptimizerStats {
	o.stats.mu.Lock()
	stats := OptimizerStats{
		TotalRequests:   o.stats.totalRequests,
		CacheHits:       o.stats.cacheHits,
		CacheMisses:     o.stats.cacheMisses,
		Deduplicated:    o.stats.deduplicated,
		Batched:         o.stats.batched,
		Errors:          o.stats.errors,
		MinResponseTime: o.stats.minResponseTime,
		MaxResponseTime: o.stats.maxResponseTime,
	}
	if o.stats.timed > 0 {
		stats.AvgResponseTime = o.stats.totalResponseTime / time.Duration(o.stats.timed)
	}
	if len(o.stats.samples) > 0 {
		sorted := make([]time.Duration, len(o.stats.samples))
		copy(sorted, o.stats.samples)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		stats.P50ResponseTime = sorted[len(sorted)/2]
		stats.P95ResponseTime = sorted[len(sorted)*95/100]
	}
	o.stats.mu.Unlock()

	stats.Cache = o.cache.Stats()
	stats.RateLimiter = o.limiter.Stats()
	stats.Batcher = o.batcher.Stats()
	stats.Recommendations = recommend(stats)

	return stats
}

// recommend derives heuristic guidance from a snapshot. Deterministic so
// repeated snapshots agree.
func recommend(s OptimizerStats) []string {
	var recs []string

	lookups := s.CacheHits + s.CacheMisses
	if lookups >= 50 && float64(s.CacheHits)/float64(lookups) < 0.2 {
		recs = append(recs, "cache hit ratio below 20%: consider longer TTLs or more stable cache keys")
	}
	if s.TotalRequests >= 20 && float64(s.RateLimiter.RateLimitHits)/float64(s.TotalRequests) > 0.05 {
		recs = append(recs, "frequent provider rate limiting: lower the request rate or raise backoff bounds")
	}
	if s.TotalRequests >= 20 && float64(s.Deduplicated)/float64(s.TotalRequests) > 0.3 {
		recs = append(recs, "over 30% of requests merged with identical in-flight calls: callers may be duplicating work")
	}
	if s.RateLimiter.Regime == RegimeBackingOff {
		recs = append(recs, "currently backing off after rate limit hits: expect elevated latency")
	}

	return recs
}
