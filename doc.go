// Package pacer is a client-side traffic-control layer for external
// rate-limited HTTP APIs. It maximizes useful throughput without exceeding
// the provider's limits by composing:
//
//   - Byte-bounded response caching with TTLs and LRU eviction
//   - In-flight deduplication (merges concurrent identical idempotent requests)
//   - A pooled connection manager rebuilt lazily after close
//   - Request batching with per-item completion signals
//   - An adaptive rate limiter with burst control, multi-strategy backoff
//     and a slow self-tuning capacity loop
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - Delay instead of reject: capacity pressure slows admission, it never drops requests
//   - Safe concurrent use of a single *Optimizer instance
//   - No retries: failures surface to the caller, who owns retry policy
//
// Typical usage:
//
//	opt := pacer.New(
//	    pacer.WithCacheSize(50<<20),
//	    pacer.WithRateLimiterConfig(pacer.DefaultRateLimiterConfig()),
//	    pacer.WithMetrics(),
//	)
//	resp, err := opt.Do(ctx, &pacer.Request{
//	    Method:   "GET",
//	    URL:      "https://api.example.com/conversations",
//	    CacheKey: "conversations:list",
//	    Priority: pacer.PriorityNormal,
//	})
//
// The limiter learns from feedback: every physical attempt reports success or
// a rate-limit hit (with the server's Retry-After when present), driving
// backoff escalation, full recovery on success and periodic capacity retuning.
package pacer
