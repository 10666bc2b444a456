package pacer

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestOptionsApply(t *testing.T) {
	logger := NewSimpleLogger()
	o := New(
		WithCacheSize(1024),
		WithCacheTTL(time.Minute),
		WithCaching(false),
		WithDeduplication(false),
		WithLogger(logger),
		WithDebug(),
	)
	defer o.Close()

	if o.cacheMaxBytes != 1024 || o.cacheTTL != time.Minute {
		t.Errorf("Cache config = %d bytes / %v TTL", o.cacheMaxBytes, o.cacheTTL)
	}
	if o.cacheEnabled || o.dedupEnabled {
		t.Error("Caching and deduplication should be disabled")
	}
	if o.logger != logger {
		t.Error("Logger not applied")
	}
	if !o.debug.Enabled {
		t.Error("WithDebug should enable debug logging")
	}
	if !o.IsValid() {
		t.Errorf("Expected valid configuration, got %v", o.ValidationError())
	}
}

func TestWithIdempotentCondition(t *testing.T) {
	o := New(WithIdempotentCondition(func(req *Request) bool {
		return req.Method == "POST" && strings.HasSuffix(req.URL, "/search")
	}))
	defer o.Close()

	if !o.idempotent(&Request{Method: "POST", URL: "http://x/search"}) {
		t.Error("Custom condition should accept POST search")
	}
	if o.idempotent(&Request{Method: "GET", URL: "http://x/items"}) {
		t.Error("Custom condition replaces the default entirely")
	}
}

func TestWithDeduplicationKeyFunc(t *testing.T) {
	o := New(WithDeduplicationKeyFunc(func(req *Request) string {
		return "fixed"
	}))
	defer o.Close()

	if got := o.dedupKeyFunc(&Request{Method: "GET", URL: "http://x/a"}); got != "fixed" {
		t.Errorf("dedupKeyFunc = %q, want fixed", got)
	}
}

func TestValidationCollectsAllProblems(t *testing.T) {
	o := New(
		WithConnectionConfig(ConnectionConfig{MaxConns: 0, ConnectTimeout: -1}),
		WithBatcherConfig(BatcherConfig{MaxBatchSize: 0, BatchTimeout: 0, MaxWait: 0}),
	)
	defer o.Close()

	err := o.ValidationError()
	if err == nil {
		t.Fatal("Expected validation error")
	}

	msg := err.Error()
	for _, part := range []string{"MaxConns", "ConnectTimeout", "MaxBatchSize", "BatchTimeout"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Validation error %q missing %q", msg, part)
		}
	}
}

func TestValidationLimiterBounds(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.MinBackoff = 10 * time.Second
	config.MaxBackoff = time.Second

	o := New(WithRateLimiterConfig(config))
	defer o.Close()

	if o.IsValid() {
		t.Fatal("MaxBackoff below MinBackoff should fail validation")
	}
	if !strings.Contains(o.ValidationError().Error(), "MaxBackoff") {
		t.Errorf("ValidationError = %v", o.ValidationError())
	}
}

func TestValidationAdaptiveBounds(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.WindowLowerBound = 200
	config.WindowUpperBound = 100

	o := New(WithRateLimiterConfig(config))
	defer o.Close()

	if o.IsValid() {
		t.Fatal("Inverted adaptive bounds should fail validation")
	}
}

func TestValidationDebugRequiresLogger(t *testing.T) {
	o := New(WithDebug())
	defer o.Close()

	if o.IsValid() {
		t.Fatal("Debug without a logger should fail validation")
	}

	var optErr *OptimizerError
	if !errors.As(o.ValidationError(), &optErr) || optErr.Type != ErrorTypeValidation {
		t.Errorf("ValidationError = %v", o.ValidationError())
	}
}

func TestValidationDefaultsAreValid(t *testing.T) {
	o := New()
	defer o.Close()

	if !o.IsValid() {
		t.Errorf("Default configuration should validate, got %v", o.ValidationError())
	}
}
