package pacer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeduplicatorOwnerAndWaiter(t *testing.T) {
	dedup := NewRequestDeduplicator()

	entry, owner := dedup.GetOrCreate("key")
	if !owner {
		t.Fatal("First caller should own the entry")
	}

	entry2, owner2 := dedup.GetOrCreate("key")
	if owner2 {
		t.Fatal("Second caller should not own the entry")
	}
	if entry2 != entry {
		t.Fatal("Second caller should share the owner's entry")
	}

	resp := &Response{StatusCode: 200}
	dedup.Complete("key", resp, nil)

	got, err := entry2.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if got != resp {
		t.Error("Waiter should receive the owner's response")
	}
}

func TestDeduplicatorCollapsesConcurrentCallers(t *testing.T) {
	dedup := NewRequestDeduplicator()

	var produced int32
	var wg, registered sync.WaitGroup
	registered.Add(10)
	results := make([]*Response, 10)
	failures := make([]error, 10)

	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, owner := dedup.GetOrCreate("same")
			registered.Done()
			if owner {
				// Complete only once every caller joined the cluster.
				registered.Wait()
				atomic.AddInt32(&produced, 1)
				time.Sleep(10 * time.Millisecond)
				dedup.Complete("same", &Response{StatusCode: 200, Body: []byte("shared")}, nil)
			}
			results[i], failures[i] = entry.Wait(context.Background())
		}()
	}
	wg.Wait()

	if produced != 1 {
		t.Fatalf("Expected exactly one producer, got %d", produced)
	}
	for i := 0; i < 10; i++ {
		if failures[i] != nil {
			t.Fatalf("Caller %d got error: %v", i, failures[i])
		}
		if string(results[i].Body) != "shared" {
			t.Errorf("Caller %d got body %q", i, results[i].Body)
		}
	}
	if dedup.Merged() != 9 {
		t.Errorf("Expected 9 merged waiters, got %d", dedup.Merged())
	}
}

func TestDeduplicatorFailureFanOut(t *testing.T) {
	dedup := NewRequestDeduplicator()
	cause := errors.New("boom")

	entry, owner := dedup.GetOrCreate("key")
	if !owner {
		t.Fatal("Expected ownership")
	}

	waiters := make([]*DedupEntry, 5)
	for i := range waiters {
		var w bool
		waiters[i], w = dedup.GetOrCreate("key")
		if w {
			t.Fatal("Waiters must not own the entry")
		}
	}

	dedup.Complete("key", nil, cause)

	if _, err := entry.Wait(context.Background()); !errors.Is(err, cause) {
		t.Errorf("Owner entry error = %v, want %v", err, cause)
	}
	for i, w := range waiters {
		if _, err := w.Wait(context.Background()); !errors.Is(err, cause) {
			t.Errorf("Waiter %d error = %v, want %v", i, err, cause)
		}
	}
}

func TestDeduplicatorNewClusterAfterCompletion(t *testing.T) {
	dedup := NewRequestDeduplicator()

	_, owner := dedup.GetOrCreate("key")
	if !owner {
		t.Fatal("Expected ownership")
	}
	dedup.Complete("key", &Response{StatusCode: 200}, nil)

	// Completion removes the entry, so the next caller starts a fresh cluster.
	_, owner = dedup.GetOrCreate("key")
	if !owner {
		t.Error("Expected a fresh cluster after completion")
	}
	if dedup.InFlight() != 1 {
		t.Errorf("Expected 1 in-flight cluster, got %d", dedup.InFlight())
	}
}

func TestDeduplicatorWaiterCancellation(t *testing.T) {
	dedup := NewRequestDeduplicator()

	dedup.GetOrCreate("key")
	waiter, _ := dedup.GetOrCreate("key")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := waiter.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	// The shared call is unaffected; a later waiter still resolves.
	late, _ := dedup.GetOrCreate("key")
	dedup.Complete("key", &Response{StatusCode: 204}, nil)
	resp, err := late.Wait(context.Background())
	if err != nil || resp.StatusCode != 204 {
		t.Errorf("Late waiter got resp=%v err=%v", resp, err)
	}
}

func TestDeduplicationKeyStable(t *testing.T) {
	a := &Request{Method: "GET", URL: "http://api.example.com/items?b=2&a=1"}
	b := &Request{Method: "GET", URL: "http://api.example.com/items?a=1&b=2"}

	if DeduplicationKey(a) != DeduplicationKey(b) {
		t.Error("Query parameter order should not change the key")
	}
}

func TestDeduplicationKeyIgnoresVolatileHeaders(t *testing.T) {
	base := &Request{Method: "GET", URL: "http://api.example.com/items"}
	withVolatile := &Request{
		Method: "GET",
		URL:    "http://api.example.com/items",
		Headers: map[string]string{
			"Authorization": "Bearer token-1",
			"User-Agent":    "client/2",
			"X-Request-Id":  "abc",
		},
	}

	if DeduplicationKey(base) != DeduplicationKey(withVolatile) {
		t.Error("Volatile headers should not change the key")
	}

	withMeaningful := &Request{
		Method:  "GET",
		URL:     "http://api.example.com/items",
		Headers: map[string]string{"Accept": "application/json"},
	}
	if DeduplicationKey(base) == DeduplicationKey(withMeaningful) {
		t.Error("Non-volatile headers should change the key")
	}
}

func TestDeduplicationKeyCanonicalBody(t *testing.T) {
	a := &Request{Method: "GET", URL: "http://x/search", Body: []byte(`{"a":1,"b":2}`)}
	b := &Request{Method: "GET", URL: "http://x/search", Body: []byte(`{"b":2,"a":1}`)}

	if DeduplicationKey(a) != DeduplicationKey(b) {
		t.Error("JSON key order should not change the key")
	}

	c := &Request{Method: "GET", URL: "http://x/search", Body: []byte(`{"a":1,"b":3}`)}
	if DeduplicationKey(a) == DeduplicationKey(c) {
		t.Error("Different body values should change the key")
	}
}

func TestDeduplicationKeyDistinguishesMethodAndURL(t *testing.T) {
	get := &Request{Method: "GET", URL: "http://x/items"}
	head := &Request{Method: "HEAD", URL: "http://x/items"}
	other := &Request{Method: "GET", URL: "http://x/other"}

	if DeduplicationKey(get) == DeduplicationKey(head) {
		t.Error("Method should participate in the key")
	}
	if DeduplicationKey(get) == DeduplicationKey(other) {
		t.Error("URL should participate in the key")
	}
}
