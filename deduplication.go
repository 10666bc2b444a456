package pacer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// volatileHeaders never participate in deduplication keys: they differ
// between otherwise identical requests.
var volatileHeaders = map[string]struct{}{
	"authorization": {},
	"user-agent":    {},
	"x-request-id":  {},
	"cookie":        {},
}

// DedupEntry is the shared pending-result handle for one in-flight request
// cluster. The first caller for a key owns it; later callers wait on it.
type DedupEntry struct {
	mu       sync.Mutex
	response *Response
	err      error
	done     chan struct{}
	waiters  int
}

// Wait blocks until the owning request completes or ctx cancels. Cancelling a
// waiter abandons only that waiter; the shared in-flight call proceeds for the
// rest of the cluster.
func (e *DedupEntry) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		resp, err := e.response, e.err
		e.mu.Unlock()
		return resp, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestDeduplicator collapses concurrent identical idempotent requests into
// one physical call. Entries live only while their call is in flight.
type RequestDeduplicator struct {
	mu      sync.Mutex
	entries map[string]*DedupEntry
	merged  int64 // waiters joined beyond the first, for observability
}

// NewRequestDeduplicator returns an in-memory deduplicator.
func NewRequestDeduplicator() *RequestDeduplicator {
	return &RequestDeduplicator{
		entries: make(map[string]*DedupEntry),
	}
}

// GetOrCreate returns the pending entry for key. The boolean is true when the
// caller created the entry and therefore owns the physical request.
func (d *RequestDeduplicator) GetOrCreate(key string) (*DedupEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.entries[key]; ok {
		entry.waiters++
		d.merged++
		return entry, false
	}

	entry := &DedupEntry{
		done:    make(chan struct{}),
		waiters: 1,
	}
	d.entries[key] = entry
	return entry, true
}

// Complete resolves the entry for key with the owner's result and releases all
// waiters. The entry leaves the map before waiters resolve, so a cluster
// starting immediately afterwards is treated independently.
func (d *RequestDeduplicator) Complete(key string, resp *Response, err error) {
	d.mu.Lock()
	entry, ok := d.entries[key]
	delete(d.entries, key)
	d.mu.Unlock()

	if !ok {
		return
	}

	entry.mu.Lock()
	entry.response = resp
	entry.err = err
	entry.mu.Unlock()
	close(entry.done)
}

// Merged returns how many waiters joined existing in-flight requests.
func (d *RequestDeduplicator) Merged() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.merged
}

// InFlight returns the number of pending clusters.
func (d *RequestDeduplicator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// DeduplicationKey derives a fixed-length key identifying identical requests:
// method + normalized URL + canonical non-volatile headers + canonical body,
// hashed with xxhash.
func DeduplicationKey(req *Request) string {
	h := xxhash.New()
	_, _ = h.WriteString(req.Method)
	_, _ = h.WriteString("\n")
	_, _ = h.WriteString(normalizeURL(req.URL))
	_, _ = h.WriteString("\n")
	_, _ = h.WriteString(canonicalHeaders(req.Headers))
	_, _ = h.WriteString("\n")
	_, _ = h.Write(canonicalBody(req.Body))
	return fmt.Sprintf("%016x", h.Sum64())
}

// normalizeURL sorts query parameters so equivalent URLs hash identically.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = u.Query().Encode() // Encode sorts keys
	return u.String()
}

// canonicalHeaders renders non-volatile headers as sorted "key=value" lines.
func canonicalHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	lines := make([]string, 0, len(headers))
	for k, v := range headers {
		name := strings.ToLower(k)
		if _, skip := volatileHeaders[name]; skip {
			continue
		}
		lines = append(lines, name+"="+v)
	}
	sort.Strings(lines)
	return strings.Join(lines, ";")
}

// canonicalBody re-marshals JSON bodies so key order does not affect the hash.
// Non-JSON bodies hash as-is.
func canonicalBody(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return body
	}
	canonical, err := json.Marshal(decoded) // map keys come out sorted
	if err != nil {
		return body
	}
	return canonical
}
