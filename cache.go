package pacer

import (
	"container/list"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// fallbackEntrySize is charged when a value cannot be serialized for size
// estimation. Estimation failures must never fail a Put.
const fallbackEntrySize = 1024

// CacheEntry holds one cached result together with its bookkeeping. Entries
// are owned exclusively by the cache and mutated on every read.
type CacheEntry struct {
	Value      any
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastAccess time.Time
	HitCount   int64
	SizeBytes  int
}

// ByteBoundedCache is a TTL- and size-bounded response cache with LRU
// eviction. The byte counter always equals the sum of SizeBytes over live
// entries; expired entries are purged lazily on read. Safe for concurrent use.
type ByteBoundedCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxBytes   int
	curBytes   int
	defaultTTL time.Duration
	enabled    bool
}

type cacheItem struct {
	key   string
	entry *CacheEntry
}

// NewByteBoundedCache creates a cache bounded at maxBytes with the given
// default TTL. A non-positive maxBytes disables the byte bound; the byte
// counter is still maintained.
func NewByteBoundedCache(maxBytes int, defaultTTL time.Duration) *ByteBoundedCache {
	return &ByteBoundedCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
		enabled:    true,
	}
}

// SetEnabled toggles the cache. A disabled cache misses on every Get and
// drops every Put.
func (c *ByteBoundedCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// Get returns the cached value for key. Expired entries are removed as a side
// effect. A hit bumps the hit count, the last access time and the recency
// position.
func (c *ByteBoundedCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return nil, false
	}

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	item := elem.Value.(*cacheItem)
	if time.Now().After(item.entry.ExpiresAt) {
		c.removeElement(elem)
		return nil, false
	}

	item.entry.HitCount++
	item.entry.LastAccess = time.Now()
	c.order.MoveToFront(elem)

	return item.entry.Value, true
}

// Put stores value under key. The size estimate serializes the value to JSON;
// when that fails a fixed fallback estimate is charged instead, so Put always
// succeeds. Least-recently-used entries are evicted one at a time until the
// new entry fits or the cache is drained; a single entry larger than the whole
// budget is admitted after a full drain.
func (c *ByteBoundedCache) Put(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	size := estimateSize(value)
	now := time.Now()

	if elem, ok := c.entries[key]; ok {
		item := elem.Value.(*cacheItem)
		c.curBytes += size - item.entry.SizeBytes
		item.entry.Value = value
		item.entry.SizeBytes = size
		item.entry.CreatedAt = now
		item.entry.ExpiresAt = now.Add(ttl)
		item.entry.LastAccess = now
		c.order.MoveToFront(elem)
		c.evictLocked(key)
		return
	}

	for c.maxBytes > 0 && c.curBytes+size > c.maxBytes && c.order.Len() > 0 {
		c.removeElement(c.order.Back())
	}

	entry := &CacheEntry{
		Value:      value,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
		SizeBytes:  size,
	}
	c.entries[key] = c.order.PushFront(&cacheItem{key: key, entry: entry})
	c.curBytes += size
}

// evictLocked trims LRU entries until the byte budget holds, sparing keep.
// Used after an overwrite grew an existing entry past the budget.
func (c *ByteBoundedCache) evictLocked(keep string) {
	for c.maxBytes > 0 && c.curBytes > c.maxBytes && c.order.Len() > 1 {
		back := c.order.Back()
		if back.Value.(*cacheItem).key == keep {
			return
		}
		c.removeElement(back)
	}
}

// Invalidate removes entries. An empty pattern clears everything; otherwise
// every key containing pattern as a substring is removed. Returns the number
// of entries removed.
func (c *ByteBoundedCache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" {
		removed := len(c.entries)
		c.entries = make(map[string]*list.Element)
		c.order.Init()
		c.curBytes = 0
		return removed
	}

	removed := 0
	for key, elem := range c.entries {
		if strings.Contains(key, pattern) {
			c.removeElement(elem)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (c *ByteBoundedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeElement drops an entry and corrects the byte counter. Caller holds mu.
func (c *ByteBoundedCache) removeElement(elem *list.Element) {
	item := elem.Value.(*cacheItem)
	c.order.Remove(elem)
	delete(c.entries, item.key)
	c.curBytes -= item.entry.SizeBytes
}

// CacheStats is a read-only snapshot of the cache.
type CacheStats struct {
	Entries         int
	Bytes           int
	MaxBytes        int
	Utilization     float64 // percent of the byte budget in use
	TotalHits       int64
	AvgHitsPerEntry float64
}

// Stats returns a snapshot of entry count, occupancy and hit statistics.
func (c *ByteBoundedCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Entries:  len(c.entries),
		Bytes:    c.curBytes,
		MaxBytes: c.maxBytes,
	}
	for _, elem := range c.entries {
		stats.TotalHits += elem.Value.(*cacheItem).entry.HitCount
	}
	if c.maxBytes > 0 {
		stats.Utilization = float64(c.curBytes) / float64(c.maxBytes) * 100
	}
	if len(c.entries) > 0 {
		stats.AvgHitsPerEntry = float64(stats.TotalHits) / float64(len(c.entries))
	}
	return stats
}

// estimateSize serializes value to JSON to approximate its footprint. Raw byte
// and string payloads are charged at face value.
func estimateSize(value any) int {
	switch v := value.(type) {
	case []byte:
		return len(v)
	case string:
		return len(v)
	case *Response:
		if v != nil {
			return len(v.Body) + 64
		}
		return fallbackEntrySize
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fallbackEntrySize
	}
	return len(data)
}
