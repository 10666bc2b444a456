package pacer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BatchExecutor performs one downstream call for a whole batch. It must
// return exactly one result per input item, in input order; a mismatch fails
// every waiter in the batch.
type BatchExecutor func(ctx context.Context, items []any) ([]any, error)

type batchResult struct {
	value any
	err   error
}

// batchGroup collects pending items for one batch key until a flush trigger.
type batchGroup struct {
	items   []any
	waiters []chan batchResult
	timer   *time.Timer
}

// RequestBatcher groups requests sharing a batch key into one downstream
// invocation. A group flushes when it reaches MaxBatchSize or when the flush
// timer armed by its first enqueue fires, whichever comes first. Each caller
// waits on its own completion channel, bounded by MaxWait.
type RequestBatcher struct {
	mu      sync.Mutex
	config  BatcherConfig
	groups  map[string]*batchGroup
	enabled bool
	metrics *MetricsCollector

	flushes int64
	batched int64
}

// NewRequestBatcher creates a batcher with the given thresholds.
func NewRequestBatcher(config BatcherConfig) *RequestBatcher {
	return &RequestBatcher{
		config:  config,
		groups:  make(map[string]*batchGroup),
		enabled: true,
	}
}

// SetEnabled toggles batching. When disabled Enqueue executes each item
// immediately with no grouping.
func (b *RequestBatcher) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// Enqueue adds item to the batch for key and blocks until the batch flushes
// and this item's result arrives. The wait is bounded by MaxWait, after which
// the caller receives ErrBatchTimeout; the batch itself still completes for
// the remaining waiters.
func (b *RequestBatcher) Enqueue(ctx context.Context, key string, item any, execute BatchExecutor) (any, error) {
	b.mu.Lock()
	if !b.enabled {
		b.mu.Unlock()
		return b.executeSingle(ctx, item, execute)
	}

	group, ok := b.groups[key]
	if !ok {
		group = &batchGroup{}
		group.timer = time.AfterFunc(b.config.BatchTimeout, func() {
			b.flushKey(key, execute)
		})
		b.groups[key] = group
	}

	// Buffered so the flusher never blocks on a waiter that gave up.
	result := make(chan batchResult, 1)
	group.items = append(group.items, item)
	group.waiters = append(group.waiters, result)
	b.batched++

	if len(group.items) >= b.config.MaxBatchSize {
		group.timer.Stop()
		delete(b.groups, key)
		b.mu.Unlock()
		go b.flush(group, execute, "size", key)
	} else {
		b.mu.Unlock()
	}

	timeout := time.NewTimer(b.config.MaxWait)
	defer timeout.Stop()

	select {
	case res := <-result:
		return res.value, res.err
	case <-timeout.C:
		return nil, &OptimizerError{
			Type:      ErrorTypeBatchTimeout,
			Message:   fmt.Sprintf("batch %q did not flush within %v", key, b.config.MaxWait),
			Cause:     ErrBatchTimeout,
			Timestamp: time.Now(),
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flushKey is the timer path: remove the group if it is still pending.
func (b *RequestBatcher) flushKey(key string, execute BatchExecutor) {
	b.mu.Lock()
	group, ok := b.groups[key]
	if ok {
		delete(b.groups, key)
	}
	b.mu.Unlock()

	if ok {
		b.flush(group, execute, "timer", key)
	}
}

// flush runs the downstream call once for the whole group and routes each
// result back to its waiter. The executor runs under its own deadline so a
// single caller's cancellation cannot abort the shared call.
func (b *RequestBatcher) flush(group *batchGroup, execute BatchExecutor, trigger, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.MaxWait)
	defer cancel()

	results, err := execute(ctx, group.items)
	if err == nil && len(results) != len(group.items) {
		err = fmt.Errorf("batch executor returned %d results for %d items", len(results), len(group.items))
	}

	b.mu.Lock()
	b.flushes++
	metrics := b.metrics
	b.mu.Unlock()

	metrics.RecordBatchFlush(trigger, key, len(group.items))

	for i, waiter := range group.waiters {
		if err != nil {
			waiter <- batchResult{err: err}
			continue
		}
		waiter <- batchResult{value: results[i]}
	}
}

func (b *RequestBatcher) executeSingle(ctx context.Context, item any, execute BatchExecutor) (any, error) {
	results, err := execute(ctx, []any{item})
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("batch executor returned %d results for 1 item", len(results))
	}
	return results[0], nil
}

// BatcherStats is a read-only snapshot of the batcher.
type BatcherStats struct {
	PendingGroups int
	Flushes       int64
	Batched       int64
}

// Stats returns pending group count and cumulative flush counters.
func (b *RequestBatcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BatcherStats{
		PendingGroups: len(b.groups),
		Flushes:       b.flushes,
		Batched:       b.batched,
	}
}
