package pacer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBatcherSizeTrigger(t *testing.T) {
	b := NewRequestBatcher(BatcherConfig{
		MaxBatchSize: 3,
		BatchTimeout: time.Hour,
		MaxWait:      2 * time.Second,
	})

	var calls int32
	execute := func(ctx context.Context, items []any) ([]any, error) {
		atomic.AddInt32(&calls, 1)
		results := make([]any, len(items))
		for i, item := range items {
			results[i] = fmt.Sprintf("result-%v", item)
		}
		return results, nil
	}

	var wg sync.WaitGroup
	got := make([]any, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], errs[i] = b.Enqueue(context.Background(), "items", i, execute)
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("Expected one downstream call, got %d", calls)
	}
	for i := 0; i < 3; i++ {
		if errs[i] != nil {
			t.Fatalf("Enqueue(%d) error: %v", i, errs[i])
		}
		if got[i] != fmt.Sprintf("result-%d", i) {
			t.Errorf("Caller %d got %v, expected its own mapped result", i, got[i])
		}
	}

	stats := b.Stats()
	if stats.Flushes != 1 || stats.Batched != 3 || stats.PendingGroups != 0 {
		t.Errorf("Stats = %+v, want 1 flush, 3 batched, 0 pending", stats)
	}
}

func TestBatcherTimerTrigger(t *testing.T) {
	b := NewRequestBatcher(BatcherConfig{
		MaxBatchSize: 10,
		BatchTimeout: 20 * time.Millisecond,
		MaxWait:      2 * time.Second,
	})

	execute := func(ctx context.Context, items []any) ([]any, error) {
		results := make([]any, len(items))
		for i, item := range items {
			results[i] = item
		}
		return results, nil
	}

	start := time.Now()
	got, err := b.Enqueue(context.Background(), "items", "solo", execute)
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if got != "solo" {
		t.Errorf("Expected echoed item, got %v", got)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("Timer flush fired too early: %v", elapsed)
	}
}

func TestBatcherExecutorErrorFansOut(t *testing.T) {
	b := NewRequestBatcher(BatcherConfig{
		MaxBatchSize: 2,
		BatchTimeout: time.Hour,
		MaxWait:      2 * time.Second,
	})

	cause := errors.New("downstream unavailable")
	execute := func(ctx context.Context, items []any) ([]any, error) {
		return nil, cause
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = b.Enqueue(context.Background(), "items", i, execute)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, cause) {
			t.Errorf("Caller %d error = %v, want %v", i, err, cause)
		}
	}
}

func TestBatcherResultCountMismatch(t *testing.T) {
	b := NewRequestBatcher(BatcherConfig{
		MaxBatchSize: 2,
		BatchTimeout: time.Hour,
		MaxWait:      2 * time.Second,
	})

	execute := func(ctx context.Context, items []any) ([]any, error) {
		return []any{"only-one"}, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = b.Enqueue(context.Background(), "items", i, execute)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil || !strings.Contains(err.Error(), "1 results for 2 items") {
			t.Errorf("Caller %d error = %v, want count mismatch", i, err)
		}
	}
}

func TestBatcherMaxWaitTimeout(t *testing.T) {
	b := NewRequestBatcher(BatcherConfig{
		MaxBatchSize: 10,
		BatchTimeout: time.Hour,
		MaxWait:      30 * time.Millisecond,
	})

	execute := func(ctx context.Context, items []any) ([]any, error) {
		return make([]any, len(items)), nil
	}

	_, err := b.Enqueue(context.Background(), "stuck", "item", execute)
	if !errors.Is(err, ErrBatchTimeout) {
		t.Fatalf("Expected ErrBatchTimeout, got %v", err)
	}

	var optErr *OptimizerError
	if !errors.As(err, &optErr) || optErr.Type != ErrorTypeBatchTimeout {
		t.Errorf("Expected OptimizerError with type %q, got %v", ErrorTypeBatchTimeout, err)
	}
}

func TestBatcherContextCancellation(t *testing.T) {
	b := NewRequestBatcher(BatcherConfig{
		MaxBatchSize: 10,
		BatchTimeout: time.Hour,
		MaxWait:      time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	execute := func(ctx context.Context, items []any) ([]any, error) {
		return make([]any, len(items)), nil
	}

	_, err := b.Enqueue(ctx, "stuck", "item", execute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestBatcherDisabledExecutesImmediately(t *testing.T) {
	b := NewRequestBatcher(BatcherConfig{
		MaxBatchSize: 10,
		BatchTimeout: time.Hour,
		MaxWait:      time.Hour,
	})
	b.SetEnabled(false)

	var sawItems int
	execute := func(ctx context.Context, items []any) ([]any, error) {
		sawItems = len(items)
		return []any{"direct"}, nil
	}

	got, err := b.Enqueue(context.Background(), "items", "solo", execute)
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if got != "direct" || sawItems != 1 {
		t.Errorf("Disabled batcher should run one item immediately, got %v (%d items)", got, sawItems)
	}

	if stats := b.Stats(); stats.Batched != 0 {
		t.Errorf("Disabled batcher should not count batched items, got %d", stats.Batched)
	}
}

func TestBatcherKeysAreIndependent(t *testing.T) {
	b := NewRequestBatcher(BatcherConfig{
		MaxBatchSize: 2,
		BatchTimeout: time.Hour,
		MaxWait:      2 * time.Second,
	})

	var mu sync.Mutex
	seen := make(map[string][]any)
	execute := func(ctx context.Context, items []any) ([]any, error) {
		mu.Lock()
		seen[fmt.Sprint(items[0])] = items
		mu.Unlock()
		results := make([]any, len(items))
		copy(results, items)
		return results, nil
	}

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		for i := 0; i < 2; i++ {
			key := key
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := b.Enqueue(context.Background(), key, key, execute); err != nil {
					t.Errorf("Enqueue(%s) error: %v", key, err)
				}
			}()
		}
	}
	wg.Wait()

	if len(seen) != 2 {
		t.Fatalf("Expected two separate flushes, got %d", len(seen))
	}
	for key, items := range seen {
		if len(items) != 2 {
			t.Errorf("Key %q flushed %d items, want 2", key, len(items))
		}
	}
}
