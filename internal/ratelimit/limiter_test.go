package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewValidates(t *testing.T) {
	if _, err := New(0, 1); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := New(1, 0); err == nil {
		t.Fatal("expected error for zero refill")
	}
}

func TestAcquireBlocksWhenEmpty(t *testing.T) {
	l, err := New(3, 20)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, 1); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if time.Since(start) > 30*time.Millisecond {
		t.Fatalf("full bucket should not block, took %s", time.Since(start))
	}

	start = time.Now()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// One token at 20/s needs 50ms; allow for timer slack.
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected to wait for refill, waited %s", elapsed)
	}
	if s := l.Stats(); s.Waits != 1 || s.Acquired != 4 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestAcquireCancelled(t *testing.T) {
	l, _ := New(1, 0.1)
	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if tok := l.Tokens(); tok < 0 {
		t.Fatalf("tokens went negative: %f", tok)
	}
}

func TestAcquireCostAboveCapacity(t *testing.T) {
	l, _ := New(2, 1)
	if err := l.Acquire(context.Background(), 3); err == nil {
		t.Fatal("expected error for cost above capacity")
	}
}

func TestTokensStayWithinBounds(t *testing.T) {
	l, _ := New(5, 200)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	var acquired int64
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for l.Acquire(ctx, 1) == nil {
				atomic.AddInt64(&acquired, 1)
				if tok := l.Tokens(); tok < 0 || tok > 5 {
					t.Errorf("tokens out of bounds: %f", tok)
					return
				}
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start).Seconds()
	limit := 5 + 200*elapsed + 1
	if float64(acquired) > limit {
		t.Fatalf("acquired %d tokens, bucket allows at most %.0f", acquired, limit)
	}
}

func TestUtilization(t *testing.T) {
	l, _ := New(4, 0.01)
	if u := l.Utilization(); u != 0 {
		t.Fatalf("full bucket utilization = %f", u)
	}
	_ = l.Acquire(context.Background(), 2)
	if u := l.Utilization(); u < 0.49 || u > 0.51 {
		t.Fatalf("half bucket utilization = %f", u)
	}
}
