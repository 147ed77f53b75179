package lane

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestFIFOWithinLane verifies that tasks sharing a lane key start in
// enqueue order and never overlap.
func TestFIFOWithinLane(t *testing.T) {
	q := New(10)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var results []*Result

	for i := 0; i < 20; i++ {
		i := i
		res, err := q.Enqueue("chat-1", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		results = append(results, res)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, res := range results {
		if err := res.Wait(ctx); err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("start order broken at %d: got %v", i, order)
		}
	}
}

// TestCrossLaneParallelism verifies different lanes run concurrently.
func TestCrossLaneParallelism(t *testing.T) {
	q := New(10)
	defer q.Close()

	release := make(chan struct{})
	started := make(chan string, 2)

	r1, _ := q.Enqueue("a", func(ctx context.Context) error {
		started <- "a"
		<-release
		return nil
	})
	r2, _ := q.Enqueue("b", func(ctx context.Context) error {
		started <- "b"
		<-release
		return nil
	})

	// Both must start without either finishing.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("lanes did not run in parallel")
		}
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r1.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r2.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestConcurrencyCap verifies at most maxConcurrency tasks run at once.
func TestConcurrencyCap(t *testing.T) {
	const cap = 3
	q := New(cap)
	defer q.Close()

	var active, peak int64
	var results []*Result
	for i := 0; i < 12; i++ {
		key := string(rune('a' + i)) // distinct lanes
		res, _ := q.Enqueue(key, func(ctx context.Context) error {
			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return nil
		})
		results = append(results, res)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, res := range results {
		if err := res.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if p := atomic.LoadInt64(&peak); p > cap {
		t.Fatalf("peak concurrency %d exceeds cap %d", p, cap)
	}
}

// TestErrorDoesNotBlockLane verifies a failing task surfaces its error to
// the caller and the lane keeps serving.
func TestErrorDoesNotBlockLane(t *testing.T) {
	q := New(2)
	defer q.Close()

	boom := errors.New("boom")
	r1, _ := q.Enqueue("l", func(ctx context.Context) error { return boom })
	ran := false
	r2, _ := q.Enqueue("l", func(ctx context.Context) error { ran = true; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r1.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if err := r2.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("second task did not run after error")
	}
}

// TestPanicIsolation verifies a panicking task is converted to an error
// and the lane continues.
func TestPanicIsolation(t *testing.T) {
	q := New(2)
	defer q.Close()

	r1, _ := q.Enqueue("l", func(ctx context.Context) error { panic("kaboom") })
	r2, _ := q.Enqueue("l", func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r1.Wait(ctx); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if err := r2.Wait(ctx); err != nil {
		t.Fatalf("lane corrupted after panic: %v", err)
	}
}

// TestLaneRemovedWhenIdle verifies drained lanes are dropped.
func TestLaneRemovedWhenIdle(t *testing.T) {
	q := New(2)
	defer q.Close()

	res, _ := q.Enqueue("ephemeral", func(ctx context.Context) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := res.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for q.Lanes() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle lane not removed, lanes=%d", q.Lanes())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestEnqueueAfterClose verifies closed queues reject work.
func TestEnqueueAfterClose(t *testing.T) {
	q := New(1)
	q.Close()
	if _, err := q.Enqueue("x", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}
