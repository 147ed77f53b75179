// Package lane provides per-key FIFO task serialization with a bounded
// global concurrency cap.
//
// Tasks enqueued on the same lane key run strictly one after another in
// enqueue order. Tasks on different lanes run in parallel, up to
// maxConcurrency in flight across the whole queue. Lanes are created
// lazily on first enqueue and removed once drained.
package lane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrClosed is returned for enqueues after Close.
var ErrClosed = errors.New("lane: queue closed")

// DefaultMaxConcurrency caps in-flight tasks when no explicit limit is given.
const DefaultMaxConcurrency = 10

// Task is a unit of work executed on a lane.
type Task func(ctx context.Context) error

// Result resolves when the enqueued task has finished.
type Result struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task completes or ctx is cancelled.
// It returns the task's error (or the panic converted to an error).
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the task has completed.
func (r *Result) Done() <-chan struct{} { return r.done }

// Err returns the task error. Only valid after Done is closed.
func (r *Result) Err() error { return r.err }

type queuedTask struct {
	fn     Task
	result *Result
}

type laneState struct {
	queue   []*queuedTask
	running bool
}

// Queue serializes tasks per lane key under a global concurrency cap.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*laneState
	sem    chan struct{}
	closed bool
	wg     sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a Queue with the given global concurrency cap.
// A cap <= 0 falls back to DefaultMaxConcurrency.
func New(maxConcurrency int) *Queue {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:   make(map[string]*laneState),
		sem:     make(chan struct{}, maxConcurrency),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Enqueue adds a task to the lane identified by key and returns a Result
// resolved on completion. Tasks on one lane start in enqueue order; a
// failing or panicking task never blocks the lane's next item.
func (q *Queue) Enqueue(key string, fn Task) (*Result, error) {
	res := &Result{done: make(chan struct{})}
	qt := &queuedTask{fn: fn, result: res}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	ls, ok := q.lanes[key]
	if !ok {
		ls = &laneState{}
		q.lanes[key] = ls
	}
	ls.queue = append(ls.queue, qt)
	if !ls.running {
		ls.running = true
		q.wg.Add(1)
		go q.runLane(key, ls)
	}
	q.mu.Unlock()

	return res, nil
}

// runLane drains one lane. Holds the lane's "running" slot until the
// queue empties, then removes the lane so it can be recreated lazily.
func (q *Queue) runLane(key string, ls *laneState) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(ls.queue) == 0 {
			// Drained — drop the lane entirely.
			ls.running = false
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		qt := ls.queue[0]
		ls.queue = ls.queue[1:]
		q.mu.Unlock()

		// Global cap: acquire a slot before starting, release after.
		select {
		case q.sem <- struct{}{}:
		case <-q.baseCtx.Done():
			qt.result.err = ErrClosed
			close(qt.result.done)
			continue
		}
		q.execute(key, qt)
		<-q.sem
	}
}

// execute runs a single task, converting panics into errors so the lane
// keeps serving subsequent items.
func (q *Queue) execute(key string, qt *queuedTask) {
	defer func() {
		if r := recover(); r != nil {
			qt.result.err = fmt.Errorf("lane %q: task panic: %v", key, r)
			slog.Error("lane task panicked",
				"lane", key, "panic", r, "stack", string(debug.Stack()))
		}
		close(qt.result.done)
	}()
	qt.result.err = qt.fn(q.baseCtx)
}

// Len reports the number of queued (not yet started) tasks on a lane.
func (q *Queue) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok := q.lanes[key]; ok {
		return len(ls.queue)
	}
	return 0
}

// Lanes reports the number of live lanes.
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close stops accepting work, cancels the base context handed to running
// tasks, and waits for in-flight tasks to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
