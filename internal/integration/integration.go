// Package integration is the glue layer between the capability/IPC core
// and the collaborators spec.md §1 declares out of scope: physical page
// allocators, scheduler policy, and timer hardware. Each collaborator is
// a small interface that calling code supplies, following the teacher's
// backend.Interface split between the device core and the ublk backend
// it drives.
//
// WorkQueue generalizes the teacher's internal/queue.BufferPool
// size-bucketed sync.Pool idiom (internal/queue/pool.go) from pooled
// byte slices to pooled task objects, backing the fire-and-forget
// completions original_source's work-queue.hpp describes.
package integration

import (
	"context"
	"sync"
	"time"

	"github.com/lattice-os/microk/internal/kerr"
)

// PhysicalAllocator hands out physical page frames. Real callers back
// this with their platform's page-frame database; tests use Mock.
type PhysicalAllocator interface {
	AllocateFrames(count int) ([]int64, error)
	FreeFrames(frames []int64)
}

// Cancelable is returned by Scheduler.Schedule, mirroring the
// cancel-token shape of a timer callback API.
type Cancelable interface {
	Cancel()
}

// Scheduler abstracts cooperative, deadline-driven callback execution —
// grounded on the teacher's sibling example's api.Scheduler contract
// (Schedule/Cancel/Now), adapted here to drive helCancelAsync's
// wait-vs-timer race instead of websocket heartbeats.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Cancelable
	Now() time.Time
}

// TimerSource is the narrower deadline-racing primitive spec §4.8
// describes: "deadlines are implemented by racing the wait against a
// timer and cancelling the loser." Kept distinct from Scheduler because
// a caller may have real timer hardware for one and a software
// scheduler for the other.
type TimerSource interface {
	After(d time.Duration) <-chan time.Time
}

// RaceTimeout runs wait to completion, but returns kerr.CodeCancelled
// if ts fires first. wait must itself honour ctx cancellation so the
// loser's goroutine can unwind instead of leaking.
func RaceTimeout(ctx context.Context, ts TimerSource, d time.Duration, wait func(context.Context) error) error {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- wait(raceCtx) }()

	timer := ts.After(d)
	select {
	case err := <-done:
		return err
	case <-timer:
		cancel()
		<-done
		return kerr.New("RaceTimeout", kerr.CodeCancelled, "deadline elapsed before completion")
	}
}

// task is the pooled unit of work a WorkQueue dispatches. Unlike the
// teacher's pooled buffers, a task carries no size dimension to bucket
// on, so one pool suffices; reset clears both fields before reuse so a
// stale closure can't be redispatched after a Put.
type task struct {
	fn   func(context.Context)
	next *task
}

func (t *task) reset() {
	t.fn = nil
	t.next = nil
}

var taskPool = sync.Pool{New: func() any { return &task{} }}

// WorkQueue is a cooperative, goroutine-pool-free dispatcher for
// fire-and-forget completions (spec §9's "detached coroutines" note):
// Submit enqueues a pooled task object; a fixed set of worker
// goroutines, started by Run, drain the queue until ctx is cancelled.
type WorkQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	head    *task
	tail    *task
	closed  bool
	pending int
}

// NewWorkQueue creates an empty work queue.
func NewWorkQueue() *WorkQueue {
	q := &WorkQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit enqueues fn for execution by a worker goroutine. It returns
// kerr.CodeEndOfLane if the queue has been closed.
func (q *WorkQueue) Submit(fn func(context.Context)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return kerr.New("Submit", kerr.CodeEndOfLane, "work queue closed")
	}

	t := taskPool.Get().(*task)
	t.fn = fn
	t.next = nil

	if q.tail == nil {
		q.head, q.tail = t, t
	} else {
		q.tail.next = t
		q.tail = t
	}
	q.pending++
	q.cond.Signal()
	return nil
}

// Run starts n worker goroutines draining the queue until ctx is
// cancelled or Close is called. Run does not block.
func (q *WorkQueue) Run(ctx context.Context, n int) {
	context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	for i := 0; i < n; i++ {
		go q.worker(ctx)
	}
}

func (q *WorkQueue) worker(ctx context.Context) {
	for {
		q.mu.Lock()
		for q.head == nil && !q.closed {
			if ctx.Err() != nil {
				q.mu.Unlock()
				return
			}
			q.cond.Wait()
		}
		if q.head == nil && q.closed {
			q.mu.Unlock()
			return
		}
		t := q.head
		q.head = t.next
		if q.head == nil {
			q.tail = nil
		}
		q.pending--
		q.mu.Unlock()

		fn := t.fn
		t.reset()
		taskPool.Put(t)

		if fn != nil {
			fn(ctx)
		}
	}
}

// Close marks the queue closed and wakes all workers; queued-but-not-
// yet-run tasks are still drained before workers exit.
func (q *WorkQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Pending reports the number of tasks not yet picked up by a worker.
func (q *WorkQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}
