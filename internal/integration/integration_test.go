package integration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTimer struct {
	fire chan time.Time
}

func (f *fakeTimer) After(d time.Duration) <-chan time.Time { return f.fire }

func TestRaceTimeoutReturnsWaitResultWhenFaster(t *testing.T) {
	ts := &fakeTimer{fire: make(chan time.Time)}
	err := RaceTimeout(context.Background(), ts, time.Hour, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("RaceTimeout: %v", err)
	}
}

func TestRaceTimeoutFiresOnTimerWin(t *testing.T) {
	ts := &fakeTimer{fire: make(chan time.Time, 1)}
	ts.fire <- time.Now()

	waited := make(chan struct{})
	err := RaceTimeout(context.Background(), ts, time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		close(waited)
		return errors.New("should not surface")
	})
	if err == nil {
		t.Fatal("expected RaceTimeout to report the deadline elapsing")
	}
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("wait goroutine never observed cancellation")
	}
}

func TestWorkQueueRunsSubmittedTasks(t *testing.T) {
	q := NewWorkQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Run(ctx, 4)

	var n atomic.Int32
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		if err := q.Submit(func(context.Context) {
			n.Add(1)
			wg.Done()
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks never completed")
	}
	if got := n.Load(); got != 10 {
		t.Fatalf("got %d completions, want 10", got)
	}
}

func TestWorkQueueSubmitAfterCloseFails(t *testing.T) {
	q := NewWorkQueue()
	q.Close()
	if err := q.Submit(func(context.Context) {}); err == nil {
		t.Fatal("expected Submit after Close to fail")
	}
}

func TestWorkQueueDrainsPendingBeforeWorkerExit(t *testing.T) {
	q := NewWorkQueue()
	var ran atomic.Bool
	if err := q.Submit(func(context.Context) { ran.Store(true) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Run(ctx, 1)

	time.Sleep(50 * time.Millisecond)
	if !ran.Load() {
		t.Fatal("expected queued task to run even after Close")
	}
}
