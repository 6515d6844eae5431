package compqueue

import (
	"context"
	"testing"
	"time"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := New(3, 64); err == nil {
		t.Fatal("expected non-power-of-two length to be rejected")
	}
}

func TestPublishDequeueRoundTrip(t *testing.T) {
	q, err := New(8, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := q.NextAsyncID()
	if err := q.Publish(id, []byte("completion payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	completions, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(completions) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(completions))
	}
	if completions[0].AsyncID != id {
		t.Fatalf("got asyncID %d, want %d", completions[0].AsyncID, id)
	}
	if string(completions[0].Payload) != "completion payload" {
		t.Fatalf("got payload %q", completions[0].Payload)
	}
	completions[0].Release()
}

func TestDequeueBlocksUntilPublish(t *testing.T) {
	q, err := New(8, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan []Completion, 1)
	go func() {
		c, err := q.Dequeue(ctx)
		if err != nil {
			t.Errorf("Dequeue: %v", err)
			return
		}
		done <- c
	}()

	time.Sleep(50 * time.Millisecond)
	id := q.NextAsyncID()
	if err := q.Publish(id, []byte("late")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case c := <-done:
		if len(c) != 1 || c[0].AsyncID != id {
			t.Fatalf("unexpected completion set: %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Dequeue never woke after Publish")
	}
}

func TestCancelRemovesFromRegistry(t *testing.T) {
	q, err := New(8, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := q.NextAsyncID()
	cancelled := false
	q.Register(id, func() { cancelled = true })

	if !q.Cancel(id) {
		t.Fatal("expected Cancel to find the registered asyncID")
	}
	if !cancelled {
		t.Fatal("expected the cancel function to run")
	}
	if q.Cancel(id) {
		t.Fatal("expected a second Cancel of the same asyncID to report false")
	}
}

func TestValidSize(t *testing.T) {
	q, err := New(8, 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !q.ValidSize(128) {
		t.Fatal("expected 128 bytes to fit a 128-byte chunk")
	}
	if q.ValidSize(129) {
		t.Fatal("expected 129 bytes to exceed a 128-byte chunk")
	}
}
