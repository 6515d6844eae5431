package event

import (
	"context"
	"testing"
	"time"
)

func TestOneShotTriggerIsIdempotent(t *testing.T) {
	e := NewOneShot()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Await(ctx) }()

	time.Sleep(20 * time.Millisecond)
	e.Trigger()
	e.Trigger() // second trigger is a no-op

	if err := <-done; err != nil {
		t.Fatalf("Await: %v", err)
	}
}

func TestBitsetAdvancesIndependently(t *testing.T) {
	e := NewBitset()
	e.Trigger(0b0001)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	bits, err := e.AwaitBitset(ctx, 0)
	if err != nil {
		t.Fatalf("AwaitBitset: %v", err)
	}
	if bits != 0b0001 {
		t.Fatalf("got %b, want %b", bits, 0b0001)
	}

	e.Trigger(0b0010)
	bits, err = e.AwaitBitset(ctx, e.sequences[0])
	if err != nil {
		t.Fatalf("AwaitBitset: %v", err)
	}
	if bits != 0b0010 {
		t.Fatalf("got %b, want %b", bits, 0b0010)
	}
}

func TestIRQAckIgnoresStaleSequence(t *testing.T) {
	line := NewIRQLine(StrategyMaskThenEOI)
	line.Raise()
	line.Raise()
	line.Ack(1) // stale: currentSequence is now 2

	if !line.Pending() {
		t.Fatal("expected pending to remain true after a stale ack")
	}
	line.Ack(2)
	if line.Pending() {
		t.Fatal("expected pending to clear after an ack at the current sequence")
	}
}

func TestIRQWaitWakesOnRaise(t *testing.T) {
	line := NewIRQLine(StrategyMaskThenEOI)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan uint64, 1)
	go func() {
		seq, err := line.Wait(ctx)
		if err != nil {
			t.Errorf("Wait: %v", err)
			return
		}
		done <- seq
	}()

	time.Sleep(20 * time.Millisecond)
	line.Raise()

	select {
	case seq := <-done:
		if seq != 1 {
			t.Fatalf("got sequence %d, want 1", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never woke on Raise")
	}
}

func TestIRQAutomateRunsOnRaise(t *testing.T) {
	line := NewIRQLine(StrategyAutoEOI)
	var automated bool
	line.Automate = func(seq uint64) { automated = true }
	line.Raise()
	if !automated {
		t.Fatal("expected Automate to run on Raise")
	}
}
