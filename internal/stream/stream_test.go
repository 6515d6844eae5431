package stream

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-os/microk/internal/kerr"
	"github.com/lattice-os/microk/internal/wire"
)

func TestOfferAcceptMatches(t *testing.T) {
	a, b := NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		_, err := a.Submit(ctx, wire.Action{Kind: wire.ActionOffer})
		errs <- err
	}()
	go func() {
		_, err := b.Submit(ctx, wire.Action{Kind: wire.ActionAccept})
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
}

func TestSendFromBufferRecvInline(t *testing.T) {
	a, b := NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results := make(chan []byte, 1)
	errs := make(chan error, 2)
	go func() {
		_, err := a.Submit(ctx, wire.Action{Kind: wire.ActionSendFromBuffer, Buffer: []byte("hello")})
		errs <- err
	}()
	go func() {
		rec, err := b.Submit(ctx, wire.Action{Kind: wire.ActionRecvInline})
		errs <- err
		results <- rec
	}()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if got := string(<-results); got != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestSendFaultYieldsFaultAndRemoteFault(t *testing.T) {
	a, b := NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	senderErr := make(chan error, 1)
	receiverErr := make(chan error, 1)
	receiverRec := make(chan []byte, 1)

	go func() {
		_, err := a.Submit(ctx, wire.Action{Kind: wire.ActionSendFromBuffer, Flags: wire.FlagFault, Buffer: []byte("bad")})
		senderErr <- err
	}()
	go func() {
		rec, err := b.Submit(ctx, wire.Action{Kind: wire.ActionRecvInline})
		receiverRec <- rec
		receiverErr <- err
	}()

	if err := <-senderErr; !kerr.IsCode(err, kerr.CodeFault) {
		t.Fatalf("sender error = %v, want fault", err)
	}
	if err := <-receiverErr; !kerr.IsCode(err, kerr.CodeRemoteFault) {
		t.Fatalf("receiver error = %v, want remoteFault", err)
	}
	if rec := <-receiverRec; len(rec) != 0 {
		t.Fatalf("receiver record length = %d, want 0", len(rec))
	}
}

func TestTransmissionMismatch(t *testing.T) {
	a, b := NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		_, err := a.Submit(ctx, wire.Action{Kind: wire.ActionOffer})
		errs <- err
	}()
	go func() {
		_, err := b.Submit(ctx, wire.Action{Kind: wire.ActionImbueCredentials})
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errs; err == nil {
			t.Fatal("expected a transmission mismatch error")
		}
	}
}

func TestShutdownLaneFailsPending(t *testing.T) {
	a, _ := NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := a.Submit(ctx, wire.Action{Kind: wire.ActionSendFromBuffer, Buffer: []byte("x")})
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	a.ShutdownLane()

	if err := <-errs; err == nil {
		t.Fatal("expected shutdown to fail the pending submit")
	}

	if _, err := a.Submit(ctx, wire.Action{Kind: wire.ActionOffer}); err == nil {
		t.Fatal("expected submit after shutdown to fail with endOfLane")
	}
}

func TestFlowControlledTransfer(t *testing.T) {
	a, b := NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	payload := make([]byte, flowChunk*2+10)
	for i := range payload {
		payload[i] = byte(i)
	}

	results := make(chan []byte, 1)
	errs := make(chan error, 2)
	go func() {
		_, err := a.Submit(ctx, wire.Action{Kind: wire.ActionSendFromBuffer, Buffer: payload})
		errs <- err
	}()
	go func() {
		rec, err := b.Submit(ctx, wire.Action{Kind: wire.ActionRecvToBuffer})
		errs <- err
		results <- rec
	}()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	got := <-results
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
}
