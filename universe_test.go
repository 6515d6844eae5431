package microk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-os/microk/internal/event"
	"github.com/lattice-os/microk/internal/space"
	"github.com/lattice-os/microk/internal/stream"
	"github.com/lattice-os/microk/internal/wire"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	return NewKernel(KernelOptions{})
}

// S1: offer/accept + send/recv inline across a freshly created stream pair,
// verified through the Universe's handle-table wiring rather than calling
// into internal/stream directly.
func TestSeedOfferAcceptSendRecvInline(t *testing.T) {
	k := newTestKernel(t)
	u := k.NewUniverse()

	h1, h2 := u.CreateStreamPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errs := make(chan error, 2)
	results := make(chan [][]byte, 1)

	go func() {
		_, err := u.SubmitLaneList(ctx, h1, func(l *stream.Lane) ([][]byte, error) {
			return l.SubmitList(ctx, []wire.Action{
				{Kind: wire.ActionOffer},
				{Kind: wire.ActionSendFromBuffer, Buffer: []byte("hello")},
			})
		})
		errs <- err
	}()
	go func() {
		recs, err := u.SubmitLaneList(ctx, h2, func(l *stream.Lane) ([][]byte, error) {
			return l.SubmitList(ctx, []wire.Action{
				{Kind: wire.ActionAccept},
				{Kind: wire.ActionRecvInline},
			})
		})
		errs <- err
		results <- recs
	}()

	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	recs := <-results
	require.Len(t, recs, 2)
	assert.Equal(t, "hello", string(recs[1]))

	snap := k.MetricsSnapshot()
	assert.NotZero(t, snap.LaneMatches)
}

// S4: submitting a long-deadline async op then immediately cancelling it
// yields a bounded-time cancellation rather than waiting out the deadline.
func TestSeedCancelAsync(t *testing.T) {
	k := newTestKernel(t)
	u := k.NewUniverse()

	asyncID, err := u.SubmitAsync(context.Background(), func(ctx context.Context) ([]byte, error) {
		select {
		case <-time.After(time.Hour):
			return []byte("too slow"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.NoError(t, err)
	assert.True(t, u.CancelAsync(asyncID), "expected CancelAsync to find the pending operation")

	snap := k.MetricsSnapshot()
	assert.EqualValues(t, 1, snap.Cancellations)
}

// TestSubmitAsyncPublishesErrorCompletion exercises the case the seed
// scenarios don't: fn fails on its own (not via CancelAsync), which must
// still deliver a completion record rather than leaving a dequeuer
// blocked forever (spec §7 / invariant 7).
func TestSubmitAsyncPublishesErrorCompletion(t *testing.T) {
	k := newTestKernel(t)
	u := k.NewUniverse()

	asyncID, err := u.SubmitAsync(context.Background(), func(ctx context.Context) ([]byte, error) {
		return nil, New("Submit", CodeFault, "simulated fault")
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	records, err := u.DequeueCompletions(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, asyncID, records[0].AsyncID)

	rec, err := wire.UnmarshalSimple(records[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.ErrFault, rec.Error)
}

// S5: IRQ ack/nack sequencing through a Universe-owned IRQ line handle.
func TestSeedIRQAckNackSequencing(t *testing.T) {
	k := newTestKernel(t)
	u := k.NewUniverse()

	_, line := u.CreateIRQLine(event.StrategyMaskThenEOI)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	line.Raise()
	seq, err := line.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if seq != 1 {
		t.Fatalf("got sequence %d, want 1", seq)
	}

	line.Nack(seq)
	if !line.Pending() {
		t.Fatal("expected line to remain masked after Nack")
	}

	line.Ack(seq)
	if line.Pending() {
		t.Fatal("expected line to unmask after Ack")
	}

	line.Raise()
	done := make(chan uint64, 1)
	go func() {
		s, err := line.Wait(ctx)
		if err != nil {
			t.Errorf("Wait: %v", err)
			return
		}
		done <- s
	}()
	select {
	case s := <-done:
		if s != 2 {
			t.Fatalf("got sequence %d, want 2", s)
		}
	case <-time.After(time.Second):
		t.Fatal("second raise never woke a waiter")
	}
}

// S6: two bitset waiters both wake from one combined trigger of bits
// {1,2}, each seeing at least one of those bits set in the returned mask.
func TestSeedBitsetDualWaiters(t *testing.T) {
	k := newTestKernel(t)
	u := k.NewUniverse()

	_, bits := u.CreateBitsetEvent()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results := make(chan uint32, 2)
	for i := 0; i < 2; i++ {
		go func() {
			got, err := bits.AwaitBitset(ctx, 0)
			if err != nil {
				t.Errorf("AwaitBitset: %v", err)
				return
			}
			results <- got
		}()
	}

	time.Sleep(20 * time.Millisecond)
	bits.Trigger(0b11)

	for i := 0; i < 2; i++ {
		select {
		case got := <-results:
			if got&0b11 == 0 {
				t.Fatalf("got %b, want at least one of bits {1,2} set", got)
			}
		case <-time.After(time.Second):
			t.Fatal("a bitset waiter never woke")
		}
	}
}

func TestCreateAndMapMemoryThroughUniverse(t *testing.T) {
	k := newTestKernel(t)
	u := k.NewUniverse()

	memHandle := u.CreateAllocatedMemory(4096, 0)
	spaceHandle := u.CreateSpace(DefaultAddressSpaceLimit, 1)

	addr, err := u.MapIntoSpace(spaceHandle, memHandle, 0, 0, 4096, space.Read|space.Write, space.PolicyPreferBottom, space.KindNormal)
	require.NoError(t, err)

	seg, err := u.FaultInSpace(context.Background(), spaceHandle, addr, space.Read)
	require.NoError(t, err)
	assert.NotEmpty(t, seg.Bytes)
}

func TestCloseDescriptorRejectsUnknownHandle(t *testing.T) {
	k := newTestKernel(t)
	u := k.NewUniverse()

	assert.Error(t, u.CloseDescriptor(999))
}

func TestTransferDescriptorMovesBetweenUniverses(t *testing.T) {
	k := newTestKernel(t)
	a := k.NewUniverse()
	b := k.NewUniverse()

	memHandle := a.CreateAllocatedMemory(4096, 0)
	nh, err := a.TransferDescriptor(memHandle, b)
	require.NoError(t, err)

	_, err = a.resolveMemory(memHandle)
	assert.Error(t, err, "expected the source universe to no longer hold the handle")

	_, err = b.resolveMemory(nh)
	assert.NoError(t, err, "expected the target universe to hold the handle")
}
