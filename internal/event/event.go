// Package event implements the one-shot event, bitset event, and IRQ
// object of spec §4.7.
//
// One-shot/bitset latches are guarded by sync.Mutex plus sync.Cond,
// grounded on the teacher's tagMutexes-per-slot locking idiom
// (internal/queue/runner.go) applied here to 32 independent bit latches
// instead of per-tag I/O state. The IRQ sink's pending wait queue uses
// github.com/eapache/queue again, matching internal/stream's choice for
// consistency within the module.
package event

import (
	"context"
	"sync"

	"github.com/eapache/queue"
	"github.com/lattice-os/microk/internal/kerr"
)

// OneShotEvent is a latch (raisedSeq ∈ {0,1}, wait queue); subsequent
// triggers after the first are no-ops (spec §4.7).
type OneShotEvent struct {
	mu      sync.Mutex
	cond    *sync.Cond
	raised  bool
	sequence uint64
}

func NewOneShot() *OneShotEvent {
	e := &OneShotEvent{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Trigger atomically promotes sequence 0→1 and wakes all waiters.
func (e *OneShotEvent) Trigger() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.raised {
		return
	}
	e.raised = true
	e.sequence = 1
	e.cond.Broadcast()
}

// Await blocks until the event is triggered or ctx is cancelled.
func (e *OneShotEvent) Await(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.raised {
		if ctx.Err() != nil {
			return kerr.New("Await", kerr.CodeCancelled, "await cancelled")
		}
		e.cond.Wait()
	}
	return nil
}

const bitsetWidth = 32

// BitsetEvent holds 32 independent bit-latches, each with its own
// monotonic sequence (spec §4.7).
type BitsetEvent struct {
	mu        sync.Mutex
	cond      *sync.Cond
	sequences [bitsetWidth]uint64
	total     uint64
}

func NewBitset() *BitsetEvent {
	e := &BitsetEvent{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Trigger updates the latches named by bits, advancing each one's
// sequence, and wakes waiters.
func (e *BitsetEvent) Trigger(bits uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < bitsetWidth; i++ {
		if bits&(1<<uint(i)) != 0 {
			e.total++
			e.sequences[i] = e.total
		}
	}
	e.cond.Broadcast()
}

// AwaitBitset blocks until at least one bit has advanced past sinceSeq,
// returning the set of bits that have.
func (e *BitsetEvent) AwaitBitset(ctx context.Context, sinceSeq uint64) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		var advanced uint32
		for i := 0; i < bitsetWidth; i++ {
			if e.sequences[i] > sinceSeq {
				advanced |= 1 << uint(i)
			}
		}
		if advanced != 0 {
			return advanced, nil
		}
		if ctx.Err() != nil {
			return 0, kerr.New("AwaitBitset", kerr.CodeCancelled, "await cancelled")
		}
		e.cond.Wait()
	}
}

// IRQStrategy is recorded on an IRQLine when it is created. Ack, Nack and
// Kick do not consult it: both strategies clear the pending flag the same
// way, and no line masking or unmasking is modeled.
type IRQStrategy int

const (
	StrategyMaskThenEOI IRQStrategy = iota
	StrategyAutoEOI
)

// irqWaiter is one observer parked on IRQLine.Wait.
type irqWaiter struct {
	done chan uint64
}

// IRQLine is a sink attached to a pin by the platform layer (spec §4.7).
// Automate, if set, runs on every hardware raise before waiters are
// woken — the kernlet automation closure hook original_source's
// irq.hpp exposes, supplemented here per the expansion's domain-stack
// wiring (no teacher or pack analog; grounded directly on spec text).
type IRQLine struct {
	mu              sync.Mutex
	strategy        IRQStrategy
	currentSequence uint64
	pending         bool
	waiters         *queue.Queue
	Automate        func(seq uint64)
}

func NewIRQLine(strategy IRQStrategy) *IRQLine {
	return &IRQLine{strategy: strategy, waiters: queue.New()}
}

// Raise is called by the platform layer on a hardware interrupt.
func (l *IRQLine) Raise() {
	l.mu.Lock()
	l.currentSequence++
	l.pending = true
	seq := l.currentSequence
	var woken []*irqWaiter
	for l.waiters.Length() > 0 {
		woken = append(woken, l.waiters.Remove().(*irqWaiter))
	}
	automate := l.Automate
	l.mu.Unlock()

	if automate != nil {
		automate(seq)
	}
	for _, w := range woken {
		w.done <- seq
	}
}

// Wait returns the current sequence at once while a raise is pending (not
// yet acked or kicked); otherwise it blocks until the next hardware raise
// and returns that raise's sequence.
func (l *IRQLine) Wait(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	if l.pending {
		seq := l.currentSequence
		l.mu.Unlock()
		return seq, nil
	}
	w := &irqWaiter{done: make(chan uint64, 1)}
	l.waiters.Add(w)
	l.mu.Unlock()

	select {
	case seq := <-w.done:
		return seq, nil
	case <-ctx.Done():
		return 0, kerr.New("Wait", kerr.CodeCancelled, "irq wait cancelled")
	}
}

// Ack marks the interrupt handled through seq; stale sequences (not the
// current one) are silently dropped, per spec §4.7.
func (l *IRQLine) Ack(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq != l.currentSequence {
		return
	}
	l.pending = false
}

// Nack records that the sink could not handle the interrupt; stale
// sequences are dropped identically to Ack.
func (l *IRQLine) Nack(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq != l.currentSequence {
		return
	}
	// pin bookkeeping note only; no strategy change without a concrete
	// platform layer to re-arm.
}

// Kick force-unmasks the line without an ack, for edge-triggered
// interrupts coalesced by the platform layer.
func (l *IRQLine) Kick() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = false
}

func (l *IRQLine) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}
