// Package futex implements the global futex realm of spec §4.8: cross-
// space wait/wake keyed by a futex's global identity (the address-space
// translation of a virtual address to a stable physical token, per the
// spec's Open Questions — stood in for here as an opaque 64-bit Identity
// minted by whoever resolves that translation).
//
// Grounded on the teacher's real-vs-stub split (internal/uring/iouring.go
// vs iouring_stub.go, selected by //go:build giouring): wait/wake run the
// real Linux futex(2) syscall via golang.org/x/sys/unix.SYS_FUTEX behind a
// linux build tag (the same syscall.Syscall6 + unix.SYS_* idiom the
// teacher uses for io_uring_setup/io_uring_enter), falling back to a
// sync.Cond-per-identity implementation on other platforms.
package futex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lattice-os/microk/internal/kerr"
)

// Identity is a futex's global identity: stable across the threads and
// address spaces that share the underlying physical page.
type Identity uint64

// Realm owns one futex word per identity and implements wait/wake over
// it (spec §4.8).
type Realm struct {
	mu    sync.Mutex
	words map[Identity]*uint32
}

func NewRealm() *Realm {
	return &Realm{words: make(map[Identity]*uint32)}
}

func (r *Realm) wordFor(id Identity) *uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.words[id]
	if !ok {
		w = new(uint32)
		r.words[id] = w
	}
	return w
}

// Wait atomically compares the identity's word against expected and
// sleeps if equal, per spec §4.8. Returns nil once the word no longer
// matches expected (a wake that leaves the word unchanged keeps it
// waiting), or a kerr.CodeCancelled error if ctx is cancelled or its
// deadline (racing the wait, per spec) elapses first.
func (r *Realm) Wait(ctx context.Context, id Identity, expected uint32) error {
	word := r.wordFor(id)
	if atomic.LoadUint32(word) != expected {
		return nil
	}
	if err := waitWord(ctx, word, expected); err != nil {
		if err == context.Canceled || err == context.DeadlineExceeded {
			return kerr.New("Wait", kerr.CodeCancelled, "futex wait cancelled")
		}
		return err
	}
	return nil
}

// WaitDeadline races Wait against an explicit deadline, canceling
// whichever loses — the "deadlines are implemented by racing the wait
// against a timer and cancelling the loser" sentence of spec §4.8.
func (r *Realm) WaitDeadline(ctx context.Context, id Identity, expected uint32, deadline time.Time) error {
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return r.Wait(dctx, id, expected)
}

// Store sets the identity's word to value without waking anyone — the
// producer-side update a completion queue or shared data structure makes
// before calling Wake.
func (r *Realm) Store(id Identity, value uint32) {
	word := r.wordFor(id)
	atomic.StoreUint32(word, value)
}

// Wake wakes up to count waiters on identity (count <= 0 wakes all). On
// Linux it returns how many waiters futex(2) reports woken; the portable
// fallback returns count unchanged.
func (r *Realm) Wake(id Identity, count int) int {
	word := r.wordFor(id)
	return wakeWord(word, count)
}
