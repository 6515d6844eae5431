// Package handle implements the per-universe handle table: the mapping
// from opaque signed 32-bit handles to typed descriptor references.
//
// Modeled on the teacher's internal/ctrl.Controller (one coarse lock
// guarding a kernel-object table across its whole lifecycle) combined with
// internal/queue.Runner's per-tag sync.Mutex slice, generalized here into a
// single table lock that is held only across the table mutation itself —
// the Go stand-in for the spec's "IRQ-disabled handle-table critical
// section" (there is no IRQ level to disable in user space; a mutex held
// for O(1)/O(log n) work is the faithful analog).
package handle

import (
	"sync"
	"sync/atomic"

	"github.com/lattice-os/microk/internal/logging"
)

// Handle is an opaque per-universe reference. Negative values are reserved
// for well-known pseudo-handles; zero is never a valid attached handle.
type Handle int32

const (
	ThisThread   Handle = -1
	ThisUniverse Handle = -2
	Null         Handle = -3
	ZeroPage     Handle = -4
)

// Descriptor is any object a handle can point to. Concrete kinds embed a
// Ref to participate in reference counting.
type Descriptor interface {
	Retain()
	Release() int32
}

// Ref is the strong-reference counter embedded by every descriptor kind.
type Ref struct {
	count atomic.Int32
}

func NewRef() Ref {
	r := Ref{}
	r.count.Store(1)
	return r
}

func (r *Ref) Retain() { r.count.Add(1) }

// Release decrements the refcount and returns the value after decrement;
// callers tear the descriptor down when it reaches zero.
func (r *Ref) Release() int32 { return r.count.Add(-1) }

func (r *Ref) Count() int32 { return r.count.Load() }

// Table is a universe's handle table: next-handle allocator plus the
// handle → descriptor map, guarded by a single mutex.
type Table struct {
	mu      sync.Mutex
	entries map[Handle]Descriptor
	next    int32
	logger  *logging.Logger
}

// New creates an empty table. A nil logger is valid and silently no-ops,
// matching every other subsystem's injected-logger convention.
func New(logger *logging.Logger) *Table {
	return &Table{
		entries: make(map[Handle]Descriptor),
		next:    1,
		logger:  logger,
	}
}

func (t *Table) logf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Debugf(format, args...)
	}
}

// Attach inserts desc under a freshly allocated handle. Handles are never
// reused within a table's lifetime until explicitly detached and the
// allocator wraps, satisfying spec invariant 1 (handle uniqueness) for any
// realistic run length.
func (t *Table) Attach(desc Descriptor) Handle {
	t.mu.Lock()
	h := Handle(t.next)
	t.next++
	if t.next <= 0 {
		t.next = 1 // wrap away from the negative pseudo-handle range
	}
	t.entries[h] = desc
	t.mu.Unlock()
	t.logf("attach handle=%d", h)
	return h
}

// Detach removes and returns the descriptor at h, or (nil, false) if h was
// not attached. The descriptor's refcount is left untouched — callers
// release it themselves, since detach does not always mean "drop a
// reference" (e.g. transfer detaches without releasing).
func (t *Table) Detach(h Handle) (Descriptor, bool) {
	t.mu.Lock()
	desc, ok := t.entries[h]
	if ok {
		delete(t.entries, h)
	}
	t.mu.Unlock()
	if ok {
		t.logf("detach handle=%d", h)
	}
	return desc, ok
}

// Get looks up h without removing it.
func (t *Table) Get(h Handle) (Descriptor, bool) {
	t.mu.Lock()
	desc, ok := t.entries[h]
	t.mu.Unlock()
	return desc, ok
}

// Transfer moves the descriptor at h from this table to target, returning
// the handle it was attached under in target. Per spec §4.1, transfer is
// not atomic across universes: a concurrent detach observed on the source
// side between the Detach and the Attach below surfaces as noDescriptor to
// the caller, which is the documented, permitted race.
func (t *Table) Transfer(h Handle, target *Table) (Handle, bool) {
	desc, ok := t.Detach(h)
	if !ok {
		return 0, false
	}
	return target.Attach(desc), true
}

// Len reports the number of currently attached handles, for tests and
// metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
