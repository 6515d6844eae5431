package memory

import (
	"context"
	"sync"

	"github.com/lattice-os/microk/internal/kerr"
)

// Hardware is a fixed physical-base, fixed-length view with no paging —
// the Go analog of mapping a device's BAR directly. Grounded on the
// teacher's RAM-backed Backend (backend/mem.go): a flat byte slice behind
// a mutex, here standing in for a fixed physical range instead of a block
// device's logical address space.
type Hardware struct {
	mu    sync.RWMutex
	data  []byte
	cache CacheMode
	observerSet
}

func NewHardware(length int64, cache CacheMode) *Hardware {
	return &Hardware{data: make([]byte, length), cache: cache}
}

func (h *Hardware) Len() int64      { return int64(len(h.data)) }
func (h *Hardware) Cache() CacheMode { return h.cache }

func (h *Hardware) Peek(offset int64) (Segment, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if offset < 0 || offset >= int64(len(h.data)) {
		return Segment{}, false
	}
	return Segment{Bytes: h.data[offset:], Cache: h.cache}, true
}

func (h *Hardware) FetchRange(ctx context.Context, offset int64) (Segment, error) {
	if seg, ok := h.Peek(offset); ok {
		return seg, nil
	}
	return Segment{}, kerr.New("FetchRange", kerr.CodeOutOfBounds, "offset beyond hardware view")
}

func (h *Hardware) LockRange(ctx context.Context, offset, length int64) (LockHandle, error) {
	if offset < 0 || offset+length > int64(len(h.data)) {
		return LockHandle{}, kerr.New("LockRange", kerr.CodeOutOfBounds, "range beyond hardware view")
	}
	return LockHandle{view: h, offset: offset, length: length}, nil
}

func (h *Hardware) CopyFrom(ctx context.Context, dstOffset int64, src []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dstOffset < 0 || dstOffset >= int64(len(h.data)) {
		return 0, kerr.New("CopyFrom", kerr.CodeOutOfBounds, "offset beyond hardware view")
	}
	return copyViaBounce(h.data[dstOffset:], src), nil
}

func (h *Hardware) CopyTo(ctx context.Context, dst []byte, srcOffset int64) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if srcOffset < 0 || srcOffset >= int64(len(h.data)) {
		return 0, kerr.New("CopyTo", kerr.CodeOutOfBounds, "offset beyond hardware view")
	}
	return copyViaBounce(dst, h.data[srcOffset:]), nil
}

func (h *Hardware) AddObserver(o Observer)    { h.observerSet.add(o) }
func (h *Hardware) RemoveObserver(o Observer) { h.observerSet.remove(o) }
func (h *Hardware) MarkDirty(int64, int64)    {}

// Allocated is an anonymous, lazily populated view — the "malloc a view"
// primitive backing most mappings. Resize is legal (spec §3's "may only
// grow by resize on allocated/managed views").
type Allocated struct {
	mu        sync.RWMutex
	data      []byte
	cache     CacheMode
	maxPhysBits int // 0 = unconstrained
	observerSet
}

func NewAllocated(length int64, cache CacheMode) *Allocated {
	return &Allocated{data: make([]byte, length), cache: cache}
}

func (a *Allocated) Len() int64      { a.mu.RLock(); defer a.mu.RUnlock(); return int64(len(a.data)) }
func (a *Allocated) Cache() CacheMode { return a.cache }

// Resize grows the view in place; per spec §3 this is the only mutation
// allowed to a view's length after construction.
func (a *Allocated) Resize(newLength int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if newLength < int64(len(a.data)) {
		return kerr.New("Resize", kerr.CodeIllegalArgs, "allocated views may only grow")
	}
	grown := make([]byte, newLength)
	copy(grown, a.data)
	a.data = grown
	return nil
}

func (a *Allocated) Peek(offset int64) (Segment, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if offset < 0 || offset >= int64(len(a.data)) {
		return Segment{}, false
	}
	return Segment{Bytes: a.data[offset:], Cache: a.cache}, true
}

func (a *Allocated) FetchRange(ctx context.Context, offset int64) (Segment, error) {
	if seg, ok := a.Peek(offset); ok {
		return seg, nil
	}
	return Segment{}, kerr.New("FetchRange", kerr.CodeOutOfBounds, "offset beyond allocated view")
}

func (a *Allocated) LockRange(ctx context.Context, offset, length int64) (LockHandle, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if offset < 0 || offset+length > int64(len(a.data)) {
		return LockHandle{}, kerr.New("LockRange", kerr.CodeOutOfBounds, "range beyond allocated view")
	}
	return LockHandle{view: a, offset: offset, length: length}, nil
}

func (a *Allocated) CopyFrom(ctx context.Context, dstOffset int64, src []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dstOffset < 0 || dstOffset >= int64(len(a.data)) {
		return 0, kerr.New("CopyFrom", kerr.CodeOutOfBounds, "offset beyond allocated view")
	}
	return copyViaBounce(a.data[dstOffset:], src), nil
}

func (a *Allocated) CopyTo(ctx context.Context, dst []byte, srcOffset int64) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if srcOffset < 0 || srcOffset >= int64(len(a.data)) {
		return 0, kerr.New("CopyTo", kerr.CodeOutOfBounds, "offset beyond allocated view")
	}
	return copyViaBounce(dst, a.data[srcOffset:]), nil
}

func (a *Allocated) AddObserver(o Observer)    { a.observerSet.add(o) }
func (a *Allocated) RemoveObserver(o Observer) { a.observerSet.remove(o) }
func (a *Allocated) MarkDirty(int64, int64)    {}

var (
	_ View = (*Hardware)(nil)
	_ View = (*Allocated)(nil)
)
