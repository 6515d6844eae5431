package memory

import (
	"context"
	"sync"

	"github.com/lattice-os/microk/internal/kerr"
)

// indirectSlot is one rebindable slot of an Indirect view.
type indirectSlot struct {
	target View
	offset int64
	length int64
}

// Indirect is a view with a fixed number of slots, each independently
// rebindable to another view and range (spec §3). It is the level of
// indirection that lets a mapping be retargeted without remapping the
// address space that references it.
type Indirect struct {
	mu    sync.RWMutex
	slots []indirectSlot
	cache CacheMode
}

func NewIndirect(slotCount int, slotLength int64, cache CacheMode) *Indirect {
	return &Indirect{slots: make([]indirectSlot, slotCount), cache: cache}
}

// Bind rebinds slot i to [offset, offset+length) of target.
func (ind *Indirect) Bind(i int, target View, offset, length int64) error {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	if i < 0 || i >= len(ind.slots) {
		return kerr.New("Bind", kerr.CodeOutOfBounds, "slot index out of range")
	}
	if offset < 0 || offset+length > target.Len() {
		return kerr.New("Bind", kerr.CodeOutOfBounds, "bound range exceeds target view")
	}
	ind.slots[i] = indirectSlot{target: target, offset: offset, length: length}
	return nil
}

func (ind *Indirect) Len() int64 {
	ind.mu.RLock()
	defer ind.mu.RUnlock()
	var total int64
	for _, s := range ind.slots {
		total += s.length
	}
	return total
}

func (ind *Indirect) Cache() CacheMode { return ind.cache }

// locate maps a flat offset across all slots to (slot, offsetWithinSlot).
func (ind *Indirect) locate(offset int64) (indirectSlot, int64, error) {
	ind.mu.RLock()
	defer ind.mu.RUnlock()
	remaining := offset
	for _, s := range ind.slots {
		if remaining < s.length {
			if s.target == nil {
				return indirectSlot{}, 0, kerr.New("Indirect", kerr.CodeNoDescriptor, "slot unbound")
			}
			return s, remaining, nil
		}
		remaining -= s.length
	}
	return indirectSlot{}, 0, kerr.New("Indirect", kerr.CodeOutOfBounds, "offset beyond indirect view")
}

func (ind *Indirect) Peek(offset int64) (Segment, bool) {
	slot, slotOffset, err := ind.locate(offset)
	if err != nil {
		return Segment{}, false
	}
	return slot.target.Peek(slot.offset + slotOffset)
}

func (ind *Indirect) FetchRange(ctx context.Context, offset int64) (Segment, error) {
	slot, slotOffset, err := ind.locate(offset)
	if err != nil {
		return Segment{}, err
	}
	return slot.target.FetchRange(ctx, slot.offset+slotOffset)
}

func (ind *Indirect) LockRange(ctx context.Context, offset, length int64) (LockHandle, error) {
	slot, slotOffset, err := ind.locate(offset)
	if err != nil {
		return LockHandle{}, err
	}
	return slot.target.LockRange(ctx, slot.offset+slotOffset, length)
}

func (ind *Indirect) CopyFrom(ctx context.Context, dstOffset int64, src []byte) (int, error) {
	slot, slotOffset, err := ind.locate(dstOffset)
	if err != nil {
		return 0, err
	}
	return slot.target.CopyFrom(ctx, slot.offset+slotOffset, src)
}

func (ind *Indirect) CopyTo(ctx context.Context, dst []byte, srcOffset int64) (int, error) {
	slot, slotOffset, err := ind.locate(srcOffset)
	if err != nil {
		return 0, err
	}
	return slot.target.CopyTo(ctx, dst, slot.offset+slotOffset)
}

func (ind *Indirect) AddObserver(o Observer) {
	ind.mu.RLock()
	defer ind.mu.RUnlock()
	for _, s := range ind.slots {
		if s.target != nil {
			s.target.AddObserver(o)
		}
	}
}

func (ind *Indirect) RemoveObserver(o Observer) {
	ind.mu.RLock()
	defer ind.mu.RUnlock()
	for _, s := range ind.slots {
		if s.target != nil {
			s.target.RemoveObserver(o)
		}
	}
}

func (ind *Indirect) MarkDirty(offset, length int64) {
	slot, slotOffset, err := ind.locate(offset)
	if err != nil {
		return
	}
	slot.target.MarkDirty(slot.offset+slotOffset, length)
}

var _ View = (*Indirect)(nil)
