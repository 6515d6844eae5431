// Package space implements the address space of spec §4.3: a range tree
// of mappings over memory views, fault resolution, protect/unmap/
// synchronize, and the cross-CPU TLB shootdown protocol.
//
// Grounded on the teacher's queue.Runner bookkeeping (fixed-size arrays
// indexed by tag, atomic loads for cross-thread visibility) generalized
// from a flat array to an ordered range index. The ordered index itself
// uses github.com/google/btree (a real dependency of the corpus's
// Shuka0306-gvisor repo) instead of a hand-rolled red-black tree — the
// spec calls for a red-black tree but Go's ecosystem convention for an
// ordered map structure is an off-the-shelf B-tree, and google/btree is
// the one example of that shape present anywhere in the retrieved pack.
package space

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/lattice-os/microk/internal/kerr"
	"github.com/lattice-os/microk/internal/memory"
)

const pageSize = memory.PageSize

// Rights is a subset of {read, write, execute}.
type Rights uint8

const (
	Read Rights = 1 << iota
	Write
	Execute
)

func (r Rights) subsetOf(allowed Rights) bool { return r&^allowed == 0 }

// Policy selects how map() searches for a virtual range when no fixed
// hint is given (spec §4.3).
type Policy int

const (
	PolicyFixed Policy = iota
	PolicyFixedNoReplace
	PolicyPreferTop
	PolicyPreferBottom
)

// Kind distinguishes a plain mapping from one backed by a CoW chain node
// (spec §4.3's mapping tuple `{range, flags, view, offset, kind}`).
type Kind int

const (
	KindNormal Kind = iota
	KindCoW
)

// mapping is one entry of the range tree: [Start, Start+Length) over a
// view, installed as an observer of that view for eviction notification.
type mapping struct {
	Start  int64
	Length int64
	Rights Rights
	View   memory.View
	Offset int64 // offset within View
	Kind   Kind
}

func (m *mapping) end() int64 { return m.Start + m.Length }

func mappingLess(a, b *mapping) bool { return a.Start < b.Start }

// hole is a free range in the virtual address layout, tracked in its own
// tree so preferTop/preferBottom search doesn't have to walk mappings.
type hole struct {
	Start  int64
	Length int64
}

func (h *hole) end() int64 { return h.Start + h.Length }

func holeLess(a, b *hole) bool { return a.Start < b.Start }

// binding is one CPU's view of the shootdown sequence (spec §4.3's
// per-CPU bindings), the same atomic-slice idiom the teacher uses for
// tagStates: a fixed array of atomics rather than a mutex-guarded map.
type binding struct {
	active     atomic.Bool
	lastShot   atomic.Uint64
}

// shootNode tracks one in-flight unmap's outstanding CPU acknowledgements.
type shootNode struct {
	sequence       uint64
	bindingsToShoot atomic.Int64
	done           chan struct{}
}

// AddressSpace owns a page table (out of scope per spec §1 — modeled as
// the range tree itself resolving faults directly) and a red-black tree
// of mappings, generalized here to a btree-ordered index.
type AddressSpace struct {
	mu           sync.Mutex
	mappings     *btree.BTreeG[*mapping]
	holes        *btree.BTreeG[*hole]
	limit        int64
	shootSeq     atomic.Uint64
	bindings     []*binding
	pendingShoot map[uint64]*shootNode
}

// New creates an address space spanning [0, limit), entirely free.
func New(limit int64, cpuCount int) *AddressSpace {
	s := &AddressSpace{
		mappings:     btree.NewG(32, mappingLess),
		holes:        btree.NewG(32, holeLess),
		limit:        limit,
		bindings:     make([]*binding, cpuCount),
		pendingShoot: make(map[uint64]*shootNode),
	}
	s.holes.ReplaceOrInsert(&hole{Start: 0, Length: limit})
	for i := range s.bindings {
		s.bindings[i] = &binding{}
	}
	return s
}

// BindCPU marks cpu as actively using this space, caught up to the
// current shootdown sequence (spec §4.3's "bindings may voluntarily
// shoot on context switch" — binding in is equivalent to having shot).
func (s *AddressSpace) BindCPU(cpu int) {
	b := s.bindings[cpu]
	b.lastShot.Store(s.shootSeq.Load())
	b.active.Store(true)
}

func (s *AddressSpace) UnbindCPU(cpu int) {
	s.bindings[cpu].active.Store(false)
}

func alignPage(v int64) bool { return v%pageSize == 0 }

// Map installs view[offset, offset+length) at a virtual range chosen
// according to policy, per spec §4.3's map() semantics.
func (s *AddressSpace) Map(hint, offset, length int64, rights Rights, policy Policy, view memory.View, kind Kind) (int64, error) {
	if !alignPage(hint) || !alignPage(offset) || !alignPage(length) || length <= 0 {
		return 0, kerr.New("Map", kerr.CodeIllegalArgs, "hint/offset/length must be page-aligned")
	}
	if offset+length > view.Len() {
		return 0, kerr.New("Map", kerr.CodeOutOfBounds, "mapped range exceeds view")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var start int64
	switch policy {
	case PolicyFixed:
		if hint == 0 {
			// kHelMapFixed with a NULL hint is illegal for a non-virtualized
			// space; legal for a virtualized one. Replicated literally per
			// spec's Open Questions — no rationale given, none inferred.
			return 0, kerr.New("Map", kerr.CodeIllegalArgs, "fixed mapping requires a non-null hint")
		}
		start = hint
		s.unmapOverlapLocked(start, length)
	case PolicyFixedNoReplace:
		if hint == 0 {
			return 0, kerr.New("Map", kerr.CodeIllegalArgs, "fixed mapping requires a non-null hint")
		}
		start = hint
		if s.overlapsLocked(start, length) {
			return 0, kerr.New("Map", kerr.CodeAlreadyExists, "range already mapped")
		}
		s.consumeHoleLocked(start, length, policy)
	case PolicyPreferTop, PolicyPreferBottom:
		found, err := s.findHoleLocked(length, policy)
		if err != nil {
			return 0, err
		}
		start = found
		s.consumeHoleLocked(start, length, policy)
	default:
		return 0, kerr.New("Map", kerr.CodeIllegalArgs, "unknown placement policy")
	}

	if !rights.subsetOf(Read | Write | Execute) {
		return 0, kerr.New("Map", kerr.CodeIllegalArgs, "unknown rights bit")
	}

	m := &mapping{Start: start, Length: length, Rights: rights, View: view, Offset: offset, Kind: kind}
	s.mappings.ReplaceOrInsert(m)
	view.AddObserver(&mappingObserver{space: s, m: m})
	return start, nil
}

// findHoleLocked scans the hole tree for the first (preferBottom) or last
// (preferTop) hole large enough for length.
func (s *AddressSpace) findHoleLocked(length int64, policy Policy) (int64, error) {
	var found int64 = -1
	switch policy {
	case PolicyPreferBottom:
		s.holes.Ascend(func(h *hole) bool {
			if h.Length >= length {
				found = h.Start
				return false
			}
			return true
		})
	case PolicyPreferTop:
		s.holes.Descend(func(h *hole) bool {
			if h.Length >= length {
				found = h.end() - length
				return false
			}
			return true
		})
	}
	if found < 0 {
		return 0, kerr.New("Map", kerr.CodeNoMemory, "no hole large enough")
	}
	return found, nil
}

// consumeHoleLocked removes [start, start+length) from whichever hole
// contains it, leaving the remainder(s) as smaller holes.
func (s *AddressSpace) consumeHoleLocked(start, length int64, policy Policy) {
	var target *hole
	s.holes.DescendLessOrEqual(&hole{Start: start}, func(h *hole) bool {
		if h.Start <= start && start+length <= h.end() {
			target = h
		}
		return false
	})
	if target == nil {
		return
	}
	s.holes.Delete(target)
	if target.Start < start {
		s.holes.ReplaceOrInsert(&hole{Start: target.Start, Length: start - target.Start})
	}
	if start+length < target.end() {
		s.holes.ReplaceOrInsert(&hole{Start: start + length, Length: target.end() - (start + length)})
	}
}

func (s *AddressSpace) overlapsLocked(start, length int64) bool {
	overlap := false
	s.mappings.AscendGreaterOrEqual(&mapping{Start: 0}, func(m *mapping) bool {
		if m.Start < start+length && start < m.end() {
			overlap = true
			return false
		}
		return true
	})
	return overlap
}

// unmapOverlapLocked removes any mapping overlapping [start, start+length),
// splitting at boundaries, before a fixed-policy insert (spec §4.3: "unmap
// any pre-existing overlap atomically under the space lock").
func (s *AddressSpace) unmapOverlapLocked(start, length int64) {
	s.unmapRangeLocked(start, length)
}

// unmapRangeLocked splits mappings at [start, start+length)'s boundaries
// and removes the covered portion, returning holes for the freed range.
func (s *AddressSpace) unmapRangeLocked(start, length int64) {
	end := start + length
	var affected []*mapping
	s.mappings.Ascend(func(m *mapping) bool {
		if m.Start < end && start < m.end() {
			affected = append(affected, m)
		}
		return true
	})
	for _, m := range affected {
		s.mappings.Delete(m)
		if m.Start < start {
			s.mappings.ReplaceOrInsert(&mapping{Start: m.Start, Length: start - m.Start, Rights: m.Rights, View: m.View, Offset: m.Offset, Kind: m.Kind})
		}
		if end < m.end() {
			tailOffset := m.Offset + (end - m.Start)
			s.mappings.ReplaceOrInsert(&mapping{Start: end, Length: m.end() - end, Rights: m.Rights, View: m.View, Offset: tailOffset, Kind: m.Kind})
		}
	}
	s.holes.ReplaceOrInsert(&hole{Start: start, Length: length})
}

// Unmap removes [addr, addr+length) and issues a TLB shootdown, returning
// once every active CPU binding has caught up (spec §4.3).
func (s *AddressSpace) Unmap(ctx context.Context, addr, length int64) error {
	if !alignPage(addr) || !alignPage(length) {
		return kerr.New("Unmap", kerr.CodeIllegalArgs, "addr/length must be page-aligned")
	}
	s.mu.Lock()
	s.unmapRangeLocked(addr, length)
	node := s.beginShootdownLocked()
	s.mu.Unlock()

	return s.waitShootdown(ctx, node)
}

// beginShootdownLocked bumps shootSequence, enqueues a ShootNode,
// snapshots the active CPU set, and counts how many are behind.
func (s *AddressSpace) beginShootdownLocked() *shootNode {
	seq := s.shootSeq.Add(1)
	node := &shootNode{sequence: seq, done: make(chan struct{})}
	var behind int64
	for _, b := range s.bindings {
		if b.active.Load() && b.lastShot.Load() < seq {
			behind++
		}
	}
	node.bindingsToShoot.Store(behind)
	if behind == 0 {
		close(node.done)
	} else {
		s.pendingShoot[seq] = node
	}
	return node
}

// AckShootdown is called by a CPU binding's context-switch path (or
// voluntarily) once it has caught up to sequence.
func (s *AddressSpace) AckShootdown(cpu int, sequence uint64) {
	b := s.bindings[cpu]
	if b.lastShot.Load() >= sequence {
		return
	}
	b.lastShot.Store(sequence)

	s.mu.Lock()
	node, ok := s.pendingShoot[sequence]
	s.mu.Unlock()
	if !ok {
		return
	}
	if node.bindingsToShoot.Add(-1) == 0 {
		s.mu.Lock()
		delete(s.pendingShoot, sequence)
		s.mu.Unlock()
		close(node.done)
	}
}

func (s *AddressSpace) waitShootdown(ctx context.Context, node *shootNode) error {
	select {
	case <-node.done:
		return nil
	case <-ctx.Done():
		return kerr.New("Unmap", kerr.CodeCancelled, "shootdown wait cancelled")
	}
}

// Protect changes flags on an existing range; shrinking rights forces a
// shootdown (spec §4.3).
func (s *AddressSpace) Protect(ctx context.Context, addr, length int64, rights Rights) error {
	if !alignPage(addr) || !alignPage(length) {
		return kerr.New("Protect", kerr.CodeIllegalArgs, "addr/length must be page-aligned")
	}
	s.mu.Lock()
	var shrinking bool
	var touched []*mapping
	s.mappings.Ascend(func(m *mapping) bool {
		if m.Start < addr+length && addr < m.end() {
			if m.Rights&^rights != 0 {
				shrinking = true
			}
			touched = append(touched, m)
		}
		return true
	})
	for _, m := range touched {
		s.mappings.Delete(m)
		m.Rights = rights
		s.mappings.ReplaceOrInsert(m)
	}
	var node *shootNode
	if shrinking {
		node = s.beginShootdownLocked()
	}
	s.mu.Unlock()
	if node != nil {
		return s.waitShootdown(ctx, node)
	}
	return nil
}

// Synchronize flushes dirty pages in [addr, addr+length) through each
// overlapping mapping's owning view.
func (s *AddressSpace) Synchronize(addr, length int64) {
	s.mu.Lock()
	var touched []*mapping
	s.mappings.Ascend(func(m *mapping) bool {
		if m.Start < addr+length && addr < m.end() {
			touched = append(touched, m)
		}
		return true
	})
	s.mu.Unlock()
	for _, m := range touched {
		lo := addr
		if m.Start > lo {
			lo = m.Start
		}
		hi := addr + length
		if m.end() < hi {
			hi = m.end()
		}
		m.View.MarkDirty(m.Offset+(lo-m.Start), hi-lo)
	}
}

// Resolve finds the mapping (if any) covering addr, for fault handling.
func (s *AddressSpace) Resolve(addr int64) (memory.View, int64, Rights, bool) {
	view, offset, rights, _, ok := s.resolveMapping(addr)
	return view, offset, rights, ok
}

// resolveMapping is Resolve plus the mapping's Kind, needed by Fault to
// detect a CoW write that must promote before returning its segment.
func (s *AddressSpace) resolveMapping(addr int64) (memory.View, int64, Rights, Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *mapping
	s.mappings.DescendLessOrEqual(&mapping{Start: addr}, func(m *mapping) bool {
		if m.Start <= addr && addr < m.end() {
			found = m
		}
		return false
	})
	if found == nil {
		return nil, 0, 0, KindNormal, false
	}
	return found.View, found.Offset + (addr - found.Start), found.Rights, found.Kind, true
}

// Fault resolves a page fault at addr by fetching the backing range from
// the owning view, honoring the requested rights. A write fault against a
// CoW mapping first promotes the page into a private allocation (spec
// §4.3) so the returned segment never aliases storage another space's
// mapping still reads.
func (s *AddressSpace) Fault(ctx context.Context, addr int64, want Rights) (memory.Segment, error) {
	view, viewOffset, rights, kind, ok := s.resolveMapping(addr)
	if !ok {
		return memory.Segment{}, kerr.New("Fault", kerr.CodeFault, "no mapping covers address")
	}
	if !want.subsetOf(rights) {
		return memory.Segment{}, kerr.New("Fault", kerr.CodeFault, "access exceeds mapping rights")
	}
	if kind == KindCoW && want&Write != 0 {
		promoter, ok := view.(memory.Promoter)
		if !ok {
			return memory.Segment{}, kerr.New("Fault", kerr.CodeFault, "cow mapping's view cannot promote")
		}
		if err := promoter.Promote(ctx, viewOffset); err != nil {
			return memory.Segment{}, err
		}
	}
	return view.FetchRange(ctx, viewOffset)
}

// mappingObserver bridges a view's eviction notification back to the
// space that installed the mapping (mappings hold strong refs to views;
// views hold only this weak observer back-link, breaking the cycle
// spec.md's Known Tricky Area #1 calls out).
type mappingObserver struct {
	space *AddressSpace
	m     *mapping
}

func (o *mappingObserver) Evict(ctx context.Context, offset, length int64) {
	lo := o.m.Start + (offset - o.m.Offset)
	o.space.Synchronize(lo, length)
}

var _ memory.Observer = (*mappingObserver)(nil)
