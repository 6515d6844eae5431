package space

import (
	"context"
	"runtime"
	"testing"

	"github.com/lattice-os/microk/internal/memory"
)

func TestMapFixedRejectsNullHint(t *testing.T) {
	s := New(1<<20, 1)
	v := memory.NewAllocated(4096, memory.CacheNormal)
	if _, err := s.Map(0, 0, 4096, Read, PolicyFixed, v, KindNormal); err == nil {
		t.Fatal("expected fixed mapping with a null hint to be illegal")
	}
}

func TestMapFixedNoReplaceCollision(t *testing.T) {
	s := New(1<<20, 1)
	v := memory.NewAllocated(8192, memory.CacheNormal)
	if _, err := s.Map(4096, 0, 4096, Read, PolicyFixedNoReplace, v, KindNormal); err != nil {
		t.Fatalf("first map: %v", err)
	}
	if _, err := s.Map(4096, 0, 4096, Read, PolicyFixedNoReplace, v, KindNormal); err == nil {
		t.Fatal("expected alreadyExists on overlapping fixedNoReplace map")
	}
}

func TestMapFixedReplacesOverlap(t *testing.T) {
	s := New(1<<20, 1)
	v := memory.NewAllocated(8192, memory.CacheNormal)
	if _, err := s.Map(4096, 0, 4096, Read, PolicyFixed, v, KindNormal); err != nil {
		t.Fatalf("first map: %v", err)
	}
	if _, err := s.Map(4096, 4096, 4096, Read, PolicyFixed, v, KindNormal); err != nil {
		t.Fatalf("expected fixed map to replace overlap, got: %v", err)
	}
	view, off, _, ok := s.Resolve(4096)
	if !ok {
		t.Fatal("expected a mapping at 4096")
	}
	if off != 4096 {
		t.Fatalf("expected replaced mapping's view offset 4096, got %d", off)
	}
	_ = view
}

func TestPreferBottomAndTop(t *testing.T) {
	s := New(16*pageSize, 1)
	v := memory.NewAllocated(pageSize, memory.CacheNormal)

	bottom, err := s.Map(0, 0, pageSize, Read, PolicyPreferBottom, v, KindNormal)
	if err != nil {
		t.Fatalf("preferBottom: %v", err)
	}
	if bottom != 0 {
		t.Fatalf("expected bottom placement at 0, got %d", bottom)
	}

	top, err := s.Map(0, 0, pageSize, Read, PolicyPreferTop, v, KindNormal)
	if err != nil {
		t.Fatalf("preferTop: %v", err)
	}
	if top != 15*pageSize {
		t.Fatalf("expected top placement at %d, got %d", 15*pageSize, top)
	}
}

func TestUnmapShootdownWaitsForBoundCPUs(t *testing.T) {
	s := New(1<<20, 2)
	v := memory.NewAllocated(4096, memory.CacheNormal)
	addr, err := s.Map(4096, 0, 4096, Read, PolicyFixed, v, KindNormal)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	s.BindCPU(0)
	s.BindCPU(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Unmap(ctx, addr, 4096) }()

	select {
	case <-done:
		t.Fatal("unmap completed before any CPU acknowledged the shootdown")
	default:
	}

	s.AckShootdown(0, s.shootSeq.Load())
	select {
	case <-done:
		t.Fatal("unmap completed before the second CPU acknowledged")
	default:
	}
	s.AckShootdown(1, s.shootSeq.Load())

	if err := <-done; err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, _, _, ok := s.Resolve(addr); ok {
		t.Fatal("expected no mapping to resolve after unmap completes")
	}
}

func TestProtectShrinkingForcesShootdown(t *testing.T) {
	s := New(1<<20, 1)
	v := memory.NewAllocated(4096, memory.CacheNormal)
	addr, err := s.Map(4096, 0, 4096, Read|Write, PolicyFixed, v, KindNormal)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	s.BindCPU(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Protect(ctx, addr, 4096, Read) }()

	for s.shootSeq.Load() == 0 {
		runtime.Gosched()
	}
	s.AckShootdown(0, s.shootSeq.Load())
	if err := <-done; err != nil {
		t.Fatalf("Protect: %v", err)
	}
	_, _, rights, ok := s.Resolve(addr)
	if !ok || rights != Read {
		t.Fatalf("expected read-only mapping after protect, got rights=%v ok=%v", rights, ok)
	}
}

func TestFaultHonoursRights(t *testing.T) {
	s := New(1<<20, 1)
	v := memory.NewAllocated(4096, memory.CacheNormal)
	addr, err := s.Map(4096, 0, 4096, Read, PolicyFixed, v, KindNormal)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Fault(ctx, addr, Write); err == nil {
		t.Fatal("expected write fault against a read-only mapping to fail")
	}
	if _, err := s.Fault(ctx, addr, Read); err != nil {
		t.Fatalf("expected read fault to succeed: %v", err)
	}
}

// TestCoWAcrossTwoSpaces exercises the CoW seed scenario: a 4-page view
// filled with 0xAA, mapped CoW in space A and read-only in space B; a
// write to page 1 in A must not be visible from B.
func TestCoWAcrossTwoSpaces(t *testing.T) {
	base := memory.NewAllocated(4*pageSize, memory.CacheNormal)
	ctx := context.Background()
	filled := make([]byte, 4*pageSize)
	for i := range filled {
		filled[i] = 0xAA
	}
	if _, err := base.CopyFrom(ctx, 0, filled); err != nil {
		t.Fatalf("seed base: %v", err)
	}

	cow := memory.NewCopyOnWrite(base)
	spaceA := New(1<<20, 1)
	spaceB := New(1<<20, 1)

	addrA, err := spaceA.Map(4096, 0, 4*pageSize, Read|Write, PolicyFixed, cow, KindCoW)
	if err != nil {
		t.Fatalf("map cow in A: %v", err)
	}
	addrB, err := spaceB.Map(4096, 0, 4*pageSize, Read, PolicyFixed, base, KindNormal)
	if err != nil {
		t.Fatalf("map base in B: %v", err)
	}

	if _, err := cow.CopyFrom(ctx, pageSize, []byte{0xBB}); err != nil {
		t.Fatalf("write to cow page 1: %v", err)
	}

	segA, err := spaceA.Fault(ctx, addrA+pageSize, Read)
	if err != nil {
		t.Fatalf("fault A page 1: %v", err)
	}
	if segA.Bytes[0] != 0xBB {
		t.Fatalf("expected A to see 0xBB on page 1, got %x", segA.Bytes[0])
	}

	segB, err := spaceB.Fault(ctx, addrB+pageSize, Read)
	if err != nil {
		t.Fatalf("fault B page 1: %v", err)
	}
	if segB.Bytes[0] != 0xAA {
		t.Fatalf("expected B to still see 0xAA on page 1, got %x", segB.Bytes[0])
	}
}

// TestWriteFaultPromotesCoWPage exercises the write-fault resolution path
// itself (spaceA.Fault with want=Write), rather than writing through the
// view directly: a write fault on a CoW mapping must promote a private
// page so the other space's mapping over the same base view is unaffected.
func TestWriteFaultPromotesCoWPage(t *testing.T) {
	base := memory.NewAllocated(4*pageSize, memory.CacheNormal)
	ctx := context.Background()
	filled := make([]byte, 4*pageSize)
	for i := range filled {
		filled[i] = 0xAA
	}
	if _, err := base.CopyFrom(ctx, 0, filled); err != nil {
		t.Fatalf("seed base: %v", err)
	}

	cow := memory.NewCopyOnWrite(base)
	spaceA := New(1<<20, 1)
	spaceB := New(1<<20, 1)

	addrA, err := spaceA.Map(4096, 0, 4*pageSize, Read|Write, PolicyFixed, cow, KindCoW)
	if err != nil {
		t.Fatalf("map cow in A: %v", err)
	}
	addrB, err := spaceB.Map(4096, 0, 4*pageSize, Read, PolicyFixed, base, KindNormal)
	if err != nil {
		t.Fatalf("map base in B: %v", err)
	}

	segA, err := spaceA.Fault(ctx, addrA+pageSize, Write)
	if err != nil {
		t.Fatalf("write fault A page 1: %v", err)
	}
	if segA.Bytes[0] != 0xAA {
		t.Fatalf("expected promoted page to retain base contents 0xAA, got %x", segA.Bytes[0])
	}
	segA.Bytes[0] = 0xCC

	segB, err := spaceB.Fault(ctx, addrB+pageSize, Read)
	if err != nil {
		t.Fatalf("fault B page 1: %v", err)
	}
	if segB.Bytes[0] != 0xAA {
		t.Fatalf("expected B to still see 0xAA on page 1 after A's private write, got %x", segB.Bytes[0])
	}

	segA2, err := spaceA.Fault(ctx, addrA+pageSize, Read)
	if err != nil {
		t.Fatalf("re-fault A page 1: %v", err)
	}
	if segA2.Bytes[0] != 0xCC {
		t.Fatalf("expected A's private page to keep 0xCC, got %x", segA2.Bytes[0])
	}
}
