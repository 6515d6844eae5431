package handle

import "testing"

type fakeDescriptor struct {
	Ref
}

func TestAttachDetachUniqueness(t *testing.T) {
	tbl := New(nil)
	seen := make(map[Handle]bool)
	var handles []Handle
	for i := 0; i < 100; i++ {
		h := tbl.Attach(&fakeDescriptor{Ref: NewRef()})
		if seen[h] {
			t.Fatalf("handle %d reused while still attached", h)
		}
		seen[h] = true
		handles = append(handles, h)
	}
	for _, h := range handles {
		if _, ok := tbl.Detach(h); !ok {
			t.Fatalf("expected handle %d to be attached", h)
		}
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table after detaching everything, got %d", tbl.Len())
	}
}

func TestDetachUnknownHandle(t *testing.T) {
	tbl := New(nil)
	if _, ok := tbl.Detach(Handle(999)); ok {
		t.Fatal("expected detach of unknown handle to fail")
	}
}

func TestRefcountRoundTrip(t *testing.T) {
	d := &fakeDescriptor{Ref: NewRef()}
	tbl := New(nil)
	h := tbl.Attach(d)
	d.Retain()
	if d.Count() != 2 {
		t.Fatalf("expected refcount 2 after retain, got %d", d.Count())
	}
	if left := d.Release(); left != 1 {
		t.Fatalf("expected refcount 1 after release, got %d", left)
	}
	got, ok := tbl.Detach(h)
	if !ok || got != Descriptor(d) {
		t.Fatal("expected to detach the same descriptor")
	}
	if left := d.Release(); left != 0 {
		t.Fatalf("expected refcount 0 after final release, got %d", left)
	}
}

func TestTransferMovesHandle(t *testing.T) {
	src := New(nil)
	dst := New(nil)
	d := &fakeDescriptor{Ref: NewRef()}
	h := src.Attach(d)

	newHandle, ok := src.Transfer(h, dst)
	if !ok {
		t.Fatal("expected transfer to succeed")
	}
	if _, ok := src.Get(h); ok {
		t.Fatal("expected source table to no longer have the handle")
	}
	if got, ok := dst.Get(newHandle); !ok || got != Descriptor(d) {
		t.Fatal("expected target table to have the transferred descriptor")
	}
}

func TestTransferConcurrentDetachRace(t *testing.T) {
	src := New(nil)
	dst := New(nil)
	d := &fakeDescriptor{Ref: NewRef()}
	h := src.Attach(d)
	src.Detach(h) // simulate a racing detach before Transfer runs

	if _, ok := src.Transfer(h, dst); ok {
		t.Fatal("expected transfer of an already-detached handle to fail")
	}
}
