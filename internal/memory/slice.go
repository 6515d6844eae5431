package memory

import (
	"context"

	"github.com/lattice-os/microk/internal/kerr"
)

// Slice wraps another view over [off, off+len), never exceeding the
// parent's own length (spec §3).
type Slice struct {
	parent View
	off    int64
	length int64
}

func NewSlice(parent View, off, length int64) (*Slice, error) {
	if off < 0 || length < 0 || off+length > parent.Len() {
		return nil, kerr.New("NewSlice", kerr.CodeOutOfBounds, "slice range exceeds parent view")
	}
	return &Slice{parent: parent, off: off, length: length}, nil
}

func (s *Slice) Len() int64       { return s.length }
func (s *Slice) Cache() CacheMode { return s.parent.Cache() }

func (s *Slice) translate(offset int64) (int64, error) {
	if offset < 0 || offset >= s.length {
		return 0, kerr.New("Slice", kerr.CodeOutOfBounds, "offset beyond slice")
	}
	return s.off + offset, nil
}

func (s *Slice) Peek(offset int64) (Segment, bool) {
	parentOffset, err := s.translate(offset)
	if err != nil {
		return Segment{}, false
	}
	seg, ok := s.parent.Peek(parentOffset)
	if !ok {
		return Segment{}, false
	}
	return s.clamp(seg, offset), true
}

func (s *Slice) clamp(seg Segment, offset int64) Segment {
	max := s.length - offset
	if int64(len(seg.Bytes)) > max {
		seg.Bytes = seg.Bytes[:max]
	}
	return seg
}

func (s *Slice) FetchRange(ctx context.Context, offset int64) (Segment, error) {
	parentOffset, err := s.translate(offset)
	if err != nil {
		return Segment{}, err
	}
	seg, err := s.parent.FetchRange(ctx, parentOffset)
	if err != nil {
		return Segment{}, err
	}
	return s.clamp(seg, offset), nil
}

func (s *Slice) LockRange(ctx context.Context, offset, length int64) (LockHandle, error) {
	parentOffset, err := s.translate(offset)
	if err != nil {
		return LockHandle{}, err
	}
	return s.parent.LockRange(ctx, parentOffset, length)
}

func (s *Slice) CopyFrom(ctx context.Context, dstOffset int64, src []byte) (int, error) {
	parentOffset, err := s.translate(dstOffset)
	if err != nil {
		return 0, err
	}
	return s.parent.CopyFrom(ctx, parentOffset, src)
}

func (s *Slice) CopyTo(ctx context.Context, dst []byte, srcOffset int64) (int, error) {
	parentOffset, err := s.translate(srcOffset)
	if err != nil {
		return 0, err
	}
	return s.parent.CopyTo(ctx, dst, parentOffset)
}

func (s *Slice) AddObserver(o Observer)    { s.parent.AddObserver(o) }
func (s *Slice) RemoveObserver(o Observer) { s.parent.RemoveObserver(o) }
func (s *Slice) MarkDirty(offset, length int64) {
	s.parent.MarkDirty(s.off+offset, length)
}

var _ View = (*Slice)(nil)
