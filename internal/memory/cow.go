package memory

import (
	"context"
	"sync"

	"github.com/lattice-os/microk/internal/kerr"
)

// CopyOnWrite is one node in a copy-on-write chain: pages not yet written
// in this node resolve by walking ancestors; a write allocates a private
// page in the topmost node. Per spec §9's design note, the chain is walked
// iteratively (bounded by the chain's depth at fork time), never
// recursively, to avoid unbounded stack growth on a long CoW history.
type CopyOnWrite struct {
	mu      sync.Mutex
	parent  View // nil at the base of the chain
	length  int64
	private map[int64][]byte // page index -> privately allocated page (the "radix index")
}

// NewCopyOnWrite creates the root of a CoW chain over base.
func NewCopyOnWrite(base View) *CopyOnWrite {
	return &CopyOnWrite{parent: base, length: base.Len(), private: make(map[int64][]byte)}
}

// Fork creates a new chain node on top of c, sharing c's private pages by
// reference until the new node writes its own.
func (c *CopyOnWrite) Fork() *CopyOnWrite {
	return &CopyOnWrite{parent: c, length: c.length, private: make(map[int64][]byte)}
}

func (c *CopyOnWrite) Len() int64       { return c.length }
func (c *CopyOnWrite) Cache() CacheMode { return CacheNormal }

func (c *CopyOnWrite) pageIndex(offset int64) int64 { return offset / PageSize }

// resolveChain walks the chain from c upward (iteratively) looking for a
// private page at idx, falling back to the base view once the chain is
// exhausted. Returns (page, nil) when a private page is found, otherwise
// (nil, base).
func resolveChain(c *CopyOnWrite, idx int64) ([]byte, View) {
	for node := c; node != nil; {
		node.mu.Lock()
		if page, ok := node.private[idx]; ok {
			node.mu.Unlock()
			return page, nil
		}
		parent := node.parent
		node.mu.Unlock()
		if next, ok := parent.(*CopyOnWrite); ok {
			node = next
			continue
		}
		return nil, parent
	}
	return nil, nil
}

func (c *CopyOnWrite) Peek(offset int64) (Segment, bool) {
	idx := c.pageIndex(offset)
	page, base := resolveChain(c, idx)
	if page != nil {
		pageOff := offset % PageSize
		return Segment{Bytes: page[pageOff:], Cache: CacheNormal}, true
	}
	if base == nil {
		return Segment{}, false
	}
	return base.Peek(offset)
}

func (c *CopyOnWrite) FetchRange(ctx context.Context, offset int64) (Segment, error) {
	idx := c.pageIndex(offset)
	page, base := resolveChain(c, idx)
	if page != nil {
		pageOff := offset % PageSize
		return Segment{Bytes: page[pageOff:], Cache: CacheNormal}, nil
	}
	if base == nil {
		return Segment{}, kerr.New("FetchRange", kerr.CodeFault, "cow chain exhausted without a base")
	}
	return base.FetchRange(ctx, offset)
}

func (c *CopyOnWrite) LockRange(ctx context.Context, offset, length int64) (LockHandle, error) {
	if offset < 0 || offset+length > c.length {
		return LockHandle{}, kerr.New("LockRange", kerr.CodeOutOfBounds, "range beyond cow view")
	}
	return LockHandle{view: c, offset: offset, length: length}, nil
}

// resolveAncestor walks from node's parent upward (iteratively), for use
// by a caller that already holds node.mu and has already checked node's
// own private map — unlike resolveChain, it never re-locks node itself.
func resolveAncestor(node *CopyOnWrite, idx int64) ([]byte, View) {
	parent := node.parent
	for {
		next, ok := parent.(*CopyOnWrite)
		if !ok {
			return nil, parent
		}
		next.mu.Lock()
		page, found := next.private[idx]
		grandparent := next.parent
		next.mu.Unlock()
		if found {
			return page, nil
		}
		parent = grandparent
	}
}

// ensurePrivateLocked returns the private page at idx in c, allocating and
// populating it from the chain on first write. Caller must hold c.mu.
func (c *CopyOnWrite) ensurePrivateLocked(ctx context.Context, idx int64) []byte {
	if page, ok := c.private[idx]; ok {
		return page
	}
	page := make([]byte, PageSize)
	if existing, base := resolveAncestor(c, idx); existing != nil {
		copy(page, existing)
	} else if base != nil {
		seg, err := base.FetchRange(ctx, idx*PageSize)
		if err == nil {
			copy(page, seg.Bytes)
		}
	}
	c.private[idx] = page
	return page
}

// CopyFrom is the CoW write path: it allocates a private page in the
// topmost node (c itself) and installs it, per spec §4.2 ("a write
// allocates in the topmost node and installs it atomically").
func (c *CopyOnWrite) CopyFrom(ctx context.Context, dstOffset int64, src []byte) (int, error) {
	idx := c.pageIndex(dstOffset)
	pageOff := dstOffset % PageSize

	c.mu.Lock()
	page := c.ensurePrivateLocked(ctx, idx)
	n := copyViaBounce(page[pageOff:], src)
	c.mu.Unlock()
	return n, nil
}

// Promote allocates a private page for idx's page without writing new
// data into it, copying the page's current contents up from the chain.
// This is the write-fault path of spec §4.3: "on a write to a CoW
// mapping, copy the parent page into a private allocation" before the
// fault returns a segment the caller may freely mutate.
func (c *CopyOnWrite) Promote(ctx context.Context, offset int64) error {
	idx := c.pageIndex(offset)
	c.mu.Lock()
	c.ensurePrivateLocked(ctx, idx)
	c.mu.Unlock()
	return nil
}

func (c *CopyOnWrite) CopyTo(ctx context.Context, dst []byte, srcOffset int64) (int, error) {
	seg, err := c.FetchRange(ctx, srcOffset)
	if err != nil {
		return 0, err
	}
	return copyViaBounce(dst, seg.Bytes), nil
}

func (c *CopyOnWrite) AddObserver(o Observer) {
	if c.parent != nil {
		c.parent.AddObserver(o)
	}
}
func (c *CopyOnWrite) RemoveObserver(o Observer) {
	if c.parent != nil {
		c.parent.RemoveObserver(o)
	}
}
func (c *CopyOnWrite) MarkDirty(offset, length int64) {}

var _ View = (*CopyOnWrite)(nil)
