package memory

import (
	"context"
	"sync"

	"github.com/cloudwego/gopkg/cache/mempool"
	"github.com/lattice-os/microk/internal/integration"
	"github.com/lattice-os/microk/internal/kerr"
)

// PageState is the per-page load state of a managed view's page-load
// protocol (spec §4.2). Modeled directly on the teacher's Runner.TagState
// enum: a small int-backed state machine guarded by a per-unit mutex slice
// (here per-page rather than per-tag), with the kernel and user space each
// owning the page during different states.
type PageState int

const (
	PageMissing PageState = iota
	PagePresent
	PageWantInit
	PageInitializing
	PageWantWriteback
	PageWritingback
	PageWritingbackAgain // racing updateRange(initialize) during an in-flight writeback
	PageEvicting
)

// ManageRequestKind mirrors wire.ManageKind without importing the wire
// package, keeping internal/memory free of a wire dependency; the stream
// engine's backing-queue delivery translates between the two.
type ManageRequestKind int

const (
	RequestInitialize ManageRequestKind = iota
	RequestWriteback
)

// ManageRequest is one entry a managed view's backing side dequeues.
type ManageRequest struct {
	Kind   ManageRequestKind
	Offset int64
	Length int64
}

// pendingFetch is a fetchRange call parked on a page still in missing or
// *initializing states, released once updateRange(initialize) lands.
type pendingFetch struct {
	done chan struct{}
	seg  Segment
	err  error
}

// Managed is the pageable view of spec §4.2: present pages are backed by
// an in-process byte slice (standing in for physical frames — real frame
// management is out of scope per spec §1); absent pages are supplied by
// user space through the backing queue.
type Managed struct {
	mu        sync.Mutex
	data      []byte
	pageSize  int64
	states    []PageState
	pending   map[int64][]*pendingFetch // keyed by page index
	dirty     map[int64]bool
	cached    map[int64]bool // present + clean: eviction candidates distinct from the writeback path
	frames    map[int64][]int64
	allocator integration.PhysicalAllocator
	cache     CacheMode
	requests  []ManageRequest
	reqCond   *sync.Cond
	observerSet
}

// NewManaged creates a managed view with no physical-frame bookkeeping;
// eviction still runs but Reclaim never calls an allocator. Use
// NewManagedWithAllocator to wire real frame accounting.
func NewManaged(length int64, cache CacheMode) *Managed {
	return NewManagedWithAllocator(length, cache, nil)
}

// NewManagedWithAllocator creates a managed view whose page-load protocol
// allocates a physical frame when UpdateRange(initialize) first makes a
// page present and returns it to allocator once the reclaim path evicts
// the page (step 4).
func NewManagedWithAllocator(length int64, cache CacheMode, allocator integration.PhysicalAllocator) *Managed {
	pages := (length + PageSize - 1) / PageSize
	m := &Managed{
		data:      make([]byte, length),
		pageSize:  PageSize,
		states:    make([]PageState, pages),
		pending:   make(map[int64][]*pendingFetch),
		dirty:     make(map[int64]bool),
		cached:    make(map[int64]bool),
		frames:    make(map[int64][]int64),
		allocator: allocator,
		cache:     cache,
	}
	m.reqCond = sync.NewCond(&m.mu)
	return m
}

func (m *Managed) Len() int64       { return int64(len(m.data)) }
func (m *Managed) Cache() CacheMode { return m.cache }

func (m *Managed) pageIndex(offset int64) int64 { return offset / m.pageSize }

func (m *Managed) Peek(offset int64) (Segment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.pageIndex(offset)
	if idx < 0 || int(idx) >= len(m.states) || m.states[idx] != PagePresent {
		return Segment{}, false
	}
	return Segment{Bytes: m.data[offset:], Cache: m.cache}, true
}

// FetchRange implements the page-load protocol of spec §4.2 step 1-2: a
// miss enqueues an initialize request and the state becomes wantInit; the
// caller blocks until the backing side calls UpdateRange(initialize, …).
func (m *Managed) FetchRange(ctx context.Context, offset int64) (Segment, error) {
	idx := m.pageIndex(offset)
	m.mu.Lock()
	if idx < 0 || int(idx) >= len(m.states) {
		m.mu.Unlock()
		return Segment{}, kerr.New("FetchRange", kerr.CodeOutOfBounds, "offset beyond managed view")
	}
	switch m.states[idx] {
	case PagePresent:
		seg := Segment{Bytes: m.data[offset:], Cache: m.cache}
		m.mu.Unlock()
		return seg, nil
	case PageMissing:
		m.states[idx] = PageWantInit
		m.requests = append(m.requests, ManageRequest{Kind: RequestInitialize, Offset: idx * m.pageSize, Length: m.pageSize})
		m.reqCond.Signal()
	}
	pf := &pendingFetch{done: make(chan struct{})}
	m.pending[idx] = append(m.pending[idx], pf)
	m.mu.Unlock()

	select {
	case <-pf.done:
		return pf.seg, pf.err
	case <-ctx.Done():
		return Segment{}, kerr.New("FetchRange", kerr.CodeCancelled, "fetch cancelled")
	}
}

// DequeueRequest blocks until a management request is available, the Go
// analog of user space dequeuing from the backing view (spec §4.2 step 2).
func (m *Managed) DequeueRequest(ctx context.Context) (ManageRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.requests) == 0 {
		if ctx.Err() != nil {
			return ManageRequest{}, kerr.New("DequeueRequest", kerr.CodeCancelled, "dequeue cancelled")
		}
		m.reqCond.Wait()
	}
	req := m.requests[0]
	m.requests = m.requests[1:]
	return req, nil
}

// UpdateRange is called by the backing side once it has filled (or
// written back) a page range, advancing the page-load state machine.
//
// The writingbackAgain transition preserves the source's subtle
// invariant (spec's Open Questions #2, carried into SPEC_FULL.md): an
// initialize racing an in-flight writeback does not clobber the writeback
// in progress — it is recorded by moving the state to writingbackAgain,
// and is only resolved to present once the writeback completes.
func (m *Managed) UpdateRange(kind ManageRequestKind, offset, length int64, data []byte) error {
	idx := m.pageIndex(offset)
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || int(idx) >= len(m.states) {
		return kerr.New("UpdateRange", kerr.CodeOutOfBounds, "offset beyond managed view")
	}

	switch kind {
	case RequestInitialize:
		if data != nil {
			copyViaBounce(m.data[offset:], data)
		}
		switch m.states[idx] {
		case PageWritingback, PageWritingbackAgain:
			// initialize races an in-flight writeback: defer to writingbackAgain,
			// resolved to present once the writeback's own UpdateRange(writeback) lands.
			m.states[idx] = PageWritingbackAgain
		default:
			m.states[idx] = PagePresent
			m.cached[idx] = true
			m.allocateFrameLocked(idx)
		}
	case RequestWriteback:
		if m.states[idx] == PageWritingbackAgain {
			// a fresh initialize arrived mid-writeback; the page is present
			// again rather than clean, per the preserved state transition.
			m.states[idx] = PagePresent
		} else {
			m.states[idx] = PagePresent
			delete(m.dirty, idx)
			m.cached[idx] = true
		}
	}

	for _, pf := range m.pending[idx] {
		pf.seg = Segment{Bytes: m.data[offset:], Cache: m.cache}
		close(pf.done)
	}
	delete(m.pending, idx)
	return nil
}

func (m *Managed) LockRange(ctx context.Context, offset, length int64) (LockHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset < 0 || offset+length > int64(len(m.data)) {
		return LockHandle{}, kerr.New("LockRange", kerr.CodeOutOfBounds, "range beyond managed view")
	}
	return LockHandle{view: m, offset: offset, length: length}, nil
}

func (m *Managed) CopyFrom(ctx context.Context, dstOffset int64, src []byte) (int, error) {
	if _, err := m.FetchRange(ctx, dstOffset); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copyViaBounce(m.data[dstOffset:], src)
	m.markDirtyLocked(dstOffset, int64(n))
	return n, nil
}

func (m *Managed) CopyTo(ctx context.Context, dst []byte, srcOffset int64) (int, error) {
	if _, err := m.FetchRange(ctx, srcOffset); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyViaBounce(dst, m.data[srcOffset:]), nil
}

func (m *Managed) AddObserver(o Observer)    { m.observerSet.add(o) }
func (m *Managed) RemoveObserver(o Observer) { m.observerSet.remove(o) }

// MarkDirty moves clean pages in [offset, offset+length) to dirty (spec
// §4.2 step 3); the reclaim thread later promotes dirty pages to
// wantWriteback via RequestWriteback.
func (m *Managed) MarkDirty(offset, length int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markDirtyLocked(offset, length)
}

func (m *Managed) markDirtyLocked(offset, length int64) {
	start := m.pageIndex(offset)
	end := m.pageIndex(offset + length - 1)
	for idx := start; idx <= end && int(idx) < len(m.states); idx++ {
		m.dirty[idx] = true
		delete(m.cached, idx)
	}
}

// allocateFrameLocked backs a newly present page with a physical frame,
// the page-load protocol's frame acquisition (spec §4.2 step 1). A nil
// allocator (NewManaged's default) or an allocation failure leaves the
// page served out of the in-process byte slice alone, with no frame to
// free later.
func (m *Managed) allocateFrameLocked(idx int64) {
	if m.allocator == nil {
		return
	}
	if _, ok := m.frames[idx]; ok {
		return
	}
	frames, err := m.allocator.AllocateFrames(1)
	if err != nil {
		defaultLogger.Warnf("allocate frame for page %d: %v", idx, err)
		return
	}
	m.frames[idx] = frames
}

func (m *Managed) freeFrameLocked(idx int64) {
	frames, ok := m.frames[idx]
	if !ok {
		return
	}
	delete(m.frames, idx)
	if m.allocator != nil {
		m.allocator.FreeFrames(frames)
	}
}

// Reclaim picks a dirty page, transitions it through wantWriteback →
// writingback, notifies every observer to evict the range (spec §4.2 step
// 4), and issues the writeback management request. It returns false if no
// dirty page was available.
func (m *Managed) Reclaim(ctx context.Context) (int64, bool) {
	m.mu.Lock()
	var idx int64 = -1
	for i := range m.dirty {
		idx = i
		break
	}
	if idx < 0 {
		m.mu.Unlock()
		return 0, false
	}
	delete(m.dirty, idx)
	m.states[idx] = PageWantWriteback
	offset := idx * m.pageSize
	m.mu.Unlock()

	m.observerSet.notifyEvict(ctx, offset, m.pageSize)

	m.mu.Lock()
	if m.states[idx] == PageWantWriteback {
		m.states[idx] = PageWritingback
	}
	m.requests = append(m.requests, ManageRequest{Kind: RequestWriteback, Offset: offset, Length: m.pageSize})
	m.reqCond.Signal()
	m.mu.Unlock()
	return offset, true
}

// ReclaimCache implements the clean-page eviction protocol of spec §4.2
// step 4, a distinct mechanism from Reclaim's dirty-page writeback (step
// 3): it picks a cached (present, clean) page, transitions it through
// evicting, waits for every observer's eviction to complete, and only
// then returns the page's physical frame to the allocator and drops the
// page back to missing. It returns false if no cached page was available.
func (m *Managed) ReclaimCache(ctx context.Context) (int64, bool) {
	m.mu.Lock()
	var idx int64 = -1
	for i := range m.cached {
		idx = i
		break
	}
	if idx < 0 {
		m.mu.Unlock()
		return 0, false
	}
	delete(m.cached, idx)
	m.states[idx] = PageEvicting
	offset := idx * m.pageSize
	m.mu.Unlock()

	m.observerSet.notifyEvict(ctx, offset, m.pageSize)

	m.mu.Lock()
	if m.states[idx] == PageEvicting {
		m.states[idx] = PageMissing
	}
	m.freeFrameLocked(idx)
	m.mu.Unlock()
	return offset, true
}

// scratchBuffer and releaseScratch wrap mempool's Malloc/Free for scratch
// buffers; nothing in the package calls them at present.
func scratchBuffer(size int) []byte { return mempool.Malloc(size) }
func releaseScratch(buf []byte)     { mempool.Free(buf) }

var _ View = (*Managed)(nil)
