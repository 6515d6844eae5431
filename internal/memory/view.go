// Package memory implements the view hierarchy of spec §3/§4.2: the
// uniform asynchronous operation set every view kind publishes, and the
// concrete Hardware/Allocated/Managed/Slice/CopyOnWrite/Indirect variants.
//
// Per spec §9's design note ("model as a tagged enum of variants
// implementing a shared trait"), View is a Go interface and every variant
// is a concrete struct implementing it — the idiomatic stand-in for the
// original's virtual-dispatch base class.
package memory

import (
	"context"
	"sync"

	"github.com/cloudwego/gopkg/cache/mempool"
	"github.com/lattice-os/microk/internal/kerr"
	"github.com/lattice-os/microk/internal/logging"
)

const PageSize = 4096

// CacheMode mirrors the caching attribute a view publishes to mappings.
type CacheMode int

const (
	CacheNormal CacheMode = iota
	CacheWriteCombine
	CacheUncached
)

// Segment is a resolved physical segment returned by FetchRange: a stable
// byte slice (backed by the view's own storage) plus its cache mode.
type Segment struct {
	Bytes []byte
	Cache CacheMode
}

// Observer is notified before a view evicts a range of pages; the original
// spec allows an observer to defer completion, modeled here as Evict
// returning once the observer has finished (or would block, in which case
// it should do so on its own goroutine and signal completion out of band —
// View implementations do not themselves impose a timeout).
type Observer interface {
	Evict(ctx context.Context, offset, length int64)
}

// View is the uniform capability set every concrete view kind exposes.
type View interface {
	Len() int64
	Cache() CacheMode

	Peek(offset int64) (Segment, bool)
	FetchRange(ctx context.Context, offset int64) (Segment, error)
	LockRange(ctx context.Context, offset, length int64) (LockHandle, error)
	CopyFrom(ctx context.Context, dstOffset int64, src []byte) (int, error)
	CopyTo(ctx context.Context, dst []byte, srcOffset int64) (int, error)

	AddObserver(o Observer)
	RemoveObserver(o Observer)
	MarkDirty(offset, length int64)
}

// Promoter is implemented by views that support copy-on-write promotion:
// materializing a private page for an offset without supplying new data,
// the write-fault resolution path of spec §4.3.
type Promoter interface {
	Promote(ctx context.Context, offset int64) error
}

// LockHandle records a locked range of a view. No view in this package
// tracks outstanding locks: Reclaim and ReclaimCache evict a page whether
// or not a LockHandle covers it, and Unlock only runs the optional unlock
// callback (none of the views here set one).
type LockHandle struct {
	view   View
	offset int64
	length int64
	unlock func()
}

func (l LockHandle) Unlock() {
	if l.unlock != nil {
		l.unlock()
	}
}

// bounceChunk is the copy granularity spec §4.2 calls out for copyFrom/
// copyTo (128-byte kernel bounce buffer chunks).
const bounceChunk = 128

// copyViaBounce moves n bytes between a view's backing slice and a caller
// buffer through a pooled scratch buffer, exercising
// github.com/cloudwego/gopkg/cache/mempool the way §4.2's domain-stack
// wiring calls for, instead of allocating a fresh slice per call.
func copyViaBounce(dst, src []byte) int {
	scratch := mempool.Malloc(bounceChunk)
	defer mempool.Free(scratch)
	n := 0
	for n < len(dst) && n < len(src) {
		chunk := bounceChunk
		if remain := len(dst) - n; remain < chunk {
			chunk = remain
		}
		if remain := len(src) - n; remain < chunk {
			chunk = remain
		}
		copy(scratch[:chunk], src[n:n+chunk])
		copy(dst[n:n+chunk], scratch[:chunk])
		n += chunk
	}
	return n
}

// observerSet is the small mutex-guarded slice of observers shared by
// every concrete view kind.
type observerSet struct {
	mu        sync.Mutex
	observers []Observer
}

func (s *observerSet) add(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *observerSet) remove(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.observers {
		if existing == o {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *observerSet) notifyEvict(ctx context.Context, offset, length int64) {
	s.mu.Lock()
	snapshot := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range snapshot {
		o.Evict(ctx, offset, length)
	}
}

var defaultLogger = logging.Default().Sub("memory")

func faultError(op string) error {
	return kerr.New(op, kerr.CodeFault, "unresolved page")
}
