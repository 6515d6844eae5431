// Package microk implements the capability/IPC core of a microkernel: a
// handle-table-scoped Universe aggregating memory views, address spaces,
// threads, streams, events, and a global futex realm, all reachable
// through a Kernel that supplies the external collaborators (physical
// frames, scheduling, timers) this package treats as opaque.
package microk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lattice-os/microk/internal/compqueue"
	"github.com/lattice-os/microk/internal/event"
	"github.com/lattice-os/microk/internal/futex"
	"github.com/lattice-os/microk/internal/handle"
	"github.com/lattice-os/microk/internal/integration"
	"github.com/lattice-os/microk/internal/kerr"
	"github.com/lattice-os/microk/internal/logging"
	"github.com/lattice-os/microk/internal/memory"
	"github.com/lattice-os/microk/internal/space"
	"github.com/lattice-os/microk/internal/stream"
	"github.com/lattice-os/microk/internal/thread"
	"github.com/lattice-os/microk/internal/wire"
)

// memoryDescriptor, spaceDescriptor, ... wrap internal subsystem objects as
// handle.Descriptor so they can live in a Table. None of these types do
// real teardown work on Release reaching zero beyond what their owning
// subsystem already does when garbage collected; the refcount exists to
// satisfy spec invariant 2 (an attach and its detach leave the refcount
// where it was) rather than to free OS resources this simulation never
// acquires.
type memoryDescriptor struct {
	handle.Ref
	view memory.View
}

type spaceDescriptor struct {
	handle.Ref
	space *space.AddressSpace
}

type threadDescriptor struct {
	handle.Ref
	thread *thread.Thread
}

type laneDescriptor struct {
	handle.Ref
	lane *stream.Lane
}

type oneShotDescriptor struct {
	handle.Ref
	event *event.OneShotEvent
}

type bitsetDescriptor struct {
	handle.Ref
	event *event.BitsetEvent
}

type irqDescriptor struct {
	handle.Ref
	line *event.IRQLine
}

// Universe is a self-contained capability space: its own handle table, its
// own completion queue, and the descriptors reachable through them. It
// corresponds to the spec's "Universe" type (§2).
type Universe struct {
	kernel *Kernel

	table     *handle.Table
	completions *compqueue.Queue

	logger *logging.Logger
}

func newUniverse(k *Kernel, logger *logging.Logger) *Universe {
	return &Universe{
		kernel:      k,
		table:       handle.New(logger),
		completions: k.completionsFor(logger),
		logger:      logger,
	}
}

// HandleTable exposes the universe's underlying table for callers that need
// Transfer semantics across two universes.
func (u *Universe) HandleTable() *handle.Table { return u.table }

// CloseDescriptor releases one strong reference to the descriptor behind h,
// detaching it from the table once its refcount reaches zero. Corresponds
// to helCloseDescriptor.
func (u *Universe) CloseDescriptor(h handle.Handle) error {
	desc, ok := u.table.Get(h)
	if !ok {
		return kerr.NewHandleError("CloseDescriptor", int32(h), kerr.CodeBadDescriptor, "no such handle")
	}
	if desc.Release() == 0 {
		u.table.Detach(h)
	}
	u.kernel.metrics.RecordHandleDetach()
	return nil
}

// TransferDescriptor moves the descriptor at h from u into target, per
// spec §4.1's non-atomic cross-universe transfer. Corresponds to
// helTransferDescriptor.
func (u *Universe) TransferDescriptor(h handle.Handle, target *Universe) (handle.Handle, error) {
	nh, ok := u.table.Transfer(h, target.table)
	if !ok {
		return 0, kerr.NewHandleError("TransferDescriptor", int32(h), kerr.CodeBadDescriptor, "no such handle")
	}
	u.kernel.metrics.RecordHandleTransfer()
	return nh, nil
}

// CreateHardwareMemory attaches a fixed physical-base view with no paging.
// Corresponds to helAccessPhysical.
func (u *Universe) CreateHardwareMemory(length int64, cache memory.CacheMode) handle.Handle {
	return u.attachMemory(memory.NewHardware(length, cache))
}

// CreateAllocatedMemory attaches an anonymous, lazily-populated view.
// Corresponds to helAllocateMemory.
func (u *Universe) CreateAllocatedMemory(length int64, cache memory.CacheMode) handle.Handle {
	return u.attachMemory(memory.NewAllocated(length, cache))
}

// CreateManagedMemory attaches a view whose pages are resolved out-of-band
// through DequeueRequest/UpdateRange, corresponding to helCreateManagedMemory.
func (u *Universe) CreateManagedMemory(length int64, cache memory.CacheMode) (handle.Handle, *memory.Managed) {
	m := memory.NewManagedWithAllocator(length, cache, u.kernel.allocator)
	return u.attachMemory(m), m
}

// CreateSlice attaches a bounded window onto an existing memory handle,
// corresponding to helCreateSliceView.
func (u *Universe) CreateSlice(parent handle.Handle, offset, length int64) (handle.Handle, error) {
	view, err := u.resolveMemory(parent)
	if err != nil {
		return 0, err
	}
	s, err := memory.NewSlice(view, offset, length)
	if err != nil {
		return 0, kerr.Wrap("CreateSlice", err)
	}
	return u.attachMemory(s), nil
}

// CreateCopyOnWrite attaches a private, lazily-forking view over an
// existing memory handle, corresponding to helCreateCowMemory.
func (u *Universe) CreateCopyOnWrite(base handle.Handle) (handle.Handle, error) {
	view, err := u.resolveMemory(base)
	if err != nil {
		return 0, err
	}
	return u.attachMemory(memory.NewCopyOnWrite(view)), nil
}

// CreateIndirectMemory attaches a view whose slots are bound to other
// memory handles at runtime, corresponding to helCreateIndirectMemory.
func (u *Universe) CreateIndirectMemory(slotCount int, slotLength int64, cache memory.CacheMode) (handle.Handle, *memory.Indirect) {
	ind := memory.NewIndirect(slotCount, slotLength, cache)
	return u.attachMemory(ind), ind
}

func (u *Universe) attachMemory(v memory.View) handle.Handle {
	d := &memoryDescriptor{Ref: handle.NewRef(), view: v}
	h := u.table.Attach(d)
	u.kernel.metrics.RecordHandleAttach()
	return h
}

func (u *Universe) resolveMemory(h handle.Handle) (memory.View, error) {
	desc, ok := u.table.Get(h)
	if !ok {
		return nil, kerr.NewHandleError("resolveMemory", int32(h), kerr.CodeBadDescriptor, "no such handle")
	}
	md, ok := desc.(*memoryDescriptor)
	if !ok {
		return nil, kerr.NewHandleError("resolveMemory", int32(h), kerr.CodeIllegalArgs, "handle is not a memory view")
	}
	return md.view, nil
}

// CreateSpace attaches a new address space with the given virtual address
// ceiling, corresponding to helCreateSpace.
func (u *Universe) CreateSpace(limit int64, cpuCount int) handle.Handle {
	d := &spaceDescriptor{Ref: handle.NewRef(), space: space.New(limit, cpuCount)}
	h := u.table.Attach(d)
	u.kernel.metrics.RecordHandleAttach()
	return h
}

func (u *Universe) resolveSpace(h handle.Handle) (*space.AddressSpace, error) {
	desc, ok := u.table.Get(h)
	if !ok {
		return nil, kerr.NewHandleError("resolveSpace", int32(h), kerr.CodeBadDescriptor, "no such handle")
	}
	sd, ok := desc.(*spaceDescriptor)
	if !ok {
		return nil, kerr.NewHandleError("resolveSpace", int32(h), kerr.CodeIllegalArgs, "handle is not an address space")
	}
	return sd.space, nil
}

// MapIntoSpace maps a memory handle into an address space handle,
// corresponding to helMapMemory.
func (u *Universe) MapIntoSpace(spaceHandle, memHandle handle.Handle, hint, offset, length int64, rights space.Rights, policy space.Policy, kind space.Kind) (int64, error) {
	sp, err := u.resolveSpace(spaceHandle)
	if err != nil {
		return 0, err
	}
	view, err := u.resolveMemory(memHandle)
	if err != nil {
		return 0, err
	}
	addr, err := sp.Map(hint, offset, length, rights, policy, view, kind)
	if err != nil {
		return 0, kerr.Wrap("MapIntoSpace", err)
	}
	return addr, nil
}

// FaultInSpace resolves a page fault at addr in spaceHandle, corresponding
// to the page-fault-resolution path of §4.3.
func (u *Universe) FaultInSpace(ctx context.Context, spaceHandle handle.Handle, addr int64, want space.Rights) (memory.Segment, error) {
	sp, err := u.resolveSpace(spaceHandle)
	if err != nil {
		return memory.Segment{}, err
	}
	seg, err := sp.Fault(ctx, addr, want)
	if err != nil {
		kind := PageFaultRead
		if want&space.Write != 0 {
			kind = PageFaultWrite
		}
		u.kernel.metrics.RecordPageFault(kind)
		return memory.Segment{}, kerr.Wrap("FaultInSpace", err)
	}
	return seg, nil
}

// CreateThread attaches a new thread descriptor in Blocked state,
// corresponding to helCreateThread.
func (u *Universe) CreateThread(priority int, affinity uint64) (handle.Handle, *thread.Thread) {
	th := thread.New(priority, affinity)
	d := &threadDescriptor{Ref: handle.NewRef(), thread: th}
	h := u.table.Attach(d)
	u.kernel.metrics.RecordHandleAttach()
	return h, th
}

func (u *Universe) resolveThread(h handle.Handle) (*thread.Thread, error) {
	desc, ok := u.table.Get(h)
	if !ok {
		return nil, kerr.NewHandleError("resolveThread", int32(h), kerr.CodeBadDescriptor, "no such handle")
	}
	td, ok := desc.(*threadDescriptor)
	if !ok {
		return nil, kerr.NewHandleError("resolveThread", int32(h), kerr.CodeIllegalArgs, "handle is not a thread")
	}
	return td.thread, nil
}

// ResumeThread corresponds to helResume.
func (u *Universe) ResumeThread(h handle.Handle) error {
	th, err := u.resolveThread(h)
	if err != nil {
		return err
	}
	return th.Resume()
}

// ObserveThread corresponds to helObserve.
func (u *Universe) ObserveThread(ctx context.Context, h handle.Handle, since uint64) (thread.Observation, error) {
	th, err := u.resolveThread(h)
	if err != nil {
		return thread.Observation{}, err
	}
	return th.Observe(ctx, since)
}

// CreateStreamPair attaches two peer lane descriptors, corresponding to
// helCreateStream.
func (u *Universe) CreateStreamPair() (handle.Handle, handle.Handle) {
	a, b := stream.NewPair()
	ha := u.table.Attach(&laneDescriptor{Ref: handle.NewRef(), lane: a})
	hb := u.table.Attach(&laneDescriptor{Ref: handle.NewRef(), lane: b})
	u.kernel.metrics.RecordHandleAttach()
	u.kernel.metrics.RecordHandleAttach()
	return ha, hb
}

func (u *Universe) resolveLane(h handle.Handle) (*stream.Lane, error) {
	desc, ok := u.table.Get(h)
	if !ok {
		return nil, kerr.NewHandleError("resolveLane", int32(h), kerr.CodeBadDescriptor, "no such handle")
	}
	ld, ok := desc.(*laneDescriptor)
	if !ok {
		return nil, kerr.NewHandleError("resolveLane", int32(h), kerr.CodeIllegalArgs, "handle is not a stream lane")
	}
	return ld.lane, nil
}

// SubmitLaneList submits a recipe list to the lane's matcher, corresponding
// to helSubmitAsync over a HelAction array.
func (u *Universe) SubmitLaneList(ctx context.Context, h handle.Handle, submit func(*stream.Lane) ([][]byte, error)) ([][]byte, error) {
	lane, err := u.resolveLane(h)
	if err != nil {
		return nil, err
	}
	u.kernel.metrics.RecordLaneOffer()
	records, err := submit(lane)
	if err != nil {
		u.kernel.metrics.RecordLaneMismatch()
		return nil, kerr.Wrap("SubmitLaneList", err)
	}
	u.kernel.metrics.RecordLaneMatch()
	return records, nil
}

// ShutdownLane corresponds to the lane teardown path of §4.5.
func (u *Universe) ShutdownLane(h handle.Handle) error {
	lane, err := u.resolveLane(h)
	if err != nil {
		return err
	}
	lane.ShutdownLane()
	u.kernel.metrics.RecordLaneShutdown()
	return nil
}

// CreateOneShotEvent corresponds to helCreateOneshotEvent.
func (u *Universe) CreateOneShotEvent() (handle.Handle, *event.OneShotEvent) {
	e := event.NewOneShot()
	h := u.table.Attach(&oneShotDescriptor{Ref: handle.NewRef(), event: e})
	u.kernel.metrics.RecordHandleAttach()
	return h, e
}

// CreateBitsetEvent corresponds to helCreateBitsetEvent.
func (u *Universe) CreateBitsetEvent() (handle.Handle, *event.BitsetEvent) {
	e := event.NewBitset()
	h := u.table.Attach(&bitsetDescriptor{Ref: handle.NewRef(), event: e})
	u.kernel.metrics.RecordHandleAttach()
	return h, e
}

// CreateIRQLine corresponds to helAccessIrq.
func (u *Universe) CreateIRQLine(strategy event.IRQStrategy) (handle.Handle, *event.IRQLine) {
	line := event.NewIRQLine(strategy)
	h := u.table.Attach(&irqDescriptor{Ref: handle.NewRef(), line: line})
	u.kernel.metrics.RecordHandleAttach()
	return h, line
}

// SubmitAsync registers asyncID for cancellation and publishes payload onto
// the universe's completion queue once fn resolves, corresponding to
// helSubmitAsync's completion-record delivery. Per spec §7/invariant 7,
// every asyncId eventually gets exactly one of a normal completion or a
// cancelled completion — never neither: when fn fails after runCtx was
// cancelled (a deliberate CancelAsync or the caller's ctx), a record with
// wire.ErrCancelled is published, while any other error fn returns on its
// own is published as an error completion record instead of being dropped.
func (u *Universe) SubmitAsync(ctx context.Context, fn func(context.Context) ([]byte, error)) (uint64, error) {
	asyncID := u.completions.NextAsyncID()
	runCtx, cancel := context.WithCancel(ctx)
	u.completions.Register(asyncID, cancel)

	go func() {
		payload, err := fn(runCtx)
		if err != nil {
			code := wireErrorCode(err)
			if runCtx.Err() != nil {
				// A deliberate CancelAsync (or the caller's ctx) cancelled the
				// operation: it completes with a cancelled record.
				code = wire.ErrCancelled
			}
			record := wire.MarshalSimple(wire.SimpleRecord{Error: code})
			if pubErr := u.completions.Publish(asyncID, record); pubErr == nil {
				u.kernel.metrics.RecordCompletionPublished(0)
			}
			return
		}
		_ = u.completions.Publish(asyncID, payload)
		u.kernel.metrics.RecordCompletionPublished(0)
	}()
	return asyncID, nil
}

// wireErrorCode maps a microk error's kerr.ErrorCode onto its wire.ErrorCode
// counterpart for encoding into a completion record (spec §6's result
// code enum mirrors kerr.ErrorCode one for one).
func wireErrorCode(err error) wire.ErrorCode {
	var structured *kerr.Error
	if !errors.As(err, &structured) {
		return wire.ErrFault
	}
	switch structured.Code {
	case kerr.CodeIllegalArgs:
		return wire.ErrIllegalArgs
	case kerr.CodeIllegalState:
		return wire.ErrIllegalState
	case kerr.CodeUnsupportedOperation:
		return wire.ErrUnsupportedOperation
	case kerr.CodeBadDescriptor:
		return wire.ErrBadDescriptor
	case kerr.CodeNoDescriptor:
		return wire.ErrNoDescriptor
	case kerr.CodeNoMemory:
		return wire.ErrNoMemory
	case kerr.CodeNoHardwareSupport:
		return wire.ErrNoHardwareSupport
	case kerr.CodeBufferTooSmall:
		return wire.ErrBufferTooSmall
	case kerr.CodeQueueTooSmall:
		return wire.ErrQueueTooSmall
	case kerr.CodeAlreadyExists:
		return wire.ErrAlreadyExists
	case kerr.CodeOutOfBounds:
		return wire.ErrOutOfBounds
	case kerr.CodeFault:
		return wire.ErrFault
	case kerr.CodeRemoteFault:
		return wire.ErrRemoteFault
	case kerr.CodeLaneShutdown:
		return wire.ErrLaneShutdown
	case kerr.CodeEndOfLane:
		return wire.ErrEndOfLane
	case kerr.CodeTransmissionMismatch:
		return wire.ErrTransmissionMismatch
	case kerr.CodeDismissed:
		return wire.ErrDismissed
	case kerr.CodeThreadTerminated:
		return wire.ErrThreadTerminated
	case kerr.CodeCancelled:
		return wire.ErrCancelled
	default:
		return wire.ErrFault
	}
}

// CancelAsync corresponds to helCancelAsync: it fires the cancel func
// registered for asyncID and reports whether one was registered. It does
// not consult the Kernel's TimerSource.
func (u *Universe) CancelAsync(asyncID uint64) bool {
	ok := u.completions.Cancel(asyncID)
	if ok {
		u.kernel.metrics.RecordCancellation()
	}
	return ok
}

// DequeueCompletions corresponds to the user-side drain of helSubmitAsync's
// completion queue.
func (u *Universe) DequeueCompletions(ctx context.Context) ([]compqueue.Completion, error) {
	records, err := u.completions.Dequeue(ctx)
	if err == nil {
		for range records {
			u.kernel.metrics.RecordCompletionDrained()
		}
	}
	return records, err
}

// GlobalFutexIdentity derives this universe's Kernel-wide futex identity
// for a given address-space-relative address, resolving it through sp the
// same way the real kernel resolves a virtual address to a stable physical
// token (spec §4.8).
func (u *Universe) GlobalFutexIdentity(spaceHandle handle.Handle, addr int64) (futex.Identity, error) {
	sp, err := u.resolveSpace(spaceHandle)
	if err != nil {
		return 0, err
	}
	_, offset, _, ok := sp.Resolve(addr)
	if !ok {
		return 0, kerr.New("GlobalFutexIdentity", kerr.CodeFault, "address is not mapped")
	}
	// The offset into the backing view stands in for "stable physical
	// token" in this simulation (no real page-table walk is in scope).
	return futex.Identity(offset), nil
}

// Kernel owns one or more Universes plus the collaborators spec §1 places
// out of scope: a PhysicalAllocator, a Scheduler, a TimerSource, and a
// global futex realm shared across every universe it creates. The rough
// analog of the teacher's Device aggregate in backend.go.
type Kernel struct {
	mu        sync.Mutex
	universes map[*Universe]struct{}

	futexRealm *futex.Realm
	metrics    *Metrics
	logger     *logging.Logger

	allocator integration.PhysicalAllocator
	scheduler integration.Scheduler
	timer     integration.TimerSource
	workQueue *integration.WorkQueue

	compQueueLength int
	compQueueChunk  int
}

// KernelOptions configures a Kernel's collaborators and completion-queue
// sizing. A zero CompQueueLength or CompQueueChunk falls back to
// DefaultCompQueueLength or DefaultCompQueueChunk; nil collaborators and a
// nil Logger are kept as nil.
type KernelOptions struct {
	Allocator       integration.PhysicalAllocator
	Scheduler       integration.Scheduler
	Timer           integration.TimerSource
	Logger          *logging.Logger
	CompQueueLength int
	CompQueueChunk  int
}

// NewKernel creates a Kernel ready to mint Universes. Corresponds to the
// module's boot-time init() contracts (spec §9), but expressed as an
// explicit constructor per the redesign flag asking those singletons be
// threaded through constructors instead.
func NewKernel(opts KernelOptions) *Kernel {
	if opts.CompQueueLength == 0 {
		opts.CompQueueLength = DefaultCompQueueLength
	}
	if opts.CompQueueChunk == 0 {
		opts.CompQueueChunk = DefaultCompQueueChunk
	}
	k := &Kernel{
		universes:       make(map[*Universe]struct{}),
		futexRealm:      futex.NewRealm(),
		metrics:         NewMetrics(),
		logger:          opts.Logger,
		allocator:       opts.Allocator,
		scheduler:       opts.Scheduler,
		timer:           opts.Timer,
		workQueue:       integration.NewWorkQueue(),
		compQueueLength: opts.CompQueueLength,
		compQueueChunk:  opts.CompQueueChunk,
	}
	return k
}

func (k *Kernel) completionsFor(logger *logging.Logger) *compqueue.Queue {
	q, err := compqueue.New(k.compQueueLength, k.compQueueChunk)
	if err != nil {
		// DefaultCompQueueLength is a compile-time constant power of two;
		// this can only fire if a caller supplied a bad KernelOptions
		// value, which NewUniverse's caller should have validated earlier.
		panic(err)
	}
	return q
}

// NewUniverse creates a fresh capability space sharing this Kernel's
// futex realm, metrics, and collaborators.
func (k *Kernel) NewUniverse() *Universe {
	u := newUniverse(k, k.logger)
	k.mu.Lock()
	k.universes[u] = struct{}{}
	k.mu.Unlock()
	return u
}

// DestroyUniverse drops a universe from the Kernel's bookkeeping. It does
// not forcibly terminate the universe's threads; callers are expected to
// have already torn those down, mirroring spec's "dies when the last
// reference drops" invariant rather than a forced kill.
func (k *Kernel) DestroyUniverse(u *Universe) {
	k.mu.Lock()
	delete(k.universes, u)
	k.mu.Unlock()
}

// FutexWait corresponds to the global futex realm's wait primitive
// (spec §4.8).
func (k *Kernel) FutexWait(ctx context.Context, id futex.Identity, expected uint32) error {
	return k.futexRealm.Wait(ctx, id, expected)
}

// FutexWake corresponds to the global futex realm's wake primitive.
func (k *Kernel) FutexWake(id futex.Identity, count int) int {
	return k.futexRealm.Wake(id, count)
}

// FutexStore publishes a new value for id without waking anyone, for a
// caller that already holds the word's owning mapping.
func (k *Kernel) FutexStore(id futex.Identity, value uint32) {
	k.futexRealm.Store(id, value)
}

// FutexWaitDeadline races a futex wait against an absolute deadline,
// corresponding to spec §4.8's "deadlines are implemented by racing the
// wait against a timer and cancelling the loser."
func (k *Kernel) FutexWaitDeadline(ctx context.Context, id futex.Identity, expected uint32, deadline time.Time) error {
	return k.futexRealm.WaitDeadline(ctx, id, expected, deadline)
}

// Metrics returns the Kernel-wide operational counters.
func (k *Kernel) Metrics() *Metrics { return k.metrics }

// MetricsSnapshot returns a point-in-time snapshot of Kernel metrics.
func (k *Kernel) MetricsSnapshot() MetricsSnapshot { return k.metrics.Snapshot() }

// SubmitWork enqueues a fire-and-forget task on the Kernel's cooperative
// work queue, corresponding to original_source's work-queue.hpp (spec's
// "detached coroutines" note, §9).
func (k *Kernel) SubmitWork(fn func(context.Context)) error {
	return k.workQueue.Submit(fn)
}

// RunWorkQueue starts the Kernel's work-queue workers; call once during
// startup.
func (k *Kernel) RunWorkQueue(ctx context.Context) {
	k.workQueue.Run(ctx, DefaultWorkQueueWorkers)
}

// Stop tears down the Kernel's work queue and marks metrics stopped.
func (k *Kernel) Stop() {
	k.workQueue.Close()
	k.metrics.Stop()
}

// Allocator exposes the Kernel's physical allocator collaborator, for
// components (e.g. a Hardware view) that need a real physical address
// rather than the simulation's offset-as-identity stand-in.
func (k *Kernel) Allocator() integration.PhysicalAllocator { return k.allocator }

// ExecutorScheduler exposes the Kernel's cooperative scheduler
// collaborator.
func (k *Kernel) ExecutorScheduler() integration.Scheduler { return k.scheduler }
