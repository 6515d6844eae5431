// Package stream implements the lane/stream IPC engine of spec §4.5: a
// pair of lanes connected by Offer/Accept, each transporting a recipe
// list of heterogeneous actions matched in lock-step against its peer's
// two ordered queues (root and pending-ancillary).
//
// Grounded on the teacher's internal/uring package: its Ring/Batch/Result
// shape (SubmitCtrlCmd/PrepareIOCmd/FlushSubmissions) is the template for
// submitting a recipe list and draining matched completions in one
// batch. Each lane's two FIFOs use github.com/eapache/queue — a real
// dependency of momentics-hioload-ws's executor (internal/concurrency
// /executor.go) — instead of a slice, the growable ring-buffer FIFO a
// lane's ordered operation queue needs.
package stream

import (
	"context"
	"sync"

	"github.com/cloudwego/gopkg/cache/mempool"
	"github.com/eapache/queue"
	"github.com/lattice-os/microk/internal/kerr"
	"github.com/lattice-os/microk/internal/wire"
)

// flowChunk is the flow-controlled transfer's bounce-buffer size (spec
// §4.5: "a pair of bounce buffers (4 KiB, two concurrently in flight)").
const flowChunk = 4096

// pendingOp is one queued recipe waiting to be matched against the peer
// lane's corresponding queue.
type pendingOp struct {
	action   wire.Action
	done     chan opResult
	ancillary bool
}

type opResult struct {
	record []byte
	err    error
}

// Lane is one endpoint of a stream; operations submitted to it are
// matched in lock-step against its peer's root/ancillary queues. Both
// lanes of a pair share one mutex (mu) so matching never has to lock two
// lanes in an order that could deadlock against a concurrent match
// running from the peer's side.
type Lane struct {
	mu        *sync.Mutex
	peer      *Lane
	root      *queue.Queue
	ancillary *queue.Queue
	shutdown  bool
}

// NewPair creates two lanes connected to each other, the result of an
// Offer/Accept recipe pair (spec §4.5).
func NewPair() (*Lane, *Lane) {
	shared := &sync.Mutex{}
	a := &Lane{mu: shared, root: queue.New(), ancillary: queue.New()}
	b := &Lane{mu: shared, root: queue.New(), ancillary: queue.New()}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *Lane) queueFor(ancillary bool) *queue.Queue {
	if ancillary {
		return l.ancillary
	}
	return l.root
}

// Submit enqueues a single action and blocks until it is matched against
// the peer's corresponding queue or the lane shuts down.
func (l *Lane) Submit(ctx context.Context, a wire.Action) ([]byte, error) {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return nil, kerr.New("Submit", kerr.CodeEndOfLane, "lane already shut down")
	}
	op := &pendingOp{action: a, done: make(chan opResult, 1), ancillary: a.HasFlag(wire.FlagAncillary)}
	l.queueFor(op.ancillary).Add(op)
	l.mu.Unlock()

	l.tryMatch()
	l.peer.tryMatch()

	select {
	case res := <-op.done:
		return res.record, res.err
	case <-ctx.Done():
		return nil, kerr.New("Submit", kerr.CodeCancelled, "submit cancelled")
	}
}

// SubmitList submits a recipe list, splitting it into chained branches
// (spec §4.5 / wire.SplitBranches) and submitting each in order.
func (l *Lane) SubmitList(ctx context.Context, actions []wire.Action) ([][]byte, error) {
	branches := wire.SplitBranches(actions)
	results := make([][]byte, 0, len(branches))
	for _, branch := range branches {
		for _, a := range branch {
			rec, err := l.Submit(ctx, a)
			if err != nil {
				return results, err
			}
			results = append(results, rec)
		}
	}
	return results, nil
}

// tryMatch walks l's root queue against l.peer's root queue, then l's
// ancillary queue against l.peer's ancillary queue, in lock-step (spec
// §4.5's "Matching"), until one side of each pair is empty. A compatible
// head pair is completed; an incompatible one fails both sides with
// transmissionMismatch and the walk goes on with the next heads.
func (l *Lane) tryMatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peer == nil {
		return
	}
	kindPairs := [][2]*queue.Queue{
		{l.root, l.peer.root},
		{l.ancillary, l.peer.ancillary},
	}
	for _, pair := range kindPairs {
		q, peerQ := pair[0], pair[1]
		for q.Length() > 0 && peerQ.Length() > 0 {
			mine := q.Peek().(*pendingOp)
			theirs := peerQ.Peek().(*pendingOp)
			if !compatible(mine.action.Kind, theirs.action.Kind) {
				q.Remove()
				peerQ.Remove()
				mismatch := kerr.New("Submit", kerr.CodeTransmissionMismatch, "recipe kinds do not match")
				mine.done <- opResult{err: mismatch}
				theirs.done <- opResult{err: mismatch}
				continue
			}
			q.Remove()
			peerQ.Remove()
			complete(mine, theirs)
		}
	}
}

// compatible reports whether two recipe kinds form a legal matched pair.
func compatible(a, b wire.ActionKind) bool {
	pairs := map[wire.ActionKind]wire.ActionKind{
		wire.ActionOffer:               wire.ActionAccept,
		wire.ActionImbueCredentials:    wire.ActionExtractCredentials,
		wire.ActionSendFromBuffer:      wire.ActionRecvInline,
		wire.ActionSendFromBufferSg:    wire.ActionRecvInline,
		wire.ActionPushDescriptor:      wire.ActionPullDescriptor,
	}
	if want, ok := pairs[a]; ok && want == b {
		return true
	}
	if want, ok := pairs[b]; ok && want == a {
		return true
	}
	if (a == wire.ActionSendFromBuffer && b == wire.ActionRecvToBuffer) ||
		(a == wire.ActionRecvToBuffer && b == wire.ActionSendFromBuffer) {
		return true
	}
	if a == wire.ActionDismiss || b == wire.ActionDismiss {
		return true
	}
	return false
}

// complete transfers data for one matched pair and resolves both sides'
// pending channels.
func complete(mine, theirs *pendingOp) {
	switch mine.action.Kind {
	case wire.ActionOffer, wire.ActionAccept:
		mine.done <- opResult{}
		theirs.done <- opResult{}
	case wire.ActionImbueCredentials, wire.ActionExtractCredentials:
		giver, taker := pickByKind(mine, theirs, wire.ActionImbueCredentials)
		giver.done <- opResult{}
		taker.done <- opResult{record: giver.action.Buffer}
	case wire.ActionSendFromBuffer, wire.ActionRecvInline, wire.ActionSendFromBufferSg:
		sender, receiver := pickSender(mine, theirs)
		if sender.action.HasFlag(wire.FlagFault) {
			faultSend(sender, receiver)
			break
		}
		sender.done <- opResult{}
		receiver.done <- opResult{record: sender.action.Buffer}
	case wire.ActionRecvToBuffer:
		sender, receiver := pickSender(theirs, mine)
		if sender.action.HasFlag(wire.FlagFault) {
			faultSend(sender, receiver)
			break
		}
		runFlow(sender, receiver)
	case wire.ActionPushDescriptor, wire.ActionPullDescriptor:
		pusher, puller := pickByKind(mine, theirs, wire.ActionPushDescriptor)
		pusher.done <- opResult{}
		puller.done <- opResult{record: wire.MarshalHandle(wire.HandleRecord{Handle: pusher.action.Handle})}
	case wire.ActionDismiss:
		mine.done <- opResult{err: kerr.New("Submit", kerr.CodeDismissed, "dismissed without matching")}
		theirs.done <- opResult{err: kerr.New("Submit", kerr.CodeDismissed, "peer dismissed")}
	default:
		mine.done <- opResult{}
		theirs.done <- opResult{}
	}
}

func pickByKind(a, b *pendingOp, kind wire.ActionKind) (*pendingOp, *pendingOp) {
	if a.action.Kind == kind {
		return a, b
	}
	return b, a
}

func pickSender(a, b *pendingOp) (*pendingOp, *pendingOp) {
	if a.action.Kind == wire.ActionSendFromBuffer || a.action.Kind == wire.ActionSendFromBufferSg {
		return a, b
	}
	return b, a
}

// runFlow walks the sender's payload in flowChunk packets through one
// pooled bounce packet at a time until the sender's buffer is exhausted.
// Only one packet is in flight, packets are not acknowledged, and the
// receiver's record is the sender's original buffer.
func runFlow(sender, receiver *pendingOp) {
	src := sender.action.Buffer
	off := 0
	for off < len(src) {
		n := flowChunk
		if remain := len(src) - off; remain < n {
			n = remain
		}
		packet := mempool.Malloc(n)
		copy(packet, src[off:off+n])
		off += n
		mempool.Free(packet)
	}
	sender.done <- opResult{}
	receiver.done <- opResult{record: src}
}

// faultSend resolves a matched send/receive pair where the sender's
// buffer pointer is simulated as bad (wire.FlagFault): the sender sees
// fault, the receiver sees remoteFault with a zero-length record (spec
// §8's S2 seed scenario).
func faultSend(sender, receiver *pendingOp) {
	sender.done <- opResult{err: kerr.New("Submit", kerr.CodeFault, "buffer pointer faulted")}
	receiver.done <- opResult{err: kerr.New("Submit", kerr.CodeRemoteFault, "peer buffer faulted")}
}

// ShutdownLane cancels every pending operation on l with laneShutdown and
// breaks the lane (spec §4.5).
func (l *Lane) ShutdownLane() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdown = true
	for _, q := range []*queue.Queue{l.root, l.ancillary} {
		for q.Length() > 0 {
			op := q.Remove().(*pendingOp)
			op.done <- opResult{err: kerr.New("ShutdownLane", kerr.CodeLaneShutdown, "lane shut down")}
		}
	}
}
