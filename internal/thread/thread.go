// Package thread implements the thread lifecycle, executor hook, and
// observation surface of spec §4.6.
//
// Grounded on the teacher's ioLoop: one goroutine pinned with
// runtime.LockOSThread, CPU affinity set via
// golang.org/x/sys/unix.SchedSetaffinity — a direct teacher dependency —
// generalized from "one goroutine per ublk queue" to "one goroutine per
// kernel thread's executor". observe(seq) blocks on a sync.Cond,
// mirroring the teacher's blocking select-on-context-done ioLoop shape.
package thread

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lattice-os/microk/internal/kerr"
)

// RunState is the thread's scheduling state (spec §2's glossary entry).
type RunState int

const (
	Blocked RunState = iota
	Ready
	Running
	Terminated
)

// ObservationKind enumerates the reasons observe(seq) can report.
type ObservationKind int

const (
	ObsNull ObservationKind = iota
	ObsInterrupt
	ObsPanic
	ObsBreakpoint
	ObsPageFault
	ObsGeneralFault
	ObsDivByZero
	ObsIllegalInstruction
	ObsSuperCall
)

// Observation is the record returned by observe(seq).
type Observation struct {
	Sequence   uint64
	Kind       ObservationKind
	SuperCallN uint64
}

// RegisterSet names one of the architecture-defined register groups of
// spec §4.6. Thread has no fixed per-architecture sizes: a set's size is
// the length of the data last stored for it, and zero until then.
type RegisterSet int

const (
	RegProgram RegisterSet = iota
	RegGeneral
	RegThread
	RegSIMD
	RegSignal
	RegVirtualization
	RegDebug
)

// Thread owns an executor slot (its saved register state) and tracks run
// state, observation sequence, affinity, and priority. It holds no
// reference to a universe or an address space.
type Thread struct {
	mu         sync.Mutex
	cond       *sync.Cond
	state      RunState
	sequence   uint64
	lastObs    Observation
	affinity   uint64
	priority   int
	executor   map[RegisterSet][]byte
	pinnedCPU  int
	hasPin     bool
	stop       chan struct{}
}

// New creates a thread in the blocked state, ready to be resumed.
func New(priority int, affinity uint64) *Thread {
	t := &Thread{
		state:    Blocked,
		priority: priority,
		affinity: affinity,
		executor: make(map[RegisterSet][]byte),
		stop:     make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Run starts the thread's executor goroutine, pinned to an OS thread and
// (on Linux) to a CPU drawn from its affinity mask — the Go analog of the
// teacher's ioLoop.
func (t *Thread) Run(work func(ctx context.Context)) {
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if cpu, ok := firstSetBit(t.affinity); ok {
			_ = setAffinity(cpu)
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-t.stop
			cancel()
		}()

		t.setState(Running)
		work(ctx)
		t.setState(Terminated)
	}()
}

func firstSetBit(mask uint64) (int, bool) {
	for i := 0; i < 64; i++ {
		if mask&(1<<uint(i)) != 0 {
			return i, true
		}
	}
	return 0, false
}

func setAffinity(cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

func (t *Thread) setState(s RunState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Thread) State() RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Resume, Kill, Interrupt implement the state transitions of spec §4.6.
// Acting on an already-terminated thread yields threadTerminated; Resume
// on a thread that is not blocked, or Interrupt on one that is not
// running, yields illegalState.
func (t *Thread) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Terminated {
		return kerr.New("Resume", kerr.CodeThreadTerminated, "thread already terminated")
	}
	if t.state != Blocked {
		return kerr.New("Resume", kerr.CodeIllegalState, "thread is not blocked")
	}
	t.state = Ready
	return nil
}

func (t *Thread) Kill() error {
	t.mu.Lock()
	if t.state == Terminated {
		t.mu.Unlock()
		return kerr.New("Kill", kerr.CodeThreadTerminated, "thread already terminated")
	}
	t.mu.Unlock()
	close(t.stop)
	t.setState(Terminated)
	t.mu.Lock()
	t.sequence++
	t.lastObs = Observation{Sequence: t.sequence, Kind: ObsNull}
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

func (t *Thread) Interrupt() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Terminated {
		return kerr.New("Interrupt", kerr.CodeThreadTerminated, "thread already terminated")
	}
	if t.state != Running {
		return kerr.New("Interrupt", kerr.CodeIllegalState, "thread is not running")
	}
	t.state = Blocked
	return nil
}

// Raise advances the observation sequence and records kind as the most
// recent observation, waking every blocked observer.
func (t *Thread) Raise(kind ObservationKind, superCallN uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sequence++
	t.lastObs = Observation{Sequence: t.sequence, Kind: kind, SuperCallN: superCallN}
	t.cond.Broadcast()
}

// Observe blocks until thread.sequence > since, per spec §4.6.
func (t *Thread) Observe(ctx context.Context, since uint64) (Observation, error) {
	t.mu.Lock()
	for t.sequence <= since {
		if ctx.Err() != nil {
			t.mu.Unlock()
			return Observation{}, kerr.New("Observe", kerr.CodeCancelled, "observe cancelled")
		}
		t.cond.Wait()
	}
	obs := t.lastObs
	t.mu.Unlock()
	return obs, nil
}

// RegisterSetSize returns the byte length of the data last stored for set
// with StoreRegisters; a set never stored reports zero. It does not report
// a fixed architecture-defined size.
func (t *Thread) RegisterSetSize(set RegisterSet) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.executor[set])
}

// LoadRegisters and StoreRegisters read/write one named register set of
// the thread's saved executor state.
func (t *Thread) LoadRegisters(set RegisterSet) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.executor[set]...)
}

func (t *Thread) StoreRegisters(set RegisterSet, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executor[set] = append([]byte(nil), data...)
}
