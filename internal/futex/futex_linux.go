//go:build linux

package futex

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long a single FUTEX_WAIT call blocks when ctx
// carries no deadline of its own, so a context-only cancellation (e.g.
// Ctrl-C cancelling a plain context.WithCancel) is noticed within one
// interval instead of blocking until an unrelated FUTEX_WAKE happens to
// fire.
const pollInterval = 200 * time.Millisecond

// waitWord blocks on the real Linux futex(2) syscall, the same
// syscall.Syscall6 + unix.SYS_* idiom the teacher uses for
// io_uring_setup/io_uring_enter in internal/uring/minimal.go.
func waitWord(ctx context.Context, word *uint32, expected uint32) error {
	for {
		if atomic.LoadUint32(word) != expected {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := pollInterval
		if dl, ok := ctx.Deadline(); ok {
			remaining := time.Until(dl)
			if remaining <= 0 {
				return ctx.Err()
			}
			if remaining < wait {
				wait = remaining
			}
		}
		ts := unix.NsecToTimespec(wait.Nanoseconds())

		_, _, errno := syscall.Syscall6(
			unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(word)),
			uintptr(unix.FUTEX_WAIT),
			uintptr(expected),
			uintptr(unsafe.Pointer(&ts)),
			0, 0,
		)
		switch errno {
		case 0, syscall.EAGAIN, syscall.EINTR, syscall.ETIMEDOUT:
			// Loop back to the top: re-checks the word, then ctx.Err() — a
			// timeout here means either ctx still has time left (keep
			// polling) or it doesn't (the ctx.Err() check returns).
			continue
		default:
			if errno != 0 {
				return errno
			}
		}
	}
}

func wakeWord(word *uint32, count int) int {
	if count <= 0 {
		count = int(^uint32(0) >> 1)
	}
	n, _, _ := syscall.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(count),
		0, 0, 0,
	)
	return int(n)
}
