package futex

import (
	"context"
	"testing"
	"time"
)

func TestWaitReturnsImmediatelyOnMismatch(t *testing.T) {
	r := NewRealm()
	r.Store(1, 5)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Wait(ctx, 1, 9); err != nil {
		t.Fatalf("expected immediate return on mismatched expected value, got %v", err)
	}
}

func TestWakeReleasesWaiter(t *testing.T) {
	r := NewRealm()
	const id Identity = 42
	r.Store(id, 0)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- r.Wait(ctx, id, 0)
	}()

	time.Sleep(50 * time.Millisecond)
	r.Store(id, 1)
	r.Wake(id, 1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestWaitDeadlineExpires(t *testing.T) {
	r := NewRealm()
	const id Identity = 7
	r.Store(id, 0)
	err := r.WaitDeadline(context.Background(), id, 0, time.Now().Add(50*time.Millisecond))
	if err == nil {
		t.Fatal("expected deadline to expire while word still matches expected")
	}
}
