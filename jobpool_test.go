package hancho

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJobPool_AcquireRelease(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	task := newTask(eng)
	pool := NewJobPool(4)

	if pool.Size() != 4 {
		t.Fatalf("Size() = %d, want 4", pool.Size())
	}
	if err := pool.Acquire(context.Background(), 3, task); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got := pool.InUse(); got != 3 {
		t.Errorf("InUse() = %d, want 3", got)
	}
	pool.Release(3, task)
	if got := pool.InUse(); got != 0 {
		t.Errorf("InUse() after release = %d, want 0", got)
	}
}

func TestJobPool_RequestLargerThanPool(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	task := newTask(eng)
	pool := NewJobPool(2)

	err := pool.Acquire(context.Background(), 3, task)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestJobPool_WaiterWakesOnRelease(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	holder := newTask(eng)
	waiter := newTask(eng)
	pool := NewJobPool(2)

	if err := pool.Acquire(context.Background(), 2, holder); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- pool.Acquire(context.Background(), 2, waiter)
	}()

	select {
	case err := <-acquired:
		t.Fatalf("waiter acquired before release: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(2, holder)

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiter failed after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up after release")
	}
	if got := pool.InUse(); got != 2 {
		t.Errorf("InUse() = %d, want 2", got)
	}
}

func TestJobPool_ReleaseWakesAllWaiters(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	holder := newTask(eng)
	pool := NewJobPool(3)

	if err := pool.Acquire(context.Background(), 3, holder); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Two waiters wanting different slot counts; a single wake could
	// leave one of them stranded.
	results := make(chan error, 2)
	for _, count := range []int{1, 2} {
		count := count
		go func() {
			w := newTask(eng)
			err := pool.Acquire(context.Background(), count, w)
			results <- err
		}()
	}

	pool.Release(3, holder)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("waiter %d failed: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("not all waiters woke up")
		}
	}
	if got := pool.InUse(); got != 3 {
		t.Errorf("InUse() = %d, want 3", got)
	}
}

func TestJobPool_AcquireCancelled(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	holder := newTask(eng)
	waiter := newTask(eng)
	pool := NewJobPool(1)

	if err := pool.Acquire(context.Background(), 1, holder); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	acquired := make(chan error, 1)
	go func() {
		acquired <- pool.Acquire(ctx, 1, waiter)
	}()

	cancel()

	select {
	case err := <-acquired:
		if !IsCancelled(err) {
			t.Fatalf("want CancelledError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter never returned")
	}
}
