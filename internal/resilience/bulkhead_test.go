package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emberworks/hearth/internal/fault"
)

func TestBulkhead_TryAcquireUpToCapacity(t *testing.T) {
	b := NewBulkhead("test", 2, time.Second)

	r1, ok := b.TryAcquire()
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	r2, ok := b.TryAcquire()
	if !ok {
		t.Fatal("second acquire should succeed")
	}
	if _, ok := b.TryAcquire(); ok {
		t.Fatal("third acquire should fail at capacity 2")
	}
	if got := b.InFlight(); got != 2 {
		t.Fatalf("InFlight = %d, want 2", got)
	}

	r1()
	if _, ok := b.TryAcquire(); !ok {
		t.Fatal("acquire should succeed after release")
	}
	r2()
}

func TestBulkhead_AcquireTimesOutWhenFull(t *testing.T) {
	b := NewBulkhead("test", 1, 20*time.Millisecond)

	release, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	start := time.Now()
	_, err = b.Acquire(context.Background())
	if !errors.Is(err, ErrBulkheadFull) {
		t.Fatalf("err = %v, want ErrBulkheadFull", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("acquire returned after %v, expected to wait ~20ms", elapsed)
	}
}

func TestBulkhead_AcquireSucceedsWhenSlotFrees(t *testing.T) {
	b := NewBulkhead("test", 1, time.Second)

	release, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()

	r2, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second acquire should succeed once slot frees: %v", err)
	}
	r2()
}

func TestBulkhead_ContextCancellation(t *testing.T) {
	b := NewBulkhead("test", 1, time.Hour)

	release, _ := b.TryAcquire()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := b.Acquire(ctx)
	if !fault.IsKind(err, fault.KindTimeout) {
		t.Fatalf("err = %v, want timeout fault", err)
	}
}

func TestBulkhead_ReleaseIsIdempotent(t *testing.T) {
	b := NewBulkhead("test", 1, time.Second)

	release, _ := b.TryAcquire()
	release()
	release() // second call must be a no-op, not a semaphore over-release

	if got := b.InFlight(); got != 0 {
		t.Fatalf("InFlight = %d, want 0", got)
	}
	if _, ok := b.TryAcquire(); !ok {
		t.Fatal("acquire should succeed")
	}
}

func TestBulkhead_RunConcurrencyNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	b := NewBulkhead("test", capacity, time.Second)

	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Run(context.Background(), func() error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if peak > capacity {
		t.Fatalf("peak concurrency %d exceeded capacity %d", peak, capacity)
	}
}
