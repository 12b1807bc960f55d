package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/emberworks/hearth/internal/fault"
)

// ErrBulkheadFull is returned when a bulkhead cannot admit a caller within its
// bounded wait.
var ErrBulkheadFull = fault.New(fault.KindBulkheadFull, "the system is busy, please try again").
	WithHint("retry shortly")

// defaultBulkheadWait bounds [Bulkhead.Acquire] when no explicit wait timeout
// is configured.
const defaultBulkheadWait = 5 * time.Second

// Bulkhead is a bounded-concurrency gate. Each class of operation (model
// inference, session management, tool execution, voice processing) gets its
// own bulkhead so that a stalled dependency cannot exhaust the whole process.
//
// Bulkhead is safe for concurrent use.
type Bulkhead struct {
	name     string
	capacity int64
	wait     time.Duration
	sem      *semaphore.Weighted
	inflight atomic.Int64
}

// NewBulkhead creates a bulkhead named name admitting at most capacity
// concurrent holders. waitTimeout bounds [Bulkhead.Acquire]; zero selects the
// 5s default.
func NewBulkhead(name string, capacity int, waitTimeout time.Duration) *Bulkhead {
	if capacity <= 0 {
		capacity = 1
	}
	if waitTimeout <= 0 {
		waitTimeout = defaultBulkheadWait
	}
	return &Bulkhead{
		name:     name,
		capacity: int64(capacity),
		wait:     waitTimeout,
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

// TryAcquire attempts non-blocking admission. The caller must invoke the
// returned release function exactly once when done, but only if ok is true.
func (b *Bulkhead) TryAcquire() (release func(), ok bool) {
	if !b.sem.TryAcquire(1) {
		return nil, false
	}
	b.inflight.Add(1)
	return b.releaseFunc(), true
}

// Acquire waits for admission up to the bulkhead's wait timeout (or until ctx
// is done, whichever comes first). On wait-timeout it returns
// [ErrBulkheadFull]; on context cancellation it returns a timeout fault
// wrapping ctx.Err().
func (b *Bulkhead) Acquire(ctx context.Context) (release func(), err error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.wait)
	defer cancel()

	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindTimeout, "request cancelled", ctx.Err())
		}
		return nil, ErrBulkheadFull
	}
	b.inflight.Add(1)
	return b.releaseFunc(), nil
}

// Run admits the caller via [Bulkhead.Acquire], runs fn, and releases.
func (b *Bulkhead) Run(ctx context.Context, fn func() error) error {
	release, err := b.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// InFlight returns the number of currently admitted holders.
func (b *Bulkhead) InFlight() int64 { return b.inflight.Load() }

// Capacity returns the maximum number of concurrent holders.
func (b *Bulkhead) Capacity() int64 { return b.capacity }

// Name returns the bulkhead's label.
func (b *Bulkhead) Name() string { return b.name }

func (b *Bulkhead) releaseFunc() func() {
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			b.inflight.Add(-1)
			b.sem.Release(1)
		}
	}
}

// Named bulkheads guarding the core's operation classes.
const (
	BulkheadModelInference    = "model_inference"
	BulkheadSessionManagement = "session_management"
	BulkheadToolExecution     = "tool_execution"
	BulkheadVoiceProcessing   = "voice_processing"
)
