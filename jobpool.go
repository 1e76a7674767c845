package hancho

import (
	"context"
	"runtime"
	"sync"
)

// JobPool owns N identical job slots and bounds how many commands run at
// once. Tasks may claim several slots at a time (a link step that saturates
// the machine can ask for all of them).
type JobPool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	size      int
	available int
	// slots records which task owns each claimed slot, for diagnostics.
	slots []*Task
}

// NewJobPool creates a pool with the given slot count; size <= 0 uses the
// CPU count.
func NewJobPool(size int) *JobPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &JobPool{
		size:      size,
		available: size,
		slots:     make([]*Task, size),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Size returns the total slot count.
func (p *JobPool) Size() int { return p.size }

// Acquire waits until count slots are free, then claims them for t.
// Requesting more slots than the pool owns can never succeed and is a
// configuration error. Cancelling ctx abandons the wait.
func (p *JobPool) Acquire(ctx context.Context, count int, t *Task) error {
	if count > p.size {
		return configErrorf("need %d jobs, but pool is %d", count, p.size)
	}

	// Wake the waiter when its context dies; the loop below rechecks the
	// context on every wakeup.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.available < count {
		if err := ctx.Err(); err != nil {
			return &CancelledError{Reason: "build stopped while awaiting jobs", Cause: err}
		}
		p.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return &CancelledError{Reason: "build stopped while awaiting jobs", Cause: err}
	}

	remaining := count
	for i := range p.slots {
		if p.slots[i] == nil && remaining > 0 {
			p.slots[i] = t
			remaining--
		}
	}
	p.available -= count
	return nil
}

// Release returns count slots claimed by t to the pool.
//
// The broadcast is required: we don't know in advance which waiters can
// make progress, and different waiters may want different slot counts, so
// a single wake could stall a runnable task forever. With thousands of
// pending tasks this is a thundering herd; a future optimization is to
// wake the minimum-count waiter selectively, but correctness doesn't
// require it.
func (p *JobPool) Release(count int, t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available += count
	remaining := count
	for i := range p.slots {
		if p.slots[i] == t && remaining > 0 {
			p.slots[i] = nil
			remaining--
		}
	}
	p.cond.Broadcast()
}

// InUse returns how many slots are currently claimed.
func (p *JobPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size - p.available
}
