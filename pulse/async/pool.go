package async

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// WorkerPool runs handler executions on a bounded number of goroutines.
// Submission never blocks: when every slot is busy TryGo refuses the work and
// the caller leaves the job for a later poll.
type WorkerPool struct {
	group errgroup.Group
	size  int
	busy  atomic.Int64
}

// NewWorkerPool creates a pool with size slots (at least one).
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{size: size}
	p.group.SetLimit(size)
	return p
}

// TryGo starts fn if a slot is free and reports whether it did.
func (p *WorkerPool) TryGo(fn func()) bool {
	return p.group.TryGo(func() error {
		p.busy.Add(1)
		defer p.busy.Add(-1)
		fn()
		return nil
	})
}

// Wait blocks until every started function has returned.
func (p *WorkerPool) Wait() {
	_ = p.group.Wait()
}

// Size returns the number of slots.
func (p *WorkerPool) Size() int {
	return p.size
}

// Busy returns the number of functions currently running.
func (p *WorkerPool) Busy() int {
	return int(p.busy.Load())
}

// Available returns the number of free slots.
func (p *WorkerPool) Available() int {
	if free := p.size - p.Busy(); free > 0 {
		return free
	}
	return 0
}
