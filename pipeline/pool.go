package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// drainPollInterval is the idle sleep while waiting for in-flight work.
const drainPollInterval = time.Millisecond

// Pool bounds the frames in flight in load-balanced mode. A slot is one
// admitted frame; admission blocks until a slot frees or the context ends.
type Pool struct {
	slots    chan struct{}
	inflight int64
	closed   int32
}

// NewPool creates a pool with the given slot count.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{slots: make(chan struct{}, size)}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Acquire claims a slot, blocking until one frees.
func (p *Pool) Acquire(ctx context.Context) error {
	if atomic.LoadInt32(&p.closed) != 0 {
		return errors.New("pipeline: pool is closed")
	}
	select {
	case <-p.slots:
		atomic.AddInt64(&p.inflight, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot.
func (p *Pool) Release() {
	atomic.AddInt64(&p.inflight, -1)
	p.slots <- struct{}{}
}

// InFlight reports the admitted frames not yet released.
func (p *Pool) InFlight() int {
	return int(atomic.LoadInt64(&p.inflight))
}

// Drain waits until every admitted frame has been released. Queued
// inference always runs to completion; nothing is discarded at stream
// end.
func (p *Pool) Drain(ctx context.Context) error {
	for p.InFlight() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
	return nil
}

// Close marks the pool closed; Drain still works afterwards.
func (p *Pool) Close() {
	atomic.StoreInt32(&p.closed, 1)
}
