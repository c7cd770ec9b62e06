package xcqrs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// notification is one lifecycle event together with the observers registered
// when it happened.
type notification struct {
	event     Event
	observers []Observer
}

// ObserverPool fans dispatch and loop lifecycle events out to observers on its
// own goroutines, so a slow observer never holds up a command handler, a commit
// or a mailbox worker. When its buffer is full the event is dropped and
// counted rather than applying backpressure to the bus.
type ObserverPool struct {
	queue   chan notification
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool

	dropped   atomic.Uint64
	processed atomic.Uint64
	panicked  atomic.Uint64
}

// NewObserverPool starts workers goroutines (default 4) reading from a buffer
// of bufferSize events (default 1000). The pool stops when ctx is cancelled or
// Close is called.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}
	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		queue:   make(chan notification, bufferSize),
		workers: workers,
		ctx:     poolCtx,
		cancel:  cancel,
	}
	op.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go op.run()
	}
	return op
}

// Notify queues e for every observer in observers. It never blocks.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}
	n := notification{event: e, observers: append([]Observer(nil), observers...)}
	select {
	case op.queue <- n:
	default:
		op.dropped.Add(1)
	}
}

// run delivers notifications until the pool stops, then flushes what is queued.
func (op *ObserverPool) run() {
	defer op.wg.Done()
	for {
		select {
		case n := <-op.queue:
			op.deliver(n)
		case <-op.ctx.Done():
			for {
				select {
				case n := <-op.queue:
					op.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (op *ObserverPool) deliver(n notification) {
	for _, obs := range n.observers {
		if obs != nil {
			op.call(obs, n.event)
		}
	}
	op.processed.Add(1)
}

// call isolates one observer: a panic is counted and swallowed.
func (op *ObserverPool) call(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			op.panicked.Add(1)
		}
	}()
	obs.OnEvent(e)
}

// Close stops accepting events and waits up to timeout for queued ones to be
// delivered. Idempotent.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.cancel()

	flushed := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		Panicked:     op.panicked.Load(),
		ActiveEvents: len(op.queue),
		Workers:      op.workers,
		BufferSize:   cap(op.queue),
	}
}
