package xcqrs

import (
	"context"
	"sync"
)

// batch is one mailbox item: the events of one commit, the side effects of one
// external injection, or one inbound transport delivery. Envelopes inside a
// batch are processed in order by a single worker.
type batch struct {
	envs     []Envelope
	delivery Delivery
}

// Mailbox is the bounded multi-producer/multi-consumer queue between the commit
// point and the processing loop.
//
// Producers are admitted before they build their batch: a slot is reserved
// first, so a commit that has been admitted is always enqueued. Push blocks
// while every slot is taken (backpressure). After Close, producers are refused
// with ErrMailboxClosed, except producers running on behalf of a batch that is
// still being processed; consumers keep receiving until nothing is queued or
// being processed, then Pop reports ErrMailboxClosed.
type Mailbox struct {
	ch     chan batch
	slots  chan struct{} // one token per queued or reserved batch
	done   chan struct{} // closed by Close: wakes producers waiting for a slot
	sealed chan struct{} // closed once closed and no batch is pending

	mu        sync.Mutex
	closed    bool
	pending   int // admitted producers, queued batches and batches being processed
	closeOnce sync.Once
	sealOnce  sync.Once
}

// NewMailbox creates a mailbox holding up to size batches.
func NewMailbox(size int) *Mailbox {
	if size < 1 {
		size = 1024
	}
	return &Mailbox{
		ch:     make(chan batch, size),
		slots:  make(chan struct{}, size),
		done:   make(chan struct{}),
		sealed: make(chan struct{}),
	}
}

// Push enqueues one batch. Envelope order inside the batch is preserved.
func (m *Mailbox) Push(ctx context.Context, b batch) error {
	return m.admit(ctx, false, func() (batch, error) { return b, nil })
}

// admit reserves a slot, then calls fill and enqueues the batch it returns. An
// error from admission means fill never ran. An error or an empty batch from
// fill gives the slot back.
//
// nested marks a producer running inside the processing of a popped batch
// (a policy-issued command); it is still admitted while the mailbox drains.
func (m *Mailbox) admit(ctx context.Context, nested bool, fill func() (batch, error)) error {
	m.mu.Lock()
	if m.closed && (!nested || m.pending == 0) {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.pending++
	m.mu.Unlock()

	var closing <-chan struct{}
	if !nested {
		closing = m.done
	}
	select {
	case m.slots <- struct{}{}:
	case <-closing:
		m.release()
		return ErrMailboxClosed
	case <-ctx.Done():
		m.release()
		return ctx.Err()
	}

	b, err := fill()
	if err != nil || (len(b.envs) == 0 && b.delivery == nil) {
		<-m.slots
		m.release()
		return err
	}
	// A slot is held, so this never blocks.
	m.ch <- b
	return nil
}

// Pop dequeues the next batch. The caller must call Done once it has processed it.
func (m *Mailbox) Pop(ctx context.Context) (batch, error) {
	select {
	case b := <-m.ch:
		<-m.slots
		return b, nil
	case <-m.sealed:
		return batch{}, ErrMailboxClosed
	case <-ctx.Done():
		return batch{}, ctx.Err()
	}
}

// Done marks a popped batch as processed.
func (m *Mailbox) Done() { m.release() }

func (m *Mailbox) release() {
	m.mu.Lock()
	m.pending--
	seal := m.closed && m.pending == 0
	m.mu.Unlock()
	if seal {
		m.seal()
	}
}

func (m *Mailbox) seal() { m.sealOnce.Do(func() { close(m.sealed) }) }

// Close stops accepting new producers. Queued batches stay poppable. Idempotent.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		seal := m.pending == 0
		m.mu.Unlock()
		close(m.done)
		if seal {
			m.seal()
		}
	})
}

// Len returns the number of queued batches.
func (m *Mailbox) Len() int { return len(m.ch) }

// Cap returns the mailbox capacity in batches.
func (m *Mailbox) Cap() int { return cap(m.ch) }
