package xcqrs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus is the orchestrator. Dispatch runs one command handler inside a unit of
// work and enqueues the committed events; Start drains the mailbox, runs
// policies and routes their side effects.
type Bus struct {
	driver       Driver
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	newID        func() string
	errorHandler ErrorHandler

	maxDepth          int
	workers           int
	policyConcurrency int
	topic             string
	group             string
	ackTimeout        time.Duration

	mailbox      *Mailbox
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *busMetrics

	started   atomic.Bool
	closed    atomic.Bool
	loopDone  chan struct{}
	closeOnce sync.Once
}

// busMetrics uses lock-free atomics for production-grade telemetry.
type busMetrics struct {
	dispatched      atomic.Uint64
	handlerFailures atomic.Uint64
	committed       atomic.Uint64
	enqueued        atomic.Uint64
	processed       atomic.Uint64
	policyFailures  atomic.Uint64
	projected       atomic.Uint64
	projectFailures atomic.Uint64
	recursion       atomic.Uint64
	ackCount        atomic.Uint64
	nackCount       atomic.Uint64
	errorCount      atomic.Uint64
	processingNs    atomic.Int64
}

// Codec returns the configured codec (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Driver returns the driver the bus is wired against.
func (b *Bus) Driver() Driver { return b.driver }

// MaxDepth returns the recursion bound for policy-issued commands.
func (b *Bus) MaxDepth() int { return b.maxDepth }

// Dispatch runs the handler registered for the payload's type as a root command
// and returns its result once the unit of work is committed and its events are
// enqueued. It does not wait for policies or projections.
func (b *Bus) Dispatch(ctx context.Context, payload any) (any, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidPayload)
	}
	return b.DispatchEnvelope(ctx, newRoot(KindCommand, payload, nil))
}

// DispatchEnvelope is Dispatch for a caller-built command envelope, e.g. one
// carrying metadata or decoded from a transport.
func (b *Bus) DispatchEnvelope(ctx context.Context, cmd Envelope) (any, error) {
	if cmd.Kind != KindCommand || cmd.Payload == nil {
		return nil, fmt.Errorf("%w: dispatch needs a command envelope with a payload", ErrInvalidPayload)
	}
	b.stamp(&cmd)
	return b.dispatch(ctx, cmd, false)
}

// dispatch is the one path every command takes, whatever its origin. nested
// marks a command issued by a policy while the loop processes an event; those
// are still accepted while Stop drains the mailbox.
func (b *Bus) dispatch(ctx context.Context, cmd Envelope, nested bool) (any, error) {
	if !nested && b.closed.Load() {
		return nil, ErrBusClosed
	}
	if cmd.Generation > b.maxDepth {
		b.metrics.recursion.Add(1)
		return nil, &RecursionError{Command: cmd.Name, Generation: cmd.Generation, Max: b.maxDepth}
	}
	h, err := b.driver.CommandHandler(cmd.Name)
	if err != nil {
		return nil, err
	}

	b.metrics.dispatched.Add(1)
	start := b.clock.Now()
	b.notifyAsync(eventFor(DispatchStart, cmd))

	uow := OpenUnitOfWork(cmd)
	res, herr := b.runHandler(ctx, h, uow, cmd)
	if herr != nil {
		if rerr := uow.Rollback(herr); rerr != nil && errors.Is(rerr, ErrInvalidState) {
			// The handler moved the unit itself; nothing was published either way.
			herr = errors.Join(herr, rerr)
		}
		b.metrics.handlerFailures.Add(1)
		ev := eventFor(Rollback, cmd)
		ev.Err = herr
		ev.Duration = b.clock.Since(start)
		b.notifyAsync(ev)
		return nil, &HandlerError{Command: cmd.Name, Cause: herr}
	}

	if uow.Len() == 0 {
		if res, _, err = uow.Commit(res); err != nil {
			b.metrics.errorCount.Add(1)
			return nil, err
		}
		b.metrics.committed.Add(1)
		b.notifyAsync(eventFor(Commit, cmd))
		return b.dispatched(cmd, start, 0, res), nil
	}

	// The mailbox admits the batch before the unit commits, so a committed
	// unit's events are always enqueued.
	var (
		events    []Envelope
		committed bool
	)
	err = b.mailbox.admit(ctx, nested, func() (batch, error) {
		var cerr error
		committed = true
		res, events, cerr = uow.Commit(res)
		if cerr != nil {
			return batch{}, cerr
		}
		b.metrics.committed.Add(1)
		ev := eventFor(Commit, cmd)
		ev.Count = len(events)
		b.notifyAsync(ev)
		for i := range events {
			b.stamp(&events[i])
		}
		return batch{envs: events}, nil
	})
	if err != nil {
		b.metrics.errorCount.Add(1)
		if committed {
			return nil, err
		}
		if errors.Is(err, ErrMailboxClosed) {
			err = ErrBusClosed
		}
		_ = uow.Rollback(err)
		ev := eventFor(Rollback, cmd)
		ev.Err = err
		ev.Duration = b.clock.Since(start)
		b.notifyAsync(ev)
		return nil, err
	}
	b.metrics.enqueued.Add(uint64(len(events)))
	ev := eventFor(Enqueue, cmd)
	ev.Count = len(events)
	b.notifyAsync(ev)

	return b.dispatched(cmd, start, len(events), res), nil
}

func (b *Bus) dispatched(cmd Envelope, start time.Time, events int, res any) any {
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	done := eventFor(DispatchDone, cmd)
	done.Duration = duration
	done.Count = events
	b.notifyAsync(done)
	return res
}

// runHandler invokes the handler exactly once, converting a panic into an error.
func (b *Bus) runHandler(ctx context.Context, h CommandHandler, uow *UnitOfWork, cmd Envelope) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn().Str("command", cmd.Name).Msg("xcqrs: handler panic (recovered)")
			res, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.Handle(b.handlerContext(ctx, cmd), uow, cmd)
}

// Publish injects externally sourced events into the mailbox as one batch, in
// order. Each becomes a root event (depth 0, no causation).
func (b *Bus) Publish(ctx context.Context, events ...any) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if len(events) == 0 {
		return nil
	}
	envs := make([]Envelope, len(events))
	for i, p := range events {
		if p == nil {
			return fmt.Errorf("%w: nil event at %d", ErrInvalidPayload, i)
		}
		envs[i] = newRoot(KindEvent, p, nil)
		b.stamp(&envs[i])
	}
	if err := b.mailbox.Push(ctx, batch{envs: envs}); err != nil {
		b.metrics.errorCount.Add(1)
		if errors.Is(err, ErrMailboxClosed) {
			return ErrBusClosed
		}
		return err
	}
	b.metrics.enqueued.Add(uint64(len(envs)))
	return nil
}

// Send publishes root envelopes of the given kind to the driver's transport in a
// single call, for whichever bus consumes the configured topic.
func (b *Bus) Send(ctx context.Context, kind Kind, payloads ...any) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	tr := b.driver.Transport()
	if tr == nil {
		return ErrNoTransport
	}
	if len(payloads) == 0 {
		return nil
	}
	msgs := make([]*Message, len(payloads))
	for i, p := range payloads {
		if p == nil {
			return fmt.Errorf("%w: nil payload at %d", ErrInvalidPayload, i)
		}
		env := newRoot(kind, p, nil)
		b.stamp(&env)
		msg, err := EncodeEnvelope(b.codec, env)
		if err != nil {
			b.metrics.errorCount.Add(1)
			return err
		}
		msgs[i] = msg
	}

	start := b.clock.Now()
	err := tr.Publish(ctx, b.topic, msgs...)
	b.notifyAsync(Event{Type: SendDone, Kind: kind, Name: "batch", Count: len(msgs), Duration: b.clock.Since(start), Err: err})
	if err != nil {
		b.metrics.errorCount.Add(1)
		return &TransportError{Cause: err}
	}
	return nil
}

// View answers a read-side query through the viewer registered for its type.
func (b *Bus) View(ctx context.Context, query any) (any, error) {
	if query == nil {
		return nil, fmt.Errorf("%w: nil query", ErrInvalidPayload)
	}
	v, err := b.driver.Viewer(NameOf(query))
	if err != nil {
		return nil, err
	}
	return v.View(injectClock(injectLogger(ctx, b.logger), b.clock), query)
}

// stamp assigns identity and time to envelopes built inside the bus.
func (b *Bus) stamp(env *Envelope) {
	if env.ID == "" {
		env.ID = b.newID()
	}
	if env.Name == "" {
		env.Name = NameOf(env.Payload)
	}
	if env.ProducedAt.IsZero() {
		env.ProducedAt = b.clock.Now()
	}
}

func (b *Bus) handlerContext(ctx context.Context, env Envelope) context.Context {
	ctx = injectLogger(ctx, b.logger)
	ctx = injectClock(ctx, b.clock)
	return withEnvelope(ctx, env)
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	return Metrics{
		Dispatched:          b.metrics.dispatched.Load(),
		HandlerFailures:     b.metrics.handlerFailures.Load(),
		Committed:           b.metrics.committed.Load(),
		EventsEnqueued:      b.metrics.enqueued.Load(),
		EventsProcessed:     b.metrics.processed.Load(),
		PolicyFailures:      b.metrics.policyFailures.Load(),
		Projected:           b.metrics.projected.Load(),
		ProjectionFailures:  b.metrics.projectFailures.Load(),
		RecursionRejections: b.metrics.recursion.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		MailboxDepth:        b.mailbox.Len(),
		MailboxCapacity:     b.mailbox.Cap(),
		ObserverDropped:     b.observerPool.Stats().Dropped,
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health checks bus health for Kubernetes probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"
	msg := ""

	// Degraded if error rate > 5%
	work := metrics.Dispatched + metrics.EventsProcessed
	if metrics.Errors > 0 && work > 0 {
		if float64(metrics.Errors)/float64(work) > 0.05 {
			status = "degraded"
			msg = "error rate above 5%"
		}
	}
	// Degraded if the mailbox is nearly full: dispatch is about to block.
	if metrics.MailboxCapacity > 0 && metrics.MailboxDepth*10 >= metrics.MailboxCapacity*9 {
		status = "degraded"
		msg = "mailbox above 90% capacity"
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
		Message:   msg,
	}
}

// Close stops the loop, then releases the observer pool and the transport.
// Idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		if err := b.Stop(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("xcqrs: loop did not drain before close")
			closeErr = err
		}

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xcqrs: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if tr := b.driver.Transport(); tr != nil {
			if err := tr.Close(ctx); err != nil {
				b.logger.Error().Err(err).Msg("xcqrs: transport close failed")
				closeErr = err
			}
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer. obs must be of a comparable type
// (ObserverFunc values cannot be removed).
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events asynchronously (non-blocking).
func (b *Bus) notifyAsync(e Event) {
	if b.observerPool == nil {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime records dispatch time using exponential moving average.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}
