package xcqrs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Start runs the processing loop until Stop is called, ctx is cancelled, or the
// driver's transport is lost. Stop and cancellation drain the mailbox before
// returning nil; transport loss drains too and returns a *TransportError.
// Policy and projection failures never end the loop.
func (b *Bus) Start(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(b.loopDone)

	var sub Subscription
	if tr := b.driver.Transport(); tr != nil {
		s, err := tr.Subscribe(ctx, b.topic, b.group, b.onDelivery)
		if err != nil {
			b.requestStop()
			return &TransportError{Cause: err}
		}
		sub = s
	}

	// Queued work is finished even after ctx is cancelled.
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.work(workCtx)
		}()
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	b.logger.Info().Str("topic", b.topic).Str("group", b.group).Msg("xcqrs: loop started")

	var subDone <-chan struct{}
	if sub != nil {
		subDone = sub.Done()
	}

	var fatal error
	select {
	case <-workersDone:
	case <-ctx.Done():
		b.requestStop()
	case <-subDone:
		// A subscription ending because of our own shutdown is not a failure.
		if ctx.Err() == nil && !b.closed.Load() {
			cause := sub.Err()
			if cause == nil {
				cause = ErrTransportExhausted
			}
			fatal = &TransportError{Cause: cause}
			b.logger.Error().Err(cause).Msg("xcqrs: transport lost, draining mailbox")
		}
		b.requestStop()
	}

	if sub != nil {
		if err := sub.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("xcqrs: subscription close failed")
		}
	}
	<-workersDone

	b.logger.Info().Msg("xcqrs: loop stopped")
	return fatal
}

// Stop requests a graceful drain-and-halt of Start and waits for it, bounded by ctx.
// New Dispatch and Publish calls are refused from this point on. Events already
// queued are still processed, and the commands their policies issue are still
// dispatched, until the workers go idle.
func (b *Bus) Stop(ctx context.Context) error {
	b.requestStop()
	if !b.started.Load() {
		return nil
	}
	select {
	case <-b.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) requestStop() {
	b.closed.Store(true)
	b.mailbox.Close()
}

func (b *Bus) work(ctx context.Context) {
	for {
		bt, err := b.mailbox.Pop(context.Background())
		if err != nil {
			return
		}
		b.process(ctx, bt)
		b.mailbox.Done()
	}
}

// process handles one batch in order and settles its delivery, if any.
func (b *Bus) process(ctx context.Context, bt batch) {
	var errs []error
	for _, env := range bt.envs {
		if err := b.handle(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	if bt.delivery != nil {
		b.settle(ctx, bt.delivery, errors.Join(errs...))
	}
}

func (b *Bus) handle(ctx context.Context, env Envelope) error {
	switch env.Kind {
	case KindEvent:
		return b.handleEvent(ctx, env)
	case KindProjection:
		return b.project(ctx, env)
	case KindCommand:
		// Only arrives from a transport; it takes the same path as Dispatch.
		if _, err := b.dispatch(ctx, env, true); err != nil {
			b.report(ctx, env, err)
			return err
		}
		return nil
	default:
		err := fmt.Errorf("%w: unknown kind %s", ErrInvalidPayload, env.Kind)
		b.report(ctx, env, err)
		return err
	}
}

// handleEvent invokes every subscribed policy. Policies are independent: one
// failing does not stop the others.
func (b *Bus) handleEvent(ctx context.Context, evt Envelope) error {
	b.metrics.processed.Add(1)
	policies := b.driver.Policies(evt.Name)
	if len(policies) == 0 {
		return nil
	}

	errs := make([]error, len(policies))
	if b.policyConcurrency <= 1 || len(policies) == 1 {
		for i, p := range policies {
			errs[i] = b.runPolicy(ctx, p, evt)
		}
		return errors.Join(errs...)
	}

	var g errgroup.Group
	g.SetLimit(b.policyConcurrency)
	for i, p := range policies {
		g.Go(func() error {
			errs[i] = b.runPolicy(ctx, p, evt)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (b *Bus) runPolicy(ctx context.Context, p Policy, evt Envelope) error {
	start := b.clock.Now()
	effects, err := b.applyPolicy(b.handlerContext(ctx, evt), p, evt)

	ev := eventFor(PolicyDone, evt)
	ev.Count = len(effects)
	ev.Duration = b.clock.Since(start)
	ev.Err = err
	b.notifyAsync(ev)

	if err != nil {
		b.metrics.policyFailures.Add(1)
		perr := &PolicyError{Event: evt.Name, Cause: err}
		b.report(ctx, evt, perr)
		return perr
	}

	var errs []error
	for _, se := range effects {
		if err := b.route(ctx, evt, se); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) applyPolicy(ctx context.Context, p Policy, evt Envelope) (effects []SideEffect, err error) {
	defer func() {
		if r := recover(); r != nil {
			effects, err = nil, fmt.Errorf("%w: policy: %v", ErrHandlerPanic, r)
		}
	}()
	return p.Apply(ctx, evt)
}

// project hands a projection to its projector. Projections never touch the mailbox.
func (b *Bus) project(ctx context.Context, p Envelope) error {
	pr, err := b.driver.Projector(p.Name)
	if err != nil {
		b.report(ctx, p, err)
		return err
	}

	start := b.clock.Now()
	err = b.runProjector(b.handlerContext(ctx, p), pr, p)

	ev := eventFor(ProjectDone, p)
	ev.Duration = b.clock.Since(start)
	ev.Err = err
	b.notifyAsync(ev)

	if err != nil {
		b.metrics.projectFailures.Add(1)
		perr := &ProjectionError{Projection: p.Name, Cause: err}
		b.report(ctx, p, perr)
		return perr
	}
	b.metrics.projected.Add(1)
	return nil
}

func (b *Bus) runProjector(ctx context.Context, pr Projector, p Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: projector: %v", ErrHandlerPanic, r)
		}
	}()
	return pr.Project(ctx, p)
}

// report makes an isolated loop failure observable. Recovery is left to the driver.
func (b *Bus) report(ctx context.Context, env Envelope, err error) {
	b.metrics.errorCount.Add(1)
	ev := eventFor(Error, env)
	ev.Err = err
	b.notifyAsync(ev)
	b.logger.Warn().
		Str("kind", env.Kind.String()).
		Str("name", env.Name).
		Str("message_id", env.ID).
		Err(err).
		Msg("xcqrs: message failed")
	if b.errorHandler != nil {
		b.errorHandler(ctx, env, err)
	}
}

// onDelivery turns an inbound transport message into a mailbox batch. The
// delivery is settled after processing; anything that cannot be queued is nacked.
func (b *Bus) onDelivery(d Delivery) {
	env, err := DecodeEnvelope(b.codec, b.driver, d.Message())
	if err != nil {
		b.report(context.Background(), Envelope{Name: d.Message().Name}, err)
		b.settle(context.Background(), d, err)
		return
	}
	if err := b.mailbox.Push(context.Background(), batch{envs: []Envelope{env}, delivery: d}); err != nil {
		b.settle(context.Background(), d, err)
	}
}

// settle acks or nacks a delivery with the configured timeout.
func (b *Bus) settle(ctx context.Context, d Delivery, reason error) {
	actx := ctx
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, b.ackTimeout)
	}
	defer cancel()

	msg := d.Message()
	if reason == nil {
		b.metrics.ackCount.Add(1)
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notifyAsync(Event{Type: Error, Name: msg.Name, MessageID: msg.ID, Err: err})
			b.logger.Warn().Err(err).Msg("xcqrs: ack failed")
			return
		}
		b.notifyAsync(Event{Type: Ack, Name: msg.Name, MessageID: msg.ID})
		return
	}

	b.metrics.nackCount.Add(1)
	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Name: msg.Name, MessageID: msg.ID, Err: err})
		b.logger.Warn().Err(err).Msg("xcqrs: nack failed")
		return
	}
	b.notifyAsync(Event{Type: Nack, Name: msg.Name, MessageID: msg.ID, Err: reason})
}
