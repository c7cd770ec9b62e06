package xcqrs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type deposit struct {
	Account string
	Amount  int
}

type deposited struct {
	Account string
	Amount  int
}

type auditEntry struct {
	Account string
}

type balanceQuery struct {
	Account string
}

type ping struct{ N int }

type pinged struct{ N int }

// sequentialIDs makes envelope IDs predictable: id-1, id-2, ...
func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return "id-" + strconv.FormatInt(n.Add(1), 10) }
}

func newTestBus(t *testing.T, reg *Registry, configure ...func(*BusBuilder)) *Bus {
	t.Helper()
	bb := NewBusBuilder().WithRegistry(reg).WithIDGenerator(sequentialIDs())
	for _, fn := range configure {
		fn(bb)
	}
	b, err := bb.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

// run starts the loop and stops it when the test ends.
func run(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()
	require.Eventually(t, b.started.Load, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

// failures collects what the loop isolates.
type failures struct {
	mu   sync.Mutex
	envs []Envelope
	errs []error
}

func (f *failures) handle(_ context.Context, env Envelope, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	f.errs = append(f.errs, err)
}

func (f *failures) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

func (f *failures) snapshot() ([]Envelope, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.envs...), append([]error(nil), f.errs...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func depositRegistry(t *testing.T, record int) *Registry {
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(_ context.Context, uow *UnitOfWork, cmd deposit) (any, error) {
		for i := 0; i < record; i++ {
			if err := uow.Record(deposited{Account: cmd.Account, Amount: cmd.Amount + i}); err != nil {
				return nil, err
			}
		}
		return cmd.Account, nil
	})
	return mustRegistry(t, rb)
}

func TestDispatch_CommitEnqueuesEventsAtomically(t *testing.T) {
	b := newTestBus(t, depositRegistry(t, 2))

	res, err := b.Dispatch(context.Background(), deposit{Account: "acc", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, "acc", res)

	m := b.GetMetrics()
	assert.Equal(t, uint64(1), m.Dispatched)
	assert.Equal(t, uint64(1), m.Committed)
	assert.Equal(t, uint64(2), m.EventsEnqueued)
	assert.Equal(t, 1, m.MailboxDepth, "one commit is one batch")

	bt, err := b.mailbox.Pop(context.Background())
	require.NoError(t, err)
	want := []Envelope{
		{ID: "id-2", Kind: KindEvent, Name: NameOf(deposited{}), Payload: deposited{Account: "acc", Amount: 10},
			CausationID: "id-1", CorrelationID: "id-1", Depth: 1},
		{ID: "id-3", Kind: KindEvent, Name: NameOf(deposited{}), Payload: deposited{Account: "acc", Amount: 11},
			CausationID: "id-1", CorrelationID: "id-1", Depth: 1},
	}
	if diff := cmp.Diff(want, bt.envs, cmpopts.IgnoreFields(Envelope{}, "ProducedAt")); diff != "" {
		t.Fatalf("enqueued events mismatch (-want +got):\n%s", diff)
	}
	for _, e := range bt.envs {
		assert.False(t, e.ProducedAt.IsZero())
	}
}

func TestDispatch_RollbackEnqueuesNothing(t *testing.T) {
	cause := errors.New("account frozen")
	var rolledBack error
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(_ context.Context, uow *UnitOfWork, cmd deposit) (any, error) {
		require.NoError(t, uow.AfterRollback(func(err error) { rolledBack = err }))
		require.NoError(t, uow.Record(deposited(cmd)))
		return nil, cause
	})
	rec := &recorder{}
	// One pool worker keeps observer delivery in order.
	b := newTestBus(t, mustRegistry(t, rb), func(bb *BusBuilder) { bb.WithObserver(rec).WithObserverPool(1, 100) })

	res, err := b.Dispatch(context.Background(), deposit{Account: "acc"})
	assert.Nil(t, res)
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, NameOf(deposit{}), herr.Command)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, rolledBack)

	m := b.GetMetrics()
	assert.Equal(t, uint64(1), m.HandlerFailures)
	assert.Equal(t, uint64(0), m.Committed)
	assert.Equal(t, uint64(0), m.EventsEnqueued)
	assert.Equal(t, 0, b.mailbox.Len())

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]EventType{DispatchStart, Rollback}, rec.types())
	}, time.Second, time.Millisecond)
}

func TestDispatch_HandlerPanicIsRolledBack(t *testing.T) {
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(_ context.Context, uow *UnitOfWork, cmd deposit) (any, error) {
		_ = uow.Record(deposited(cmd))
		panic("nil map")
	})
	b := newTestBus(t, mustRegistry(t, rb))

	_, err := b.Dispatch(context.Background(), deposit{})
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Equal(t, 0, b.mailbox.Len())
}

func TestDispatch_InvokesHandlerExactlyOnce(t *testing.T) {
	var calls atomic.Int64
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(context.Context, *UnitOfWork, deposit) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	b := newTestBus(t, mustRegistry(t, rb))
	run(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Dispatch(context.Background(), deposit{Amount: i})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), calls.Load())
}

func TestDispatch_RejectsBadInput(t *testing.T) {
	b := newTestBus(t, depositRegistry(t, 0))

	_, err := b.Dispatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = b.Dispatch(context.Background(), ping{})
	assert.ErrorIs(t, err, ErrUnregisteredHandler)

	_, err = b.DispatchEnvelope(context.Background(), Envelope{Kind: KindEvent, Payload: deposit{}})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDispatchEnvelope_KeepsCallerHeaders(t *testing.T) {
	var seen Envelope
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(ctx context.Context, _ *UnitOfWork, _ deposit) (any, error) {
		seen, _ = EnvelopeFromContext(ctx)
		return nil, nil
	})
	b := newTestBus(t, mustRegistry(t, rb))

	_, err := b.DispatchEnvelope(context.Background(), Envelope{
		ID:       "ext-1",
		Kind:     KindCommand,
		Payload:  deposit{},
		Metadata: map[string]string{"tenant": "t1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", seen.ID)
	assert.Equal(t, NameOf(deposit{}), seen.Name)
	assert.Equal(t, "t1", seen.Metadata["tenant"])
}

func TestLoop_RecursionGuardEndsSelfPerpetuatingChain(t *testing.T) {
	var (
		mu          sync.Mutex
		depths      []int
		generations []int
	)
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(ctx context.Context, uow *UnitOfWork, cmd ping) (any, error) {
		env, ok := EnvelopeFromContext(ctx)
		assert.True(t, ok)
		mu.Lock()
		depths = append(depths, env.Depth)
		generations = append(generations, env.Generation)
		mu.Unlock()
		return nil, uow.Record(pinged(cmd))
	})
	OnEvent(rb, func(_ context.Context, evt pinged) ([]SideEffect, error) {
		return []SideEffect{Command(ping{N: evt.N + 1})}, nil
	})

	fails := &failures{}
	b := newTestBus(t, mustRegistry(t, rb), func(bb *BusBuilder) {
		bb.WithMaxDepth(3).WithErrorHandler(fails.handle)
	})
	run(t, b)

	_, err := b.Dispatch(context.Background(), ping{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fails.count() == 1 }, 2*time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{0, 2, 4, 6}, depths, "depth grows by one per derivation")
	assert.Equal(t, []int{0, 1, 2, 3}, generations)
	mu.Unlock()

	envs, errs := fails.snapshot()
	var rerr *RecursionError
	require.ErrorAs(t, errs[0], &rerr)
	assert.ErrorIs(t, errs[0], ErrRecursionLimitExceeded)
	assert.Equal(t, RecursionError{Command: NameOf(ping{}), Generation: 4, Max: 3}, *rerr)
	assert.Equal(t, ping{N: 4}, envs[0].Payload)
	assert.Equal(t, 8, envs[0].Depth)

	m := b.GetMetrics()
	assert.Equal(t, uint64(4), m.Dispatched)
	assert.Equal(t, uint64(1), m.RecursionRejections)
	assert.Eventually(t, func() bool { return b.GetMetrics().MailboxDepth == 0 }, time.Second, time.Millisecond)
}

func TestLoop_PolicyFailuresAreIsolated(t *testing.T) {
	for _, concurrency := range []int{1, 3} {
		t.Run("concurrency="+strconv.Itoa(concurrency), func(t *testing.T) {
			var (
				mu        sync.Mutex
				projected []Envelope
			)
			rb := depositRegistryBuilder()
			OnEvent(rb, func(context.Context, deposited) ([]SideEffect, error) {
				return nil, errors.New("ledger unavailable")
			})
			OnEvent(rb, func(context.Context, deposited) ([]SideEffect, error) {
				panic("policy bug")
			})
			OnEvent(rb, func(_ context.Context, evt deposited) ([]SideEffect, error) {
				return []SideEffect{Projection(auditEntry{Account: evt.Account})}, nil
			})
			ProjectWith(rb, func(ctx context.Context, _ auditEntry) error {
				env, _ := EnvelopeFromContext(ctx)
				mu.Lock()
				projected = append(projected, env)
				mu.Unlock()
				return nil
			})

			fails := &failures{}
			b := newTestBus(t, mustRegistry(t, rb), func(bb *BusBuilder) {
				bb.WithPolicyConcurrency(concurrency).WithErrorHandler(fails.handle)
			})
			run(t, b)

			_, err := b.Dispatch(context.Background(), deposit{Account: "acc"})
			require.NoError(t, err)
			require.Eventually(t, func() bool { return b.GetMetrics().Projected == 1 }, 2*time.Second, time.Millisecond)
			require.Eventually(t, func() bool { return fails.count() == 2 }, time.Second, time.Millisecond)

			// The projection went straight to its projector.
			m := b.GetMetrics()
			assert.Equal(t, uint64(1), m.EventsEnqueued, "only the deposited event was enqueued")
			assert.Equal(t, 0, m.MailboxDepth)

			_, errs := fails.snapshot()
			var panicked, failed bool
			for _, err := range errs {
				var perr *PolicyError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, NameOf(deposited{}), perr.Event)
				panicked = panicked || errors.Is(err, ErrHandlerPanic)
				failed = failed || perr.Cause.Error() == "ledger unavailable"
			}
			assert.True(t, panicked)
			assert.True(t, failed)

			mu.Lock()
			require.Len(t, projected, 1)
			assert.Equal(t, KindProjection, projected[0].Kind)
			assert.Equal(t, 2, projected[0].Depth)
			assert.Equal(t, 0, projected[0].Generation, "projections are not policy-issued commands")
			mu.Unlock()

			assert.Equal(t, uint64(2), b.GetMetrics().PolicyFailures)

			// The loop keeps going.
			_, err = b.Dispatch(context.Background(), deposit{Account: "acc"})
			require.NoError(t, err)
			require.Eventually(t, func() bool { return b.GetMetrics().Projected == 2 }, 2*time.Second, time.Millisecond)
		})
	}
}

func depositRegistryBuilder() *RegistryBuilder {
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(_ context.Context, uow *UnitOfWork, cmd deposit) (any, error) {
		return nil, uow.Record(deposited(cmd))
	})
	return rb
}

func TestLoop_ProjectionFailureIsIsolated(t *testing.T) {
	var applied atomic.Int64
	rb := depositRegistryBuilder()
	OnEvent(rb, func(_ context.Context, evt deposited) ([]SideEffect, error) {
		return []SideEffect{Projection(auditEntry{Account: evt.Account})}, nil
	})
	ProjectWith(rb, func(_ context.Context, p auditEntry) error {
		if p.Account == "bad" {
			return errors.New("constraint violation")
		}
		applied.Add(1)
		return nil
	})
	fails := &failures{}
	b := newTestBus(t, mustRegistry(t, rb), func(bb *BusBuilder) { bb.WithErrorHandler(fails.handle) })
	run(t, b)

	_, err := b.Dispatch(context.Background(), deposit{Account: "bad"})
	require.NoError(t, err)
	_, err = b.Dispatch(context.Background(), deposit{Account: "good"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return applied.Load() == 1 && fails.count() == 1 }, 2*time.Second, time.Millisecond)
	_, errs := fails.snapshot()
	var perr *ProjectionError
	require.ErrorAs(t, errs[0], &perr)
	assert.Equal(t, NameOf(auditEntry{}), perr.Projection)
	assert.Equal(t, uint64(1), b.GetMetrics().ProjectionFailures)
}

func TestRoute_RejectsInvalidSideEffects(t *testing.T) {
	rb := depositRegistryBuilder()
	OnEvent(rb, func(context.Context, deposited) ([]SideEffect, error) {
		return []SideEffect{
			Command(nil),
			{Kind: KindEvent, Payload: deposited{}},
			Projection(auditEntry{}), // no projector registered
			Command(ping{}),          // no handler registered
		}, nil
	})
	fails := &failures{}
	b := newTestBus(t, mustRegistry(t, rb), func(bb *BusBuilder) { bb.WithErrorHandler(fails.handle) })
	run(t, b)

	_, err := b.Dispatch(context.Background(), deposit{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fails.count() == 4 }, 2*time.Second, time.Millisecond)

	_, errs := fails.snapshot()
	assert.ErrorIs(t, errs[0], ErrInvalidPayload)
	assert.ErrorIs(t, errs[1], ErrInvalidPayload)
	assert.ErrorIs(t, errs[2], ErrUnregisteredHandler)
	assert.ErrorIs(t, errs[3], ErrUnregisteredHandler)
}

func TestLoop_EventsOfOneCommitKeepOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int
	)
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(_ context.Context, uow *UnitOfWork, cmd deposit) (any, error) {
		for i := 0; i < cmd.Amount; i++ {
			if err := uow.Record(deposited{Amount: i}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	OnEvent(rb, func(_ context.Context, evt deposited) ([]SideEffect, error) {
		mu.Lock()
		seen = append(seen, evt.Amount)
		mu.Unlock()
		return nil, nil
	})
	b := newTestBus(t, mustRegistry(t, rb), func(bb *BusBuilder) { bb.WithWorkers(4) })
	run(t, b)

	_, err := b.Dispatch(context.Background(), deposit{Amount: 50})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.GetMetrics().EventsProcessed == 50 }, 2*time.Second, time.Millisecond)

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	mu.Lock()
	assert.Equal(t, want, seen)
	mu.Unlock()
}

func TestPublish_InjectsRootEvents(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []Envelope
	)
	rb := NewRegistryBuilder()
	OnEvent(rb, func(ctx context.Context, _ deposited) ([]SideEffect, error) {
		env, _ := EnvelopeFromContext(ctx)
		mu.Lock()
		seen = append(seen, env)
		mu.Unlock()
		return nil, nil
	})
	b := newTestBus(t, mustRegistry(t, rb))

	assert.ErrorIs(t, b.Publish(context.Background(), deposited{}, nil), ErrInvalidPayload)
	require.NoError(t, b.Publish(context.Background()))
	require.NoError(t, b.Publish(context.Background(), deposited{Amount: 1}, deposited{Amount: 2}))
	run(t, b)

	require.Eventually(t, func() bool { return b.GetMetrics().EventsProcessed == 2 }, 2*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	for i, e := range seen {
		assert.True(t, e.IsRoot())
		assert.Equal(t, 0, e.Depth)
		assert.Equal(t, deposited{Amount: i + 1}, e.Payload)
	}
}

func TestView(t *testing.T) {
	rb := NewRegistryBuilder()
	ViewWith(rb, func(ctx context.Context, q balanceQuery) (any, error) {
		if _, ok := LoggerFromContext(ctx); !ok {
			return nil, errors.New("no logger in context")
		}
		if _, ok := ClockFromContext(ctx); !ok {
			return nil, errors.New("no clock in context")
		}
		return 42, nil
	})
	b := newTestBus(t, mustRegistry(t, rb))

	v, err := b.View(context.Background(), balanceQuery{Account: "a"})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = b.View(context.Background(), deposit{})
	assert.ErrorIs(t, err, ErrUnregisteredHandler)
	_, err = b.View(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestStop_DrainsMailboxAndRefusesNewWork(t *testing.T) {
	gate := make(chan struct{})
	var handled atomic.Int64
	rb := depositRegistryBuilder()
	OnEvent(rb, func(context.Context, deposited) ([]SideEffect, error) {
		<-gate
		handled.Add(1)
		return nil, nil
	})
	b := newTestBus(t, mustRegistry(t, rb))

	done := make(chan error, 1)
	go func() { done <- b.Start(context.Background()) }()
	require.Eventually(t, b.started.Load, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		_, err := b.Dispatch(context.Background(), deposit{Amount: i})
		require.NoError(t, err)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Stop(short), context.DeadlineExceeded, "stop waits for the drain")

	_, err := b.Dispatch(context.Background(), deposit{})
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), deposited{}), ErrBusClosed)

	close(gate)
	require.NoError(t, b.Stop(context.Background()))
	require.NoError(t, <-done)
	assert.Equal(t, int64(5), handled.Load(), "queued events are processed before stopping")

	assert.ErrorIs(t, b.Start(context.Background()), ErrBusClosed)
}

// Stop while a handler runs: the unit is rolled back instead of committing
// events the stopped loop would never see.
func TestDispatch_StopDuringHandlerRollsBack(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	var (
		afterCommit atomic.Bool
		rolledBack  atomic.Value
	)
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(_ context.Context, uow *UnitOfWork, cmd deposit) (any, error) {
		assert.NoError(t, uow.AfterCommit(func() { afterCommit.Store(true) }))
		assert.NoError(t, uow.AfterRollback(func(err error) { rolledBack.Store(err) }))
		close(entered)
		<-release
		return nil, uow.Record(deposited(cmd))
	})
	b := newTestBus(t, mustRegistry(t, rb))

	done := make(chan error, 1)
	go func() { done <- b.Start(context.Background()) }()
	require.Eventually(t, b.started.Load, time.Second, time.Millisecond)

	result := make(chan error, 1)
	go func() {
		_, err := b.Dispatch(context.Background(), deposit{Account: "acc"})
		result <- err
	}()
	<-entered
	require.NoError(t, b.Stop(context.Background()))
	require.NoError(t, <-done)
	close(release)

	assert.ErrorIs(t, <-result, ErrBusClosed)
	assert.False(t, afterCommit.Load(), "the unit never committed")
	assert.Equal(t, ErrBusClosed, rolledBack.Load())
	m := b.GetMetrics()
	assert.Equal(t, uint64(0), m.Committed)
	assert.Equal(t, uint64(0), m.EventsEnqueued)
}

func TestDispatch_FullMailboxTimeoutRollsBack(t *testing.T) {
	var commits atomic.Int64
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(_ context.Context, uow *UnitOfWork, cmd deposit) (any, error) {
		assert.NoError(t, uow.AfterCommit(func() { commits.Add(1) }))
		return nil, uow.Record(deposited(cmd))
	})
	b := newTestBus(t, mustRegistry(t, rb), func(bb *BusBuilder) { bb.WithMailboxSize(1) })

	_, err := b.Dispatch(context.Background(), deposit{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Dispatch(ctx, deposit{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, int64(1), commits.Load())
	m := b.GetMetrics()
	assert.Equal(t, uint64(1), m.Committed)
	assert.Equal(t, uint64(1), m.EventsEnqueued)
	assert.Equal(t, 1, m.MailboxDepth)
}

// Events queued before Stop keep their policy chains: the commands they issue
// are dispatched and their events processed before the loop ends.
func TestStop_DrainContinuesPolicyChains(t *testing.T) {
	gate := make(chan struct{})
	var handled, seen atomic.Int64
	rb := depositRegistryBuilder()
	OnEvent(rb, func(_ context.Context, evt deposited) ([]SideEffect, error) {
		<-gate
		return []SideEffect{Command(ping{N: evt.Amount})}, nil
	})
	HandleCommand(rb, func(_ context.Context, uow *UnitOfWork, cmd ping) (any, error) {
		handled.Add(1)
		return nil, uow.Record(pinged(cmd))
	})
	OnEvent(rb, func(context.Context, pinged) ([]SideEffect, error) {
		seen.Add(1)
		return nil, nil
	})
	fails := &failures{}
	b := newTestBus(t, mustRegistry(t, rb), func(bb *BusBuilder) { bb.WithErrorHandler(fails.handle) })

	done := make(chan error, 1)
	go func() { done <- b.Start(context.Background()) }()
	require.Eventually(t, b.started.Load, time.Second, time.Millisecond)

	_, err := b.Dispatch(context.Background(), deposit{Amount: 7})
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop(context.Background()) }()
	require.Eventually(t, b.closed.Load, time.Second, time.Millisecond)
	_, err = b.Dispatch(context.Background(), deposit{})
	assert.ErrorIs(t, err, ErrBusClosed, "external commands are refused while draining")

	close(gate)
	require.NoError(t, <-stopped)
	require.NoError(t, <-done)

	assert.Equal(t, int64(1), handled.Load())
	assert.Equal(t, int64(1), seen.Load())
	assert.Equal(t, 0, fails.count())
	m := b.GetMetrics()
	assert.Equal(t, uint64(2), m.Committed)
	assert.Equal(t, uint64(2), m.EventsEnqueued)
}

func TestStart_Twice(t *testing.T) {
	b := newTestBus(t, depositRegistry(t, 0))
	run(t, b)
	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyStarted)
}

func TestStop_BeforeStart(t *testing.T) {
	b := newTestBus(t, depositRegistry(t, 0))
	require.NoError(t, b.Stop(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrBusClosed)
}

func TestHealth(t *testing.T) {
	b := newTestBus(t, depositRegistry(t, 1), func(bb *BusBuilder) { bb.WithMailboxSize(10) })

	h := b.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)

	for i := 0; i < 9; i++ {
		_, err := b.Dispatch(context.Background(), deposit{})
		require.NoError(t, err)
	}
	h = b.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, 9, h.Metrics.MailboxDepth)

	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, "unhealthy", b.Health(context.Background()).Status)
	require.NoError(t, b.Close(context.Background()), "close is idempotent")
}

func TestObservers_SeeDispatchLifecycle(t *testing.T) {
	rec := &recorder{}
	b := newTestBus(t, depositRegistry(t, 1), func(bb *BusBuilder) { bb.WithObserver(rec).WithObserverPool(1, 100) })

	_, err := b.Dispatch(context.Background(), deposit{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]EventType{DispatchStart, Commit, Enqueue, DispatchDone}, rec.types())
	}, time.Second, time.Millisecond)

	b.RemoveObserver(rec)
	b.observersMu.RLock()
	for _, o := range b.observers {
		assert.NotEqual(t, Observer(rec), o)
	}
	b.observersMu.RUnlock()
}

func TestMetrics_ProcessingTimeIsMovingAverage(t *testing.T) {
	b := newTestBus(t, depositRegistry(t, 0))
	b.recordProcessingTime(int64(10 * time.Millisecond))
	assert.InDelta(t, 10.0, b.GetMetrics().AvgProcessingTimeMs, 0.001)
	b.recordProcessingTime(int64(20 * time.Millisecond))
	assert.InDelta(t, 12.0, b.GetMetrics().AvgProcessingTimeMs, 0.001)
}
