package xcqrs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// DefaultMaxDepth bounds policy-issued command chains when WithMaxDepth is not called.
const DefaultMaxDepth = 8

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	driver   Driver
	registry *Registry

	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	observers    []Observer
	logger       *xlog.Logger
	clock        xclock.Clock
	newID        func() string
	errorHandler ErrorHandler

	maxDepth          int
	workers           int
	policyConcurrency int
	mailboxSize       int
	topic             string
	group             string
	ackTimeout        time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:         "json",
		maxDepth:          DefaultMaxDepth,
		workers:           1,
		policyConcurrency: 1,
		mailboxSize:       1024,
		topic:             "xcqrs",
		group:             "xcqrs",
		ackTimeout:        5 * time.Second, // safe default for production acknowledgments
		poolWorkers:       4,
		poolBuffer:        1000,
	}
}

// WithDriver wires a ready Driver. It carries its own transport, so it cannot
// be combined with WithTransport or WithTransportInstance.
func (bb *BusBuilder) WithDriver(d Driver) *BusBuilder {
	bb.driver = d
	return bb
}

// WithRegistry wires a Registry; the transport, if any, comes from WithTransport*.
func (bb *BusBuilder) WithRegistry(r *Registry) *BusBuilder {
	bb.registry = r
	return bb
}

func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from adapter Use()).
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithIDGenerator replaces the default UUID message IDs.
func (bb *BusBuilder) WithIDGenerator(fn func() string) *BusBuilder {
	bb.newID = fn
	return bb
}

// WithErrorHandler receives every isolated failure of the processing loop.
func (bb *BusBuilder) WithErrorHandler(h ErrorHandler) *BusBuilder {
	bb.errorHandler = h
	return bb
}

// WithMaxDepth sets how many policy-issued command generations may follow a
// root command. Build rejects values below 1.
func (bb *BusBuilder) WithMaxDepth(n int) *BusBuilder {
	bb.maxDepth = n
	return bb
}

// WithWorkers sets the number of loop goroutines draining the mailbox.
// Events of one commit are always handled in order by one worker.
func (bb *BusBuilder) WithWorkers(n int) *BusBuilder {
	if n > 0 {
		bb.workers = n
	}
	return bb
}

// WithPolicyConcurrency bounds how many policies run at once for one event.
// 1 runs them sequentially in registration order.
func (bb *BusBuilder) WithPolicyConcurrency(n int) *BusBuilder {
	if n > 0 {
		bb.policyConcurrency = n
	}
	return bb
}

// WithMailboxSize sets the mailbox capacity in batches.
func (bb *BusBuilder) WithMailboxSize(n int) *BusBuilder {
	if n > 0 {
		bb.mailboxSize = n
	}
	return bb
}

// WithTopic sets the transport topic and consumer group used by Start and Send.
func (bb *BusBuilder) WithTopic(topic, group string) *BusBuilder {
	if topic != "" {
		bb.topic = topic
	}
	if group != "" {
		bb.group = group
	}
	return bb
}

func (bb *BusBuilder) WithAckTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

// WithObserverPool configures async observer dispatch.
// workers: concurrent dispatch goroutines (4-16 typical)
// buffer: event channel capacity (1000-5000 for burst resilience)
func (bb *BusBuilder) WithObserverPool(workers, buffer int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = buffer
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	if bb.maxDepth < 1 {
		return nil, ErrInvalidMaxDepth
	}

	drv, err := bb.buildDriver()
	if err != nil {
		return nil, err
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	newID := bb.newID
	if newID == nil {
		newID = uuid.NewString
	}

	b := &Bus{
		driver:            drv,
		codec:             cd,
		clock:             clk,
		logger:            lg,
		newID:             newID,
		errorHandler:      bb.errorHandler,
		maxDepth:          bb.maxDepth,
		workers:           bb.workers,
		policyConcurrency: bb.policyConcurrency,
		topic:             bb.topic,
		group:             bb.group,
		ackTimeout:        bb.ackTimeout,
		mailbox:           NewMailbox(bb.mailboxSize),
		observerPool:      NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer),
		metrics:           &busMetrics{},
		loopDone:          make(chan struct{}),
	}

	// Attach logging observer first for dependable telemetry unless already supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver && lg != nil {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

func (bb *BusBuilder) buildDriver() (Driver, error) {
	hasTransport := bb.transportInst != nil || bb.transportName != ""
	if bb.driver != nil {
		if hasTransport || bb.registry != nil {
			return nil, errors.New("xcqrs: WithDriver cannot be combined with WithRegistry or WithTransport")
		}
		return bb.driver, nil
	}
	if bb.registry == nil {
		return nil, ErrNoDriverConfigured
	}

	var tr Transport
	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		t, err := NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
		tr = t
	}
	return NewDriver(bb.registry, tr), nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
