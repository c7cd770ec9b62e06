package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xcqrs"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus for reg with the in-memory transport and sets it as the default.
// Mirrors redisstream.Use and xlog "Use" pattern: explicit construction with global install.
//
// Example:
//
//	bus := memory.Use(memory.Config{
//	    BufferSize:  4096,
//	    Concurrency: 8,
//	    AssignIDs:   true,
//	}, reg,
//	    memory.WithLogger(logger),
//	    memory.WithMaxDepth(4),
//	)
//
// The returned bus is installed as the process-wide default.
func Use(cfg Config, reg *xcqrs.Registry, opts ...Option) *xcqrs.Bus {
	bb := xcqrs.NewBusBuilder().
		WithRegistry(reg).
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	xcqrs.SetDefault(bus)
	return bus
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"max_redeliveries": c.MaxRedeliveries,
		"assign_ids":       c.AssignIDs,
	}
}

// Option configures the xcqrs.Bus when calling Use.
type Option func(*xcqrs.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xcqrs.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xcqrs.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xcqrs.BusBuilder) { b.WithCodec(name) }
}

// WithMaxDepth bounds policy-issued command chains.
func WithMaxDepth(n int) Option {
	return func(b *xcqrs.BusBuilder) { b.WithMaxDepth(n) }
}

// WithWorkers sets the number of loop goroutines.
func WithWorkers(n int) Option {
	return func(b *xcqrs.BusBuilder) { b.WithWorkers(n) }
}

// WithTopic sets the topic and consumer group.
func WithTopic(topic, group string) Option {
	return func(b *xcqrs.BusBuilder) { b.WithTopic(topic, group) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xcqrs.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xcqrs.Observer) Option {
	return func(b *xcqrs.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xcqrs.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
