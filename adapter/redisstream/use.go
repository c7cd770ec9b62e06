package redisstream

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xcqrs"
	"github.com/trickstertwo/xlog"
)

// Adapter: Redis Streams Transport (Strategy + Adapter patterns)

const TransportName = "redis-streams"

func init() {
	if err := xcqrs.RegisterTransport(TransportName, func(cfg map[string]any) (xcqrs.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xcqrs: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus for reg on Redis Streams, consuming cfg.Stream as cfg.Group,
// sets it as the default Bus, then returns it.
// Mirrors xlog/xclock "Use" behavior: explicit construction and global install.
//
// It fails fast by panicking if construction fails (production-friendly when
// the broker must be available at startup).
func Use(cfg Config, reg *xcqrs.Registry, opts ...Option) *xcqrs.Bus {
	bb := xcqrs.NewBusBuilder().
		WithRegistry(reg).
		WithTransport(TransportName, cfg.toMap()).
		WithTopic(cfg.Stream, cfg.Group)

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	// Install as process-wide default (replaces any existing default).
	xcqrs.SetDefault(bus)
	return bus
}

// Option configures the xcqrs.Bus construction when calling Use.
type Option func(*xcqrs.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xcqrs.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xcqrs.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
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

// WithAckTimeout sets acks/nacks timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xcqrs.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xcqrs.Observer) Option {
	return func(b *xcqrs.BusBuilder) { b.WithObserver(obs...) }
}

// WithErrorHandler receives isolated loop failures.
func WithErrorHandler(h xcqrs.ErrorHandler) Option {
	return func(b *xcqrs.BusBuilder) { b.WithErrorHandler(h) }
}
