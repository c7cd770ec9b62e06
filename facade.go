package xcqrs

import (
	"context"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.RWMutex
)

// Default returns the process-wide Bus installed by SetDefault (or an adapter's Use).
// Unlike a pub/sub bus there is no useful zero configuration: a Bus needs a
// registry, so Default fails until one is installed.
func Default() (*Bus, error) {
	defaultBusMu.RLock()
	defer defaultBusMu.RUnlock()
	if defaultBus == nil {
		return nil, ErrDefaultBusNotInitialized
	}
	return defaultBus, nil
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("xcqrs: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Dispatch is the Facade using the default bus.
func Dispatch(ctx context.Context, cmd any) (any, error) {
	b, err := Default()
	if err != nil {
		return nil, err
	}
	return b.Dispatch(ctx, cmd)
}

// Publish is the Facade using the default bus.
func Publish(ctx context.Context, events ...any) error {
	b, err := Default()
	if err != nil {
		return err
	}
	return b.Publish(ctx, events...)
}

// View is the Facade using the default bus.
func View(ctx context.Context, query any) (any, error) {
	b, err := Default()
	if err != nil {
		return nil, err
	}
	return b.View(ctx, query)
}
