package xcqrs

import (
	"context"
	"errors"
	"sync"
)

// Delivery encapsulates a received message with Ack/Nack semantics.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
	// Done is closed once the subscription stops delivering, whether through
	// Close or because the transport failed.
	Done() <-chan struct{}
	// Err reports why delivery stopped. Nil after a plain Close.
	Err() error
}

// Transport is the Strategy interface for message brokers/backends.
type Transport interface {
	// Publish sends messages to a topic/stream.
	Publish(ctx context.Context, topic string, msgs ...*Message) error
	// Subscribe binds a handler to a topic/stream within a consumer group.
	// The transport should drive delivery in background and honor ctx.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}

// SubscriptionState is a helper for Transport implementations: it provides the
// Done/Err half of Subscription and closes exactly once.
type SubscriptionState struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// NewSubscriptionState returns an open state.
func NewSubscriptionState() *SubscriptionState {
	return &SubscriptionState{done: make(chan struct{})}
}

// Finish marks delivery as stopped with err (nil for a clean stop).
// Later calls are ignored.
func (s *SubscriptionState) Finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *SubscriptionState) Done() <-chan struct{} { return s.done }

func (s *SubscriptionState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
