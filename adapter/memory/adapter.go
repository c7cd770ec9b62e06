package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xcqrs"
)

const TransportName = "memory"

// ErrClosed is reported by subscriptions whose transport was closed under them.
var ErrClosed = errors.New("memory transport is closed")

func init() {
	if err := xcqrs.RegisterTransport(TransportName, func(cfg map[string]any) (xcqrs.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xcqrs/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of delivery goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// MaxRedeliveries caps Nack requeues per message; past it the message is
	// dead-lettered (counted and dropped). 0 disables redelivery (default: 3).
	MaxRedeliveries int
	// AssignIDs instructs the transport to assign IDs for messages with empty ID (default: true).
	AssignIDs bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		BufferSize:      max(1, getInt("buffer_size", 1024)),
		Concurrency:     max(1, getInt("concurrency", 1)),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		MaxRedeliveries: max(0, getInt("max_redeliveries", 3)),
		AssignIDs:       getBool("assign_ids", true),
	}
}

// Transport implements xcqrs.Transport using in-memory channels (dev/testing).
// Each consumer group gets every message once; subscribers of a group compete.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic

	closed atomic.Bool
	done   chan struct{}

	metrics *transportMetrics
}

type transportMetrics struct {
	published    atomic.Uint64
	consumed     atomic.Uint64
	acked        atomic.Uint64
	nacked       atomic.Uint64
	redelivered  atomic.Uint64
	deadLettered atomic.Uint64
}

var _ xcqrs.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &Transport{
		cfg:     cfg,
		topics:  make(map[string]*topic),
		done:    make(chan struct{}),
		metrics: &transportMetrics{},
	}
}

// Publish fans out messages to all consumer groups of the topic, in order.
// Messages published before any group subscribed are dropped.
func (t *Transport) Publish(ctx context.Context, topicName string, msgs ...*xcqrs.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	t.mu.RLock()
	top, ok := t.topics[topicName]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = "mem-" + uuid.NewString()
		}

		top.mu.RLock()
		for _, g := range top.groups {
			// Blocking send keeps publish order under backpressure.
			select {
			case g.queue <- &deliveryTask{group: g, msg: m}:
			case <-ctx.Done():
				top.mu.RUnlock()
				return ctx.Err()
			case <-t.done:
				top.mu.RUnlock()
				return ErrClosed
			}
		}
		top.mu.RUnlock()

		t.metrics.published.Add(1)
	}
	return nil
}

// Subscribe starts Concurrency delivery goroutines for topic/group. The
// subscription ends on Close, on ctx cancellation, or when the transport closes
// (Err reports ErrClosed).
func (t *Transport) Subscribe(ctx context.Context, topicName, group string, handler func(xcqrs.Delivery)) (xcqrs.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	g := t.ensureTopic(topicName).ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		SubscriptionState: xcqrs.NewSubscriptionState(),
		cancel:            cancel,
	}

	for i := 0; i < t.cfg.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	go func() {
		select {
		case <-innerCtx.Done():
		case <-t.done:
			cancel()
		}
		sub.wg.Wait()
		if t.closed.Load() && !sub.closing.Load() {
			sub.Finish(ErrClosed)
			return
		}
		sub.Finish(nil)
	}()

	return sub, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(xcqrs.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.queue:
			t.metrics.consumed.Add(1)
			handler(&memDelivery{task: task, tr: t})
		}
	}
}

// Close shuts the transport down. Active subscriptions end with ErrClosed.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)

	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
	return nil
}

// HasGroup reports whether group has subscribed to topic, i.e. whether a
// Publish to topic would reach it.
func (t *Transport) HasGroup(topicName, group string) bool {
	t.mu.RLock()
	top, ok := t.topics[topicName]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	top.mu.RLock()
	defer top.mu.RUnlock()
	_, ok = top.groups[group]
	return ok
}

// Stats returns transport telemetry.
type Stats struct {
	Published    uint64
	Consumed     uint64
	Acked        uint64
	Nacked       uint64
	Redelivered  uint64
	DeadLettered uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:    t.metrics.published.Load(),
		Consumed:     t.metrics.consumed.Load(),
		Acked:        t.metrics.acked.Load(),
		Nacked:       t.metrics.nacked.Load(),
		Redelivered:  t.metrics.redelivered.Load(),
		DeadLettered: t.metrics.deadLettered.Load(),
	}
}

type subscription struct {
	*xcqrs.SubscriptionState
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing atomic.Bool
}

// Close stops delivery and waits for in-flight handlers to return.
func (s *subscription) Close() error {
	s.closing.Store(true)
	s.cancel()
	<-s.Done()
	return nil
}

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name  string
	queue chan *deliveryTask
}

type deliveryTask struct {
	group    *group
	msg      *xcqrs.Message
	attempts int
}

type memDelivery struct {
	task *deliveryTask
	tr   *Transport
	once sync.Once
}

func (d *memDelivery) Message() *xcqrs.Message {
	return d.task.msg
}

// Ack marks the message as processed.
func (d *memDelivery) Ack(_ context.Context) error {
	d.once.Do(func() {
		d.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack requeues the message for the same group until MaxRedeliveries is reached.
func (d *memDelivery) Nack(_ context.Context, _ error) error {
	d.once.Do(func() {
		d.tr.metrics.nacked.Add(1)
		if d.task.attempts >= d.tr.cfg.MaxRedeliveries {
			d.tr.metrics.deadLettered.Add(1)
			return
		}
		d.task.attempts++
		d.tr.metrics.redelivered.Add(1)

		// Requeue off the delivery goroutine: it may be the only reader of the queue.
		go func() {
			if delay := d.tr.cfg.RedeliveryDelay; delay > 0 {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-d.tr.done:
					return
				}
			}
			select {
			case d.task.group.queue <- d.task:
			case <-d.tr.done:
			}
		}()
	})
	return nil
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{groups: make(map[string]*group)}
	t.topics[name] = tp
	return tp
}

func (tp *topic) ensureGroup(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if g, ok := tp.groups[name]; ok {
		return g
	}
	g := &group{name: name, queue: make(chan *deliveryTask, bufferSize)}
	tp.groups[name] = g
	return g
}
