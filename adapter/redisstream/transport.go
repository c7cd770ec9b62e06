package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xcqrs"
)

// ErrTooManyReadErrors ends a subscription once MaxConsecutiveErrors is reached.
var ErrTooManyReadErrors = errors.New("redisstream: too many consecutive read errors")

type transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	claimed       atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// Stats is a snapshot of transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Claimed       uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// NewTransport connects to Redis and returns the transport.
func NewTransport(cfg Config) (xcqrs.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &transport{
		cfg:     cfg,
		client:  client,
		metrics: &transportMetrics{},
	}, nil
}

// Publish sends messages to a stream using XADD, pipelined so one call is one round trip.
func (t *transport) Publish(ctx context.Context, topic string, msgs ...*xcqrs.Message) error {
	if t.closed.Load() {
		return redis.ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	for _, m := range msgs {
		if m == nil {
			continue
		}
		args := &redis.XAddArgs{
			Stream: topic,
			ID:     "*", // Let Redis generate ID
			Values: encodeValues(m),
		}
		// Approximate trimming to keep stream bounded
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return err
	}
	t.metrics.published.Add(uint64(len(msgs)))
	return nil
}

type subscription struct {
	*xcqrs.SubscriptionState
	cancel context.CancelFunc
}

// Close stops polling and waits for in-flight handlers.
func (s *subscription) Close() error {
	s.cancel()
	<-s.Done()
	return nil
}

// Subscribe reads topic as consumer Config.Consumer of group and hands each
// entry to handler from Concurrency goroutines. The subscription finishes with
// an error when the client is closed or reads keep failing.
func (t *transport) Subscribe(ctx context.Context, topic, group string, handler func(xcqrs.Delivery)) (xcqrs.Subscription, error) {
	if t.closed.Load() {
		return nil, redis.ErrClosed
	}
	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, topic, group, t.cfg.StartID).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %s on %s: %w", group, topic, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{SubscriptionState: xcqrs.NewSubscriptionState(), cancel: cancel}

	workers := max(1, t.cfg.Concurrency)
	// Buffered work channel (buffer = 2x workers for burst absorption)
	workCh := make(chan *delivery, workers*2)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				handler(d)
			}
		}()
	}

	// Optional pending entry recovery loop (claims messages stuck on dead consumers)
	var claimWG sync.WaitGroup
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		claimWG.Add(1)
		go func() {
			defer claimWG.Done()
			t.claimLoop(innerCtx, topic, group, workCh)
		}()
	}

	go func() {
		err := t.pollerLoop(innerCtx, topic, group, workCh)
		cancel()
		claimWG.Wait()
		close(workCh)
		wg.Wait()
		sub.Finish(err)
	}()

	return sub, nil
}

// pollerLoop reads new entries for the group until ctx ends (nil) or the
// stream becomes unreadable (error).
func (t *transport) pollerLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) error {
	xArgs := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = 100 * time.Millisecond
				failures = 0
				continue
			}
			if errors.Is(err, redis.ErrClosed) {
				return err
			}

			t.metrics.consumeErrors.Add(1)
			failures++
			if t.cfg.MaxConsecutiveErrors > 0 && failures >= t.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("%w: %w", ErrTooManyReadErrors, err)
			}
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return nil
			}
			continue
		}

		backoff = 100 * time.Millisecond
		failures = 0

		for _, stream := range res {
			for _, x := range stream.Messages {
				t.metrics.consumed.Add(1)
				select {
				case workCh <- t.newDelivery(topic, group, x):
				case <-ctx.Done():
					// Left pending; the group redelivers it.
					return nil
				}
			}
		}
	}
}

// claimLoop periodically takes over entries left pending longer than
// ClaimMinIdle (crashed consumers, nacks without dead letter) and redelivers them.
func (t *transport) claimLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	start := "0-0"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Start:    start,
			Count:    int64(max(1, t.cfg.ClaimBatch)),
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.metrics.consumeErrors.Add(1)
			continue
		}
		start = next

		for _, x := range msgs {
			t.metrics.claimed.Add(1)
			select {
			case workCh <- t.newDelivery(topic, group, x):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close gracefully shuts down the transport. Running subscriptions end with redis.ErrClosed.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}
	return t.client.Close()
}

// Stats returns current transport metrics.
func (t *transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Claimed:       t.metrics.claimed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
