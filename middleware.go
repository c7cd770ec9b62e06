package xcqrs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Middleware decorates a CommandHandler, Policy or Projector.
type Middleware[H any] func(next H) H

// Chain composes middlewares around h in order: the first middleware is outermost.
func Chain[H any](h H, mws ...Middleware[H]) H {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// RetryConfig controls retry behavior for policy and projector middleware.
// The bus itself never retries; retries are a driver-level decision.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt (e.g., exponential backoff).
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff to avoid thundering herds.
	Jitter time.Duration
}

// RetryPolicy retries a failing policy. Side effects are only returned from the
// successful attempt, so retries never duplicate routing.
func RetryPolicy(cfg RetryConfig) Middleware[Policy] {
	return func(next Policy) Policy {
		return PolicyFunc(func(ctx context.Context, evt Envelope) ([]SideEffect, error) {
			var out []SideEffect
			err := retry(ctx, cfg, func() error {
				var err error
				out, err = next.Apply(ctx, evt)
				return err
			})
			return out, err
		})
	}
}

// RetryProjector retries a failing projector.
func RetryProjector(cfg RetryConfig) Middleware[Projector] {
	return func(next Projector) Projector {
		return ProjectorFunc(func(ctx context.Context, p Envelope) error {
			return retry(ctx, cfg, func() error { return next.Project(ctx, p) })
		})
	}
}

func retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	shouldRetry := cfg.RetryIf
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}
	for i := 1; i <= attempts; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		// Stop if context is canceled or deadline exceeded.
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return lastErr
		}
		if i == attempts || !shouldRetry(lastErr) {
			return lastErr
		}
		if cfg.Backoff != nil {
			wait := cfg.Backoff(i)
			if cfg.Jitter > 0 {
				wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
			}
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

// TimeoutPolicy bounds a policy's run time. On expiry the policy is abandoned,
// not stopped, and context.DeadlineExceeded is returned.
func TimeoutPolicy(d time.Duration) Middleware[Policy] {
	if d <= 0 {
		return func(next Policy) Policy { return next }
	}
	return func(next Policy) Policy {
		return PolicyFunc(func(ctx context.Context, evt Envelope) ([]SideEffect, error) {
			var out []SideEffect
			err := withTimeout(ctx, d, func(tctx context.Context) error {
				var err error
				out, err = next.Apply(tctx, evt)
				return err
			})
			if err != nil {
				return nil, err
			}
			return out, nil
		})
	}
}

// TimeoutProjector bounds a projector's run time.
func TimeoutProjector(d time.Duration) Middleware[Projector] {
	if d <= 0 {
		return func(next Projector) Projector { return next }
	}
	return func(next Projector) Projector {
		return ProjectorFunc(func(ctx context.Context, p Envelope) error {
			return withTimeout(ctx, d, func(tctx context.Context) error { return next.Project(tctx, p) })
		})
	}
}

// DeadlineCommand gives every command handler a context deadline. Unlike the
// policy timeout it does not abandon the handler: the unit of work must not be
// rolled back while the handler may still record on it.
func DeadlineCommand(d time.Duration) Middleware[CommandHandler] {
	if d <= 0 {
		return func(next CommandHandler) CommandHandler { return next }
	}
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, uow *UnitOfWork, cmd Envelope) (any, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next.Handle(tctx, uow, cmd)
		})
	}
}

func withTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic recovered: %v", r)
			}
		}()
		errCh <- fn(tctx)
	}()

	select {
	case <-tctx.Done():
		return tctx.Err()
	case err := <-errCh:
		return err
	}
}
