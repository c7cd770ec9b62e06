package xcqrs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnregisteredHandler means no handler, projector or viewer is registered for a name.
	ErrUnregisteredHandler = errors.New("xcqrs: unregistered handler")
	// ErrInvalidState means a UnitOfWork operation was invoked out of sequence.
	ErrInvalidState = errors.New("xcqrs: invalid unit of work state")
	// ErrRecursionLimitExceeded means a policy-issued command exceeded the configured depth.
	ErrRecursionLimitExceeded = errors.New("xcqrs: recursion limit exceeded")

	ErrBusClosed                   = errors.New("xcqrs: bus is closed")
	ErrMailboxClosed               = errors.New("xcqrs: mailbox is closed")
	ErrAlreadyStarted              = errors.New("xcqrs: bus loop already started")
	ErrInvalidPayload              = errors.New("xcqrs: invalid payload")
	ErrInvalidMaxDepth             = errors.New("xcqrs: max depth must be >= 1")
	ErrNoDriverConfigured          = errors.New("xcqrs: no driver or registry configured")
	ErrDefaultBusNotInitialized    = errors.New("xcqrs: default bus not initialized")
	ErrNoTransport                 = errors.New("xcqrs: driver has no transport")
	ErrTransportExhausted          = errors.New("xcqrs: transport subscription ended")
	ErrObserverPoolShutdownTimeout = errors.New("xcqrs: observer pool shutdown timeout")
	ErrHandlerPanic                = errors.New("xcqrs: handler panic")
	ErrUnknownCodec                = errors.New("xcqrs: unknown codec")
)

// ErrUnknownTransport is returned by NewTransport for unregistered names.
type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

func unregistered(what, name string) error {
	return fmt.Errorf("%w: %s %q", ErrUnregisteredHandler, what, name)
}

// HandlerError wraps a CommandHandler failure. The unit of work was rolled back.
type HandlerError struct {
	Command string
	Cause   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("xcqrs: command %s failed: %v", e.Command, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// PolicyError wraps a Policy failure for one event.
type PolicyError struct {
	Event string
	Cause error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("xcqrs: policy for %s failed: %v", e.Event, e.Cause)
}

func (e *PolicyError) Unwrap() error { return e.Cause }

// ProjectionError wraps a Projector failure.
type ProjectionError struct {
	Projection string
	Cause      error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("xcqrs: projection %s failed: %v", e.Projection, e.Cause)
}

func (e *ProjectionError) Unwrap() error { return e.Cause }

// RecursionError reports which command tripped the recursion guard.
type RecursionError struct {
	Command    string
	Generation int
	Max        int
}

func (e *RecursionError) Error() string {
	return fmt.Sprintf("%v: command %s at generation %d (max %d)", ErrRecursionLimitExceeded, e.Command, e.Generation, e.Max)
}

func (e *RecursionError) Unwrap() error { return ErrRecursionLimitExceeded }

// TransportError means the transport or mailbox can no longer carry messages.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("xcqrs: transport error: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }
