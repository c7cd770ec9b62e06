package xcqrs

import (
	"context"
)

// CommandHandler performs a domain mutation for one command, recording events on
// the unit of work. Implementations must be safe for concurrent use.
type CommandHandler interface {
	Handle(ctx context.Context, uow *UnitOfWork, cmd Envelope) (any, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, uow *UnitOfWork, cmd Envelope) (any, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, uow *UnitOfWork, cmd Envelope) (any, error) {
	return f(ctx, uow, cmd)
}

// Policy maps an event to an ordered list of side effects. It must not touch the
// bus directly; its only output is the returned slice.
type Policy interface {
	Apply(ctx context.Context, evt Envelope) ([]SideEffect, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, evt Envelope) ([]SideEffect, error)

func (f PolicyFunc) Apply(ctx context.Context, evt Envelope) ([]SideEffect, error) {
	return f(ctx, evt)
}

// Projector updates a read model or triggers an external effect. Terminal.
type Projector interface {
	Project(ctx context.Context, p Envelope) error
}

// ProjectorFunc adapts a function to Projector.
type ProjectorFunc func(ctx context.Context, p Envelope) error

func (f ProjectorFunc) Project(ctx context.Context, p Envelope) error { return f(ctx, p) }

// Viewer answers read-side queries.
type Viewer interface {
	View(ctx context.Context, query any) (any, error)
}

// ViewerFunc adapts a function to Viewer.
type ViewerFunc func(ctx context.Context, query any) (any, error)

func (f ViewerFunc) View(ctx context.Context, query any) (any, error) { return f(ctx, query) }

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// ErrorHandler is called for every failure the loop isolates (policy, projection,
// recursion guard, policy-issued dispatch). It must not block for long.
type ErrorHandler func(ctx context.Context, env Envelope, err error)

// API is the complete bus surface.
type API interface {
	Dispatch(ctx context.Context, payload any) (any, error)
	DispatchEnvelope(ctx context.Context, cmd Envelope) (any, error)
	Publish(ctx context.Context, events ...any) error
	Send(ctx context.Context, kind Kind, payloads ...any) error
	View(ctx context.Context, query any) (any, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)
