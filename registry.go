package xcqrs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Registry maps routing names to command handlers, policies, projectors and
// viewers. It is built once by RegistryBuilder and is read-only afterwards, so it
// is safe for concurrent use without locking.
type Registry struct {
	commands   map[string]CommandHandler
	policies   map[string][]Policy
	projectors map[string]Projector
	viewers    map[string]Viewer
	types      map[string]reflect.Type
}

// CommandHandler resolves the single handler for a command name.
func (r *Registry) CommandHandler(name string) (CommandHandler, error) {
	if h, ok := r.commands[name]; ok {
		return h, nil
	}
	return nil, unregistered("command handler", name)
}

// Policies returns the policies subscribed to an event name, in registration order.
func (r *Registry) Policies(name string) []Policy {
	return r.policies[name]
}

// Projector resolves the projector for a projection name.
func (r *Registry) Projector(name string) (Projector, error) {
	if p, ok := r.projectors[name]; ok {
		return p, nil
	}
	return nil, unregistered("projector", name)
}

// Viewer resolves the viewer for a query name.
func (r *Registry) Viewer(name string) (Viewer, error) {
	if v, ok := r.viewers[name]; ok {
		return v, nil
	}
	return nil, unregistered("viewer", name)
}

// Decode unmarshals data into a fresh value of the type registered for name.
func (r *Registry) Decode(name string, data []byte, c Codec) (any, error) {
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: no payload type for %q", ErrUnregisteredHandler, name)
	}
	ptr := reflect.New(t)
	if err := c.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return ptr.Elem().Interface(), nil
}

// Names lists every registered routing name per kind. Mostly for diagnostics.
func (r *Registry) Names() (commands, events, projections []string) {
	for n := range r.commands {
		commands = append(commands, n)
	}
	for n := range r.policies {
		events = append(events, n)
	}
	for n := range r.projectors {
		projections = append(projections, n)
	}
	return commands, events, projections
}

// RegistryBuilder collects registrations (Builder pattern). Policy and projector
// middleware (retry, timeout) is applied at Build time as a driver-level decorator.
type RegistryBuilder struct {
	commands   map[string]CommandHandler
	policies   map[string][]Policy
	projectors map[string]Projector
	viewers    map[string]Viewer
	types      map[string]reflect.Type

	commandMW   []Middleware[CommandHandler]
	policyMW    []Middleware[Policy]
	projectorMW []Middleware[Projector]

	errs []error
}

// NewRegistryBuilder returns an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		commands:   map[string]CommandHandler{},
		policies:   map[string][]Policy{},
		projectors: map[string]Projector{},
		viewers:    map[string]Viewer{},
		types:      map[string]reflect.Type{},
	}
}

// Command registers the handler for a command name. Duplicates fail at Build.
func (rb *RegistryBuilder) Command(name string, h CommandHandler) *RegistryBuilder {
	if name == "" || h == nil {
		rb.errs = append(rb.errs, errors.New("registry: command name and handler are required"))
		return rb
	}
	if _, dup := rb.commands[name]; dup {
		rb.errs = append(rb.errs, fmt.Errorf("registry: duplicate command handler for %q", name))
		return rb
	}
	rb.commands[name] = h
	return rb
}

// Policy subscribes a policy to an event name. Many policies may share a name.
func (rb *RegistryBuilder) Policy(name string, p Policy) *RegistryBuilder {
	if name == "" || p == nil {
		rb.errs = append(rb.errs, errors.New("registry: event name and policy are required"))
		return rb
	}
	rb.policies[name] = append(rb.policies[name], p)
	return rb
}

// Projector registers the projector for a projection name.
func (rb *RegistryBuilder) Projector(name string, p Projector) *RegistryBuilder {
	if name == "" || p == nil {
		rb.errs = append(rb.errs, errors.New("registry: projection name and projector are required"))
		return rb
	}
	if _, dup := rb.projectors[name]; dup {
		rb.errs = append(rb.errs, fmt.Errorf("registry: duplicate projector for %q", name))
		return rb
	}
	rb.projectors[name] = p
	return rb
}

// Viewer registers the viewer for a query name.
func (rb *RegistryBuilder) Viewer(name string, v Viewer) *RegistryBuilder {
	if name == "" || v == nil {
		rb.errs = append(rb.errs, errors.New("registry: query name and viewer are required"))
		return rb
	}
	if _, dup := rb.viewers[name]; dup {
		rb.errs = append(rb.errs, fmt.Errorf("registry: duplicate viewer for %q", name))
		return rb
	}
	rb.viewers[name] = v
	return rb
}

// Type records the concrete payload type for name so wire messages can be decoded.
// Typed registrations (HandleCommand, OnEvent, ...) call it automatically.
func (rb *RegistryBuilder) Type(name string, sample any) *RegistryBuilder {
	if sample == nil {
		return rb
	}
	rb.types[name] = reflect.TypeOf(sample)
	return rb
}

func (rb *RegistryBuilder) WithCommandMiddleware(mw ...Middleware[CommandHandler]) *RegistryBuilder {
	rb.commandMW = append(rb.commandMW, mw...)
	return rb
}

func (rb *RegistryBuilder) WithPolicyMiddleware(mw ...Middleware[Policy]) *RegistryBuilder {
	rb.policyMW = append(rb.policyMW, mw...)
	return rb
}

func (rb *RegistryBuilder) WithProjectorMiddleware(mw ...Middleware[Projector]) *RegistryBuilder {
	rb.projectorMW = append(rb.projectorMW, mw...)
	return rb
}

// Build freezes the registrations into a Registry.
func (rb *RegistryBuilder) Build() (*Registry, error) {
	if len(rb.errs) > 0 {
		return nil, errors.Join(rb.errs...)
	}
	r := &Registry{
		commands:   make(map[string]CommandHandler, len(rb.commands)),
		policies:   make(map[string][]Policy, len(rb.policies)),
		projectors: make(map[string]Projector, len(rb.projectors)),
		viewers:    make(map[string]Viewer, len(rb.viewers)),
		types:      make(map[string]reflect.Type, len(rb.types)),
	}
	for n, h := range rb.commands {
		r.commands[n] = Chain(h, rb.commandMW...)
	}
	for n, ps := range rb.policies {
		wrapped := make([]Policy, len(ps))
		for i, p := range ps {
			wrapped[i] = Chain(p, rb.policyMW...)
		}
		r.policies[n] = wrapped
	}
	for n, p := range rb.projectors {
		r.projectors[n] = Chain(p, rb.projectorMW...)
	}
	for n, v := range rb.viewers {
		r.viewers[n] = v
	}
	for n, t := range rb.types {
		r.types[n] = t
	}
	return r, nil
}

// HandleCommand registers a typed command handler under NameOf(C).
func HandleCommand[C any](rb *RegistryBuilder, fn func(ctx context.Context, uow *UnitOfWork, cmd C) (any, error)) *RegistryBuilder {
	name := nameOfType[C]()
	var zero C
	rb.Type(name, zero)
	return rb.Command(name, CommandHandlerFunc(func(ctx context.Context, uow *UnitOfWork, env Envelope) (any, error) {
		cmd, err := payloadAs[C](env)
		if err != nil {
			return nil, err
		}
		return fn(ctx, uow, cmd)
	}))
}

// OnEvent subscribes a typed policy to NameOf(E).
func OnEvent[E any](rb *RegistryBuilder, fn func(ctx context.Context, evt E) ([]SideEffect, error)) *RegistryBuilder {
	name := nameOfType[E]()
	var zero E
	rb.Type(name, zero)
	return rb.Policy(name, PolicyFunc(func(ctx context.Context, env Envelope) ([]SideEffect, error) {
		evt, err := payloadAs[E](env)
		if err != nil {
			return nil, err
		}
		return fn(ctx, evt)
	}))
}

// ProjectWith registers a typed projector under NameOf(P).
func ProjectWith[P any](rb *RegistryBuilder, fn func(ctx context.Context, p P) error) *RegistryBuilder {
	name := nameOfType[P]()
	var zero P
	rb.Type(name, zero)
	return rb.Projector(name, ProjectorFunc(func(ctx context.Context, env Envelope) error {
		p, err := payloadAs[P](env)
		if err != nil {
			return err
		}
		return fn(ctx, p)
	}))
}

// ViewWith registers a typed viewer under NameOf(Q).
func ViewWith[Q any](rb *RegistryBuilder, fn func(ctx context.Context, q Q) (any, error)) *RegistryBuilder {
	name := nameOfType[Q]()
	return rb.Viewer(name, ViewerFunc(func(ctx context.Context, query any) (any, error) {
		q, ok := query.(Q)
		if !ok {
			return nil, fmt.Errorf("%w: query %T is not %s", ErrInvalidPayload, query, name)
		}
		return fn(ctx, q)
	}))
}

func payloadAs[T any](env Envelope) (T, error) {
	v, ok := env.Payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s payload is %T", ErrInvalidPayload, env.Name, env.Payload)
	}
	return v, nil
}
