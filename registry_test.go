package xcqrs

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ResolvesTypedRegistrations(t *testing.T) {
	var order []string
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(_ context.Context, _ *UnitOfWork, cmd deposit) (any, error) {
		return cmd.Amount * 2, nil
	})
	OnEvent(rb, func(context.Context, deposited) ([]SideEffect, error) {
		order = append(order, "first")
		return nil, nil
	})
	OnEvent(rb, func(context.Context, deposited) ([]SideEffect, error) {
		order = append(order, "second")
		return nil, nil
	})
	ProjectWith(rb, func(context.Context, auditEntry) error { return nil })
	ViewWith(rb, func(_ context.Context, q balanceQuery) (any, error) { return q.Account, nil })
	reg := mustRegistry(t, rb)

	h, err := reg.CommandHandler(NameOf(deposit{}))
	require.NoError(t, err)
	res, err := h.Handle(context.Background(), openTestUnit(), Envelope{Name: NameOf(deposit{}), Payload: deposit{Amount: 4}})
	require.NoError(t, err)
	assert.Equal(t, 8, res)

	policies := reg.Policies(NameOf(deposited{}))
	require.Len(t, policies, 2)
	for _, p := range policies {
		_, err := p.Apply(context.Background(), Envelope{Payload: deposited{}})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"first", "second"}, order, "registration order")
	assert.Empty(t, reg.Policies("nobody.listens"))

	_, err = reg.Projector(NameOf(auditEntry{}))
	assert.NoError(t, err)

	v, err := reg.Viewer(NameOf(balanceQuery{}))
	require.NoError(t, err)
	got, err := v.View(context.Background(), balanceQuery{Account: "acc"})
	require.NoError(t, err)
	assert.Equal(t, "acc", got)

	cmds, events, projections := reg.Names()
	sort.Strings(cmds)
	assert.Equal(t, []string{NameOf(deposit{})}, cmds)
	assert.Equal(t, []string{NameOf(deposited{})}, events)
	assert.Equal(t, []string{NameOf(auditEntry{})}, projections)
}

func TestRegistry_UnregisteredNames(t *testing.T) {
	reg := mustRegistry(t, NewRegistryBuilder())

	_, err := reg.CommandHandler("missing")
	assert.ErrorIs(t, err, ErrUnregisteredHandler)
	_, err = reg.Projector("missing")
	assert.ErrorIs(t, err, ErrUnregisteredHandler)
	_, err = reg.Viewer("missing")
	assert.ErrorIs(t, err, ErrUnregisteredHandler)
	_, err = reg.Decode("missing", []byte(`{}`), JSONCodec{})
	assert.ErrorIs(t, err, ErrUnregisteredHandler)
}

func TestRegistryBuilder_RejectsDuplicatesAndBlanks(t *testing.T) {
	noop := CommandHandlerFunc(func(context.Context, *UnitOfWork, Envelope) (any, error) { return nil, nil })
	proj := ProjectorFunc(func(context.Context, Envelope) error { return nil })

	rb := NewRegistryBuilder().
		Command("c", noop).
		Command("c", noop).
		Projector("p", proj).
		Projector("p", proj).
		Policy("", nil)

	_, err := rb.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate command handler for "c"`)
	assert.Contains(t, err.Error(), `duplicate projector for "p"`)
	assert.Contains(t, err.Error(), "event name and policy are required")
}

func TestRegistry_TypedHandlerRejectsWrongPayload(t *testing.T) {
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(context.Context, *UnitOfWork, deposit) (any, error) { return nil, nil })
	reg := mustRegistry(t, rb)

	h, err := reg.CommandHandler(NameOf(deposit{}))
	require.NoError(t, err)
	_, err = h.Handle(context.Background(), openTestUnit(), Envelope{Name: NameOf(deposit{}), Payload: "not a deposit"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestRegistry_DecodeUsesRegisteredType(t *testing.T) {
	rb := NewRegistryBuilder()
	HandleCommand(rb, func(context.Context, *UnitOfWork, deposit) (any, error) { return nil, nil })
	reg := mustRegistry(t, rb)

	v, err := reg.Decode(NameOf(deposit{}), []byte(`{"Account":"a","Amount":3}`), JSONCodec{})
	require.NoError(t, err)
	assert.Equal(t, deposit{Account: "a", Amount: 3}, v)

	_, err = reg.Decode(NameOf(deposit{}), []byte(`{`), JSONCodec{})
	assert.Error(t, err)
}

func TestRegistryBuilder_AppliesMiddlewareAtBuild(t *testing.T) {
	var calls []string
	tag := func(name string) Middleware[Projector] {
		return func(next Projector) Projector {
			return ProjectorFunc(func(ctx context.Context, p Envelope) error {
				calls = append(calls, name)
				return next.Project(ctx, p)
			})
		}
	}
	rb := NewRegistryBuilder().WithProjectorMiddleware(tag("outer"), tag("inner"))
	ProjectWith(rb, func(context.Context, auditEntry) error {
		calls = append(calls, "projector")
		return errors.New("read model down")
	})
	reg := mustRegistry(t, rb)

	p, err := reg.Projector(NameOf(auditEntry{}))
	require.NoError(t, err)
	assert.EqualError(t, p.Project(context.Background(), Envelope{Payload: auditEntry{}}), "read model down")
	assert.Equal(t, []string{"outer", "inner", "projector"}, calls)
}

func mustRegistry(t *testing.T, rb *RegistryBuilder) *Registry {
	t.Helper()
	reg, err := rb.Build()
	require.NoError(t, err)
	return reg
}

func TestRegistry_PointerPayloads(t *testing.T) {
	rb := NewRegistryBuilder()
	require.NotPanics(t, func() {
		HandleCommand(rb, func(_ context.Context, _ *UnitOfWork, cmd *renamed) (any, error) {
			return cmd.ID, nil
		})
	})
	reg := mustRegistry(t, rb)

	h, err := reg.CommandHandler("orders.renamed.v1")
	require.NoError(t, err)
	res, err := h.Handle(context.Background(), openTestUnit(), Envelope{Name: NameOf(&renamed{}), Payload: &renamed{ID: "r-1"}})
	require.NoError(t, err)
	assert.Equal(t, "r-1", res)

	decoded, err := reg.Decode("orders.renamed.v1", []byte(`{"ID":"r-2"}`), JSONCodec{})
	require.NoError(t, err)
	assert.Equal(t, &renamed{ID: "r-2"}, decoded)
}
