package xcqrs

import (
	"fmt"
	"reflect"
	"time"
)

// Kind tags an Envelope as a Command, Event or Projection.
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindEvent
	KindProjection
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindProjection:
		return "projection"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "command":
		return KindCommand, nil
	case "event":
		return KindEvent, nil
	case "projection":
		return KindProjection, nil
	}
	return 0, fmt.Errorf("unknown message kind %q", s)
}

// Named lets a payload choose its own routing name instead of its Go type name.
type Named interface {
	MessageName() string
}

// NameOf returns the routing key for a payload.
func NameOf(v any) string {
	if v == nil {
		return ""
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return typeName(rv.Type())
	}
	if n, ok := v.(Named); ok {
		return n.MessageName()
	}
	return reflect.TypeOf(v).String()
}

// nameOfType returns the routing key for T without needing a value.
func nameOfType[T any]() string {
	return typeName(reflect.TypeFor[T]())
}

// typeName names t from its zero value. Pointer types are asked through a
// fresh value: a nil pointer cannot call value-receiver methods.
func typeName(t reflect.Type) string {
	v := reflect.Zero(t)
	if t.Kind() == reflect.Pointer {
		v = reflect.New(t.Elem())
	}
	if n, ok := v.Interface().(Named); ok {
		return n.MessageName()
	}
	return t.String()
}

// Envelope is the unit routed by the bus. Payload is the user-defined value.
type Envelope struct {
	// ID uniquely identifies this message.
	ID string
	// Kind is Command, Event or Projection.
	Kind Kind
	// Name is the payload routing key (see NameOf).
	Name string
	// Payload is the user value.
	Payload any
	// CausationID is the ID of the message that produced this one.
	// Empty for externally issued commands.
	CausationID string
	// CorrelationID is the ID of the root message of the chain.
	CorrelationID string
	// Depth counts derivations from the root: child = parent + 1.
	Depth int
	// Generation counts policy-issued command hops since the root command.
	// The recursion guard compares it against the configured maximum.
	Generation int
	// Metadata is copied forward to every derived envelope.
	Metadata map[string]string
	// ProducedAt is stamped from the bus clock.
	ProducedAt time.Time
}

// IsRoot reports whether the envelope was issued from outside the bus.
func (e Envelope) IsRoot() bool { return e.CausationID == "" }

// Derive builds a child envelope of the given kind. The caller assigns ID and
// ProducedAt; Generation is inherited and bumped by the router for commands.
func (e Envelope) Derive(kind Kind, payload any) Envelope {
	corr := e.CorrelationID
	if corr == "" {
		corr = e.ID
	}
	return Envelope{
		Kind:          kind,
		Name:          NameOf(payload),
		Payload:       payload,
		CausationID:   e.ID,
		CorrelationID: corr,
		Depth:         e.Depth + 1,
		Generation:    e.Generation,
		Metadata:      cloneMeta(e.Metadata),
	}
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s %s (id=%s depth=%d gen=%d)", e.Kind, e.Name, e.ID, e.Depth, e.Generation)
}

// newRoot builds a depth-0 envelope for a payload entering the bus.
func newRoot(kind Kind, payload any, meta map[string]string) Envelope {
	return Envelope{
		Kind:     kind,
		Name:     NameOf(payload),
		Payload:  payload,
		Metadata: cloneMeta(meta),
	}
}

func cloneMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SideEffect is a Policy's output: either a further Command or a Projection.
type SideEffect struct {
	Kind    Kind
	Payload any
}

// Command wraps a command payload as a side effect.
func Command(payload any) SideEffect { return SideEffect{Kind: KindCommand, Payload: payload} }

// Projection wraps a projection payload as a side effect.
func Projection(payload any) SideEffect { return SideEffect{Kind: KindProjection, Payload: payload} }
