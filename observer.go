package xcqrs

import (
	"strconv"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bus events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("kind", e.Kind.String()),
		xlog.Str("name", e.Name),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("causation_id", e.Causation),
		xlog.Str("depth", strconv.Itoa(e.Depth)),
		xlog.Str("generation", strconv.Itoa(e.Generation)),
	)
	switch e.Type {
	case Error, Nack, Rollback:
		ev.Warn().Err(e.Err).Msg("xcqrs event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xcqrs event")
	}
}
