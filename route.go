package xcqrs

import (
	"context"
	"fmt"
)

// route delivers one side effect produced by a policy for evt. Commands go
// through the same dispatch path as external ones, one generation deeper;
// projections go straight to their projector. Failures are reported and do not
// affect the remaining side effects.
func (b *Bus) route(ctx context.Context, evt Envelope, se SideEffect) error {
	if se.Payload == nil {
		err := fmt.Errorf("%w: nil %s side effect from policy for %s", ErrInvalidPayload, se.Kind, evt.Name)
		b.report(ctx, evt, err)
		return err
	}

	switch se.Kind {
	case KindCommand:
		cmd := evt.Derive(KindCommand, se.Payload)
		cmd.Generation++
		b.stamp(&cmd)
		if _, err := b.dispatch(ctx, cmd, true); err != nil {
			b.report(ctx, cmd, err)
			return err
		}
		return nil

	case KindProjection:
		p := evt.Derive(KindProjection, se.Payload)
		b.stamp(&p)
		return b.project(ctx, p)

	default:
		err := fmt.Errorf("%w: policy for %s returned a %s side effect", ErrInvalidPayload, evt.Name, se.Kind)
		b.report(ctx, evt, err)
		return err
	}
}
