package xcqrs

// Driver is the capability bundle the bus is wired against: resolution of
// handlers, policies, projectors and viewers, payload decoding for inbound wire
// messages, and an optional Transport fronting a real broker.
//
// A Driver and everything it resolves must be safe for concurrent use; the bus
// shares it between every Dispatch call and the processing loop.
type Driver interface {
	CommandHandler(name string) (CommandHandler, error)
	Policies(name string) []Policy
	Projector(name string) (Projector, error)
	Viewer(name string) (Viewer, error)
	PayloadDecoder
	// Transport may return nil: the bus then runs on its mailbox alone.
	Transport() Transport
}

type registryDriver struct {
	*Registry
	transport Transport
}

func (d registryDriver) Transport() Transport { return d.transport }

// NewDriver pairs a Registry with an optional Transport.
func NewDriver(reg *Registry, tr Transport) Driver {
	return registryDriver{Registry: reg, transport: tr}
}
