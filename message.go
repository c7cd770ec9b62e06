package xcqrs

import (
	"time"
)

// Message is the wire form of an Envelope carried by a Transport.
// The Payload is encoded via Codec; envelope headers travel in Metadata.
type Message struct {
	// ID is a unique message identifier (transport may assign if empty).
	ID string
	// Name is the payload routing key.
	Name string
	// Payload is the encoded bytes of the envelope payload.
	Payload []byte
	// Metadata carries envelope headers plus user metadata.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// Reserved metadata keys used to carry envelope headers on the wire.
const (
	MetaKind        = "xcqrs-kind"
	MetaEnvelopeID  = "xcqrs-id"
	MetaCausation   = "xcqrs-causation"
	MetaCorrelation = "xcqrs-correlation"
	MetaDepth       = "xcqrs-depth"
	MetaGeneration  = "xcqrs-generation"
	MetaCodec       = "xcqrs-codec"
)
