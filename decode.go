package xcqrs

import (
	"fmt"
	"strconv"
)

// PayloadDecoder turns encoded bytes back into a typed payload for a routing name.
// *Registry implements it from the types seen at registration.
type PayloadDecoder interface {
	Decode(name string, data []byte, c Codec) (any, error)
}

// EncodeEnvelope converts an envelope to its wire form, recording the codec's
// name so consumers can pick the matching codec.
func EncodeEnvelope(c Codec, env Envelope) (*Message, error) {
	data, err := c.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Name, err)
	}
	meta := make(map[string]string, len(env.Metadata)+7)
	for k, v := range env.Metadata {
		meta[k] = v
	}
	meta[MetaKind] = env.Kind.String()
	meta[MetaEnvelopeID] = env.ID
	meta[MetaDepth] = strconv.Itoa(env.Depth)
	meta[MetaGeneration] = strconv.Itoa(env.Generation)
	meta[MetaCodec] = c.Name()
	if env.CausationID != "" {
		meta[MetaCausation] = env.CausationID
	}
	if env.CorrelationID != "" {
		meta[MetaCorrelation] = env.CorrelationID
	}
	return &Message{
		ID:         env.ID,
		Name:       env.Name,
		Payload:    data,
		Metadata:   meta,
		ProducedAt: env.ProducedAt,
	}, nil
}

// DecodeEnvelope rebuilds an envelope from a wire message. Messages without a
// kind header are treated as events, so plain producers can feed the loop. The
// payload is decoded with the codec named by the message, falling back to c.
func DecodeEnvelope(c Codec, d PayloadDecoder, msg *Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, fmt.Errorf("%w: nil message", ErrInvalidPayload)
	}
	c, err := codecFor(c, msg)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		ID:         msg.ID,
		Kind:       KindEvent,
		Name:       msg.Name,
		ProducedAt: msg.ProducedAt,
	}
	for k, v := range msg.Metadata {
		switch k {
		case MetaKind:
			kind, err := ParseKind(v)
			if err != nil {
				return Envelope{}, err
			}
			env.Kind = kind
		case MetaEnvelopeID:
			if v != "" {
				env.ID = v
			}
		case MetaCodec:
		case MetaCausation:
			env.CausationID = v
		case MetaCorrelation:
			env.CorrelationID = v
		case MetaDepth:
			n, err := strconv.Atoi(v)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode depth: %w", err)
			}
			env.Depth = n
		case MetaGeneration:
			n, err := strconv.Atoi(v)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode generation: %w", err)
			}
			env.Generation = n
		default:
			if env.Metadata == nil {
				env.Metadata = make(map[string]string, len(msg.Metadata))
			}
			env.Metadata[k] = v
		}
	}
	payload, err := d.Decode(msg.Name, msg.Payload, c)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = payload
	return env, nil
}

// Decode unmarshals a wire message payload into T with the codec the message
// names, or c when it names none.
func Decode[T any](c Codec, msg *Message) (T, error) {
	var v T
	c, err := codecFor(c, msg)
	if err != nil {
		return v, err
	}
	if err := c.Unmarshal(msg.Payload, &v); err != nil {
		return v, err
	}
	return v, nil
}
