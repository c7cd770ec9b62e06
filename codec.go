package xcqrs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Codec turns envelope payloads into wire bytes and back. Its Name travels
// with every encoded message in the MetaCodec header, so a consumer can decode
// messages from producers configured with a different codec, as long as that
// codec is registered on the consumer's side too.
type Codec interface {
	Marshal(payload any) ([]byte, error)
	Unmarshal(data []byte, into any) error
	Name() string
}

// JSONCodec is the default payload codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(payload any) ([]byte, error)   { return json.Marshal(payload) }
func (JSONCodec) Unmarshal(data []byte, into any) error { return json.Unmarshal(data, into) }
func (JSONCodec) Name() string                          { return "json" }

// CodecFactory builds the codec registered under a name.
type CodecFactory func() Codec

var codecs = struct {
	sync.RWMutex
	byName map[string]CodecFactory
}{byName: map[string]CodecFactory{
	"json": func() Codec { return JSONCodec{} },
}}

// RegisterCodec makes a codec available by name, both to BusBuilder.WithCodec
// and to consumers decoding messages whose MetaCodec header names it.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecs.Lock()
	codecs.byName[name] = factory
	codecs.Unlock()
	return nil
}

// NewCodec builds the codec registered under name.
func NewCodec(name string) (Codec, error) {
	codecs.RLock()
	f, ok := codecs.byName[name]
	codecs.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return f(), nil
}

// codecFor returns the codec msg was encoded with: the one its MetaCodec header
// names, or own when the header is missing or names own.
func codecFor(own Codec, msg *Message) (Codec, error) {
	name := msg.Metadata[MetaCodec]
	if name == "" || name == own.Name() {
		return own, nil
	}
	c, err := NewCodec(name)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Name, err)
	}
	return c, nil
}
