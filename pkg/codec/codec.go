// Package codec holds the encode/decode pairs injected into transports and tunnels.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec marshals payloads and wire items. Implementations must be safe for
// concurrent use.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSON is the default codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var typeOfStringMap = reflect.TypeOf(map[string]any(nil))

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec. Maps decode to map[string]any so
// metadata keeps the same shape it has under JSON.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: typeOfStringMap,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// Registry maps content types to codecs.
type Registry struct {
	byType map[string]Codec
}

// NewRegistry returns a registry preloaded with JSON and CBOR.
func NewRegistry() (*Registry, error) {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	c, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.Register(c)
	return r, nil
}

func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Lookup accepts a full content type or the short names "json" and "cbor".
func (r *Registry) Lookup(name string) (Codec, error) {
	switch name {
	case "", "json":
		name = "application/json"
	case "cbor":
		name = "application/cbor"
	}
	c, has := r.byType[name]
	if !has {
		return nil, fmt.Errorf("no codec registered for content type %q", name)
	}
	return c, nil
}
