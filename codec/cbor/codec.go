// Package cbor registers a CBOR codec named "cbor".
//
//	import _ "github.com/trickstertwo/xmessenger/codec/cbor"
//	codec, _ := xmessenger.NewCodec("cbor")
package cbor

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/trickstertwo/xmessenger"
)

// Name is the registry key and the x-codec header value.
const Name = "cbor"

func init() {
	if err := xmessenger.RegisterCodec(Name, func() xmessenger.Codec { return Codec{} }); err != nil {
		panic(fmt.Errorf("xmessenger: failed to register codec %q: %w", Name, err))
	}
}

// Codec encodes messages as CBOR (RFC 8949).
type Codec struct{}

var _ xmessenger.Codec = Codec{}

func (Codec) Marshal(v any) ([]byte, error)   { return cbor.Marshal(v) }
func (Codec) Unmarshal(b []byte, v any) error { return cbor.Unmarshal(b, v) }
func (Codec) Name() string                    { return Name }
