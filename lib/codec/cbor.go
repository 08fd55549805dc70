// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes with Core Deterministic Encoding. The same logical
// graph always produces identical bytes, which keeps graph digests
// stable across clients.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown struct fields so
// that newer workers and clients can add envelope fields.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Graph node specs decoded into any (by the client tool and
		// tests) must come out as map[string]any, not the CBOR default
		// map[interface{}]interface{}, so they can be re-encoded as JSON.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Graphs are opaque and may nest arbitrarily deep.
		MaxNestedLevels: 65535,
		// Bulk feature data can legitimately be large. Every socket
		// reader caps the bytes of a single frame with
		// netutil.FrameLimit instead.
		MaxArrayElements: 1 << 27,
		MaxMapPairs:      1 << 27,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value. Used to carry graphs and
// result data without decoding them.
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for
// data. The client tool uses it to print graphs and feature data it
// cannot render as JSON.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
