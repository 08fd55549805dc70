// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package collective

import (
	"fmt"

	"github.com/ami-project/ami/lib/compress"
)

// maxPayloadSize bounds the declared uncompressed size of a frame so
// a corrupt header cannot force a huge allocation.
const maxPayloadSize = 1 << 30

// DefaultMaxFrameSize bounds one encoded frame on the wire: a payload
// of maxPayloadSize plus room for the header.
const DefaultMaxFrameSize = maxPayloadSize + 1<<16

// maxHelloSize bounds the encoded hello, which is a handful of bytes.
const maxHelloSize = 1 << 10

// frame is one message on a TCP collective connection. The encoding
// is a CBOR map, so a stream of frames is self-delimiting.
type frame struct {
	Source      Rank         `cbor:"source"`
	Tag         Tag          `cbor:"tag"`
	Compression compress.Tag `cbor:"compression,omitempty"`
	Size        int          `cbor:"size,omitempty"`
	Payload     []byte       `cbor:"payload"`
}

// hello is the first frame a worker writes after connecting.
type hello struct {
	Rank Rank `cbor:"rank"`
	Size int  `cbor:"size"`
}

// welcome is the manager's answer to hello. A rejected worker is
// disconnected after reading it.
type welcome struct {
	Accepted bool   `cbor:"accepted"`
	Reason   string `cbor:"reason,omitempty"`
}

// sealFrame builds a frame for payload, compressing it when it is at
// least threshold bytes and compressible.
func sealFrame(source Rank, tag Tag, payload []byte, threshold int) (frame, error) {
	body, algorithm, err := compress.Auto(payload, threshold)
	if err != nil {
		return frame{}, fmt.Errorf("compressing %s payload: %w", tag, err)
	}
	sealed := frame{Source: source, Tag: tag, Compression: algorithm, Payload: body}
	if algorithm != compress.None {
		sealed.Size = len(payload)
	}
	return sealed, nil
}

// open returns the frame's uncompressed payload.
func (f frame) open() ([]byte, error) {
	if f.Compression == compress.None {
		return f.Payload, nil
	}
	if f.Size > maxPayloadSize {
		return nil, fmt.Errorf("frame declares %d byte payload, limit is %d", f.Size, maxPayloadSize)
	}
	payload, err := compress.Decompress(f.Payload, f.Compression, f.Size)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s frame: %w", f.Tag, err)
	}
	return payload, nil
}
