// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"fmt"

	"github.com/ami-project/ami/lib/compress"
	"github.com/ami-project/ami/lib/results"
)

// maxDataSize bounds the declared uncompressed size of a payload.
const maxDataSize = 1 << 30

// DefaultMaxMessageSize bounds one encoded message on an ingestion
// stream: a payload of maxDataSize plus room for the envelope.
const DefaultMaxMessageSize = maxDataSize + 1<<16

// MessageType identifies the kind of a worker message.
type MessageType string

const (
	// Transition marks a run-control state change (configure,
	// enable, disable). Counted, not stored.
	Transition MessageType = "transition"

	// Occurrence reports a worker-side event such as a heartbeat
	// miss or a dropped event. Counted, not stored.
	Occurrence MessageType = "occurrence"

	// Datagram carries a named result for the result store.
	Datagram MessageType = "datagram"

	// Heartbeat is a liveness ping. Counted, not stored.
	Heartbeat MessageType = "heartbeat"
)

// MessageTypes lists every known type, in a stable order.
var MessageTypes = []MessageType{Transition, Occurrence, Datagram, Heartbeat}

// Message is one frame on an ingestion stream.
type Message struct {
	Type MessageType `cbor:"type"`

	// Source is the sending worker's rank.
	Source int `cbor:"source"`

	// Timestamp is the worker's send time in Unix nanoseconds.
	Timestamp int64 `cbor:"timestamp,omitempty"`

	// Payload is set on Datagram messages only.
	Payload *results.Payload `cbor:"payload,omitempty"`

	// Compression and Size describe Payload.Data on the wire. Size is
	// the uncompressed length and is only set when Compression is not
	// compress.None.
	Compression compress.Tag `cbor:"compression,omitempty"`
	Size        int          `cbor:"size,omitempty"`
}

// Validate checks that the message type is known and that only
// Datagram messages carry a payload.
func (m Message) Validate() error {
	switch m.Type {
	case Datagram:
		if m.Payload == nil {
			return fmt.Errorf("datagram from source %d has no payload", m.Source)
		}
	case Transition, Occurrence, Heartbeat:
		if m.Payload != nil {
			return fmt.Errorf("%s message from source %d carries a payload", m.Type, m.Source)
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Seal returns a copy of m with Payload.Data compressed when it is at
// least threshold bytes and compressible. A threshold <= 0 leaves the
// data as is.
func (m Message) Seal(threshold int) (Message, error) {
	if m.Payload == nil || m.Compression != compress.None {
		return m, nil
	}
	data, algorithm, err := compress.Auto(m.Payload.Data, threshold)
	if err != nil {
		return Message{}, fmt.Errorf("compressing %q: %w", m.Payload.Name, err)
	}
	if algorithm == compress.None {
		return m, nil
	}
	payload := *m.Payload
	payload.Data = data
	m.Size = len(m.Payload.Data)
	m.Payload = &payload
	m.Compression = algorithm
	return m, nil
}

// Open returns a copy of m with Payload.Data decompressed and the
// compression fields cleared.
func (m Message) Open() (Message, error) {
	if m.Compression == compress.None {
		return m, nil
	}
	if m.Payload == nil {
		return Message{}, fmt.Errorf("%s message declares %s compression but has no payload", m.Type, m.Compression)
	}
	if m.Size > maxDataSize {
		return Message{}, fmt.Errorf("payload %q declares %d bytes, limit is %d", m.Payload.Name, m.Size, maxDataSize)
	}
	data, err := compress.Decompress(m.Payload.Data, m.Compression, m.Size)
	if err != nil {
		return Message{}, fmt.Errorf("decompressing %q: %w", m.Payload.Name, err)
	}
	payload := *m.Payload
	payload.Data = data
	m.Payload = &payload
	m.Compression = compress.None
	m.Size = 0
	return m, nil
}
