// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"fmt"

	"github.com/ami-project/ami/lib/codec"
)

// Status is the two-valued outcome of a request.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Command names on the wire.
const (
	CommandGetFeatures = "get_features"
	CommandGetGraph    = "get_graph"
	CommandSetGraph    = "set_graph"

	// FeaturePrefix starts a feature request; the rest of the
	// command string is the feature name.
	FeaturePrefix = "feature:"
)

// Request is one client request frame.
type Request struct {
	Command string           `cbor:"command"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// Response is one reply frame. Reason is diagnostic text for
// failures; clients must branch on Status only.
type Response struct {
	Status  Status           `cbor:"status"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
	Reason  string           `cbor:"reason,omitempty"`
}

// CountQuery asks every worker how many items it holds for Name.
// Sent on collective.TagFeature.
type CountQuery struct {
	Name string `cbor:"name"`

	// Sequence identifies the handshake. Workers echo it in their
	// CountReply.
	Sequence uint64 `cbor:"sequence"`
}

// CountReply is a worker's answer to a CountQuery.
type CountReply struct {
	Sequence uint64 `cbor:"sequence"`
	Count    int    `cbor:"count"`
}

// QuotaAssignment tells one worker how many items to publish for
// Name.
type QuotaAssignment struct {
	Sequence uint64 `cbor:"sequence"`
	Name     string `cbor:"name"`
	Quota    int    `cbor:"quota"`
}

// DecodeFeatureMessage decodes a manager-to-worker message on
// collective.TagFeature into a CountQuery or a QuotaAssignment. The
// two are told apart by the presence of the quota field.
func DecodeFeatureMessage(raw []byte) (any, error) {
	var envelope struct {
		Name     string `cbor:"name"`
		Sequence uint64 `cbor:"sequence"`
		Quota    *int   `cbor:"quota"`
	}
	if err := codec.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decoding feature message: %w", err)
	}
	if envelope.Quota != nil {
		return QuotaAssignment{Sequence: envelope.Sequence, Name: envelope.Name, Quota: *envelope.Quota}, nil
	}
	return CountQuery{Name: envelope.Name, Sequence: envelope.Sequence}, nil
}
