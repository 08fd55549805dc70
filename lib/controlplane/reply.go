// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"github.com/ami-project/ami/lib/codec"
)

// Reply is the outcome of dispatching one command: either a bare
// status (Simple) or a status with a payload (WithPayload).
type Reply struct {
	status     Status
	payload    codec.RawMessage
	hasPayload bool
	reason     string
}

// Simple returns a reply carrying only status.
func Simple(status Status) Reply {
	return Reply{status: status}
}

// WithPayload returns a reply carrying status and a CBOR payload.
func WithPayload(status Status, payload codec.RawMessage) Reply {
	return Reply{status: status, payload: payload, hasPayload: true}
}

// failure returns an error reply with a diagnostic reason.
func failure(reason string) Reply {
	return Reply{status: StatusError, reason: reason}
}

// Status returns the reply status.
func (r Reply) Status() Status { return r.status }

// Payload returns the payload and whether the reply has one.
func (r Reply) Payload() (codec.RawMessage, bool) { return r.payload, r.hasPayload }

// Reason returns the diagnostic text, empty for most replies.
func (r Reply) Reason() string { return r.reason }

// Response returns the wire form.
func (r Reply) Response() Response {
	response := Response{Status: r.status, Reason: r.reason}
	if r.hasPayload {
		response.Payload = r.payload
	}
	return response
}
