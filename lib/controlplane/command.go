// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"fmt"
	"strings"

	"github.com/ami-project/ami/lib/codec"
)

// Command is a parsed client request. The set of implementations is
// closed: GetFeatures, GetGraph, SetGraph, Feature and Invalid.
type Command interface {
	// Name is the label used in logs and metrics.
	Name() string

	command()
}

// GetFeatures requests the name-to-descriptor map of stored results.
type GetFeatures struct{}

// GetGraph requests the current graph.
type GetGraph struct{}

// SetGraph replaces the graph and distributes it to the workers.
type SetGraph struct {
	Graph codec.RawMessage
}

// Feature requests one stored result after the bulk-pull handshake.
// Result may be empty.
type Feature struct {
	Result string
}

// Invalid is any request that could not be parsed into one of the
// other commands. It is answered with an error and no worker traffic.
type Invalid struct {
	Reason string
}

func (GetFeatures) Name() string { return CommandGetFeatures }
func (GetGraph) Name() string    { return CommandGetGraph }
func (SetGraph) Name() string    { return CommandSetGraph }
func (Feature) Name() string     { return "feature" }
func (Invalid) Name() string     { return "invalid" }

func (GetFeatures) command() {}
func (GetGraph) command()    {}
func (SetGraph) command()    {}
func (Feature) command()     {}
func (Invalid) command()     {}

// cborNull is the CBOR encoding of null.
const cborNull = 0xf6

// ParseRequest decodes one raw request frame into a Command. It never
// fails: anything unusable becomes Invalid.
func ParseRequest(raw []byte) Command {
	var request Request
	if err := codec.Unmarshal(raw, &request); err != nil {
		return Invalid{Reason: fmt.Sprintf("malformed request: %v", err)}
	}
	return ParseCommand(request)
}

// ParseCommand maps a decoded request to a Command.
func ParseCommand(request Request) Command {
	switch request.Command {
	case CommandGetFeatures:
		return GetFeatures{}
	case CommandGetGraph:
		return GetGraph{}
	case CommandSetGraph:
		if len(request.Payload) == 0 || (len(request.Payload) == 1 && request.Payload[0] == cborNull) {
			return Invalid{Reason: "set_graph requires a graph payload"}
		}
		return SetGraph{Graph: request.Payload}
	}
	if name, ok := strings.CutPrefix(request.Command, FeaturePrefix); ok {
		return Feature{Result: name}
	}
	if request.Command == "" {
		return Invalid{Reason: "missing command"}
	}
	return Invalid{Reason: fmt.Sprintf("unknown command %q", request.Command)}
}
