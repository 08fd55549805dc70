// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Package controlplane implements the manager's client-facing
// request/reply service and the worker negotiations it triggers.
//
// Clients hold a persistent TCP connection and write CBOR [Request]
// values; each gets exactly one CBOR [Response]. Requests from all
// connections are processed one at a time by a single dispatcher
// goroutine, so at most one request is in flight and a connection's
// replies come back in the order its requests were sent.
//
// Commands:
//
//	get_features     ok + {name: descriptor} for every stored result
//	get_graph        ok + the current graph, byte-for-byte
//	set_graph        replace the graph, send it to every worker; ok or error
//	feature:<name>   run the bulk-pull handshake, then ok + data or error
//
// Anything else is answered with "error" and causes no worker
// traffic.
//
// The bulk-pull handshake has three phases on [collective.TagFeature]:
// a [CountQuery] to every worker, one [CountReply] gathered from each,
// and a [QuotaAssignment] to each computed by the server's
// [QuotaPolicy]. Each phase is bounded by the collective channel's
// timeout. The handshake only influences what workers publish next;
// the reply itself is whatever the result store holds once the
// handshake completes.
package controlplane
