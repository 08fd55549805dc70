// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the manager's standard CBOR encoding
// configuration.
//
// Every protocol the manager speaks is CBOR: the client control-plane
// request/reply frames, the collective frames exchanged with worker
// ranks, and the ingestion message stream. This package holds the
// shared encoding and decoding modes so that all of them encode
// identically. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items.
//
// For buffer-oriented operations (collective payloads, stored graphs):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Graphs and result data are opaque to the manager. They travel as
// [RawMessage] values and are never decoded past the envelope.
package codec
