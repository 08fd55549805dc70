// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest is the path by which worker results reach the
// result store.
//
// Workers open a TCP connection to the [Listener] and stream CBOR
// [Message] values on it. Each message is handed to a [Queue], whose
// single consumer passes messages to the [Handler] in arrival order.
// The handler writes Datagram payloads into the [results.Store] and
// counts every other message type without acting on it.
//
// The handler is the only writer of the result store. Readers (the
// control plane) never block ingestion for longer than one map
// update.
package ingest
