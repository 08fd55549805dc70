// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Package graph holds the manager's copy of the computation graph the
// workers run. The graph is opaque here: it is kept as the raw CBOR
// bytes the client sent and returned byte-for-byte. Each replacement
// bumps a version counter and records a BLAKE3 digest so log lines
// and status output can tell graphs apart.
package graph

import (
	"encoding/hex"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/ami-project/ami/lib/codec"
)

// emptyMap is the CBOR encoding of an empty map, the graph a new
// store holds.
var emptyMap = codec.RawMessage{0xa0}

// Digest is a 32-byte BLAKE3 keyed hash of a graph's CBOR bytes.
type Digest [32]byte

// String returns the first 12 hex characters, enough to tell graphs
// apart in logs.
func (d Digest) String() string {
	return hex.EncodeToString(d[:6])
}

// Hex returns the full hex encoding.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// digestKey separates graph digests from any other BLAKE3 use of the
// same bytes. ASCII "ami.graph", zero-padded to 32 bytes.
var digestKey = [32]byte{
	'a', 'm', 'i', '.', 'g', 'r', 'a', 'p', 'h', 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Sum computes the digest of raw graph bytes.
func Sum(raw []byte) Digest {
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		// Only returned for a key of the wrong length.
		panic("graph: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(raw)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// Info describes the stored graph.
type Info struct {
	// Version is 0 for the initial empty graph and increments on
	// every Replace.
	Version uint64

	// Digest is Sum of the stored bytes.
	Digest Digest

	// Size is the length of the stored bytes.
	Size int
}

// Store holds the current graph. Safe for concurrent use; in the
// manager only the control-plane dispatcher writes it.
type Store struct {
	mu   sync.RWMutex
	raw  codec.RawMessage
	info Info
}

// NewStore returns a store holding the empty graph.
func NewStore() *Store {
	return &Store{
		raw:  append(codec.RawMessage(nil), emptyMap...),
		info: Info{Digest: Sum(emptyMap), Size: len(emptyMap)},
	}
}

// Replace stores a copy of graph and returns the new Info. The bytes
// are not validated or decoded.
func (s *Store) Replace(graph codec.RawMessage) Info {
	stored := append(codec.RawMessage(nil), graph...)
	digest := Sum(stored)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = stored
	s.info = Info{Version: s.info.Version + 1, Digest: digest, Size: len(stored)}
	return s.info
}

// Get returns a copy of the current graph bytes.
func (s *Store) Get() codec.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(codec.RawMessage(nil), s.raw...)
}

// Info returns the current version, digest and size.
func (s *Store) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}
