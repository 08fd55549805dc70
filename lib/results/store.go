// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Package results holds the latest value of every named result the
// workers have published. Results arrive through the ingestion path
// and are read by the control plane; the store keeps no history and
// nothing is ever deleted.
package results

import (
	"sort"
	"sync"
)

// Payload is one named, typed result.
type Payload struct {
	// Name is the unique key, e.g. "cspad:roi".
	Name string `cbor:"name"`

	// Descriptor describes the encoded value, e.g. "float64[1024]".
	// The store never interprets it.
	Descriptor string `cbor:"descriptor"`

	// Data is the encoded value.
	Data []byte `cbor:"data"`
}

// clone returns a copy that shares no memory with p.
func (p Payload) clone() Payload {
	if p.Data != nil {
		p.Data = append([]byte(nil), p.Data...)
	}
	return p
}

// Store maps result names to their latest payload. Writes replace the
// whole entry; readers always get copies, so a reader can never
// observe a payload mid-write and a Descriptors snapshot reflects a
// single instant. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Payload
	writes  uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]Payload)}
}

// Put stores a private copy of payload under payload.Name, replacing
// any previous value.
func (s *Store) Put(payload Payload) {
	stored := payload.clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[stored.Name] = stored
	s.writes++
}

// Get returns a copy of the payload stored under name.
func (s *Store) Get(name string) (Payload, bool) {
	s.mu.RLock()
	payload, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return Payload{}, false
	}
	return payload.clone(), true
}

// Descriptors returns a snapshot mapping every stored name to its
// descriptor.
func (s *Store) Descriptors() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]string, len(s.entries))
	for name, payload := range s.entries {
		snapshot[name] = payload.Descriptor
	}
	return snapshot
}

// Names returns the stored names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Len returns the number of stored names.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Writes returns the total number of Put calls.
func (s *Store) Writes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
