// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"log/slog"
	"sync"

	"github.com/ami-project/ami/lib/results"
)

// Recorder receives ingestion events for metrics. Implementations
// must be safe for concurrent use.
type Recorder interface {
	// MessageProcessed is called once per message.
	MessageProcessed(messageType MessageType)

	// ResultsStored is called after each store write with the
	// number of names in the store.
	ResultsStored(count int)
}

// Processor consumes messages. A Queue delivers to one Processor.
type Processor interface {
	Process(message Message)
}

// Handler applies messages to the result store.
type Handler struct {
	store    *results.Store
	recorder Recorder
	logger   *slog.Logger

	mu     sync.Mutex
	counts map[MessageType]uint64
}

var _ Processor = (*Handler)(nil)

// NewHandler returns a Handler writing into store. recorder may be
// nil.
func NewHandler(store *results.Store, recorder Recorder, logger *slog.Logger) *Handler {
	if store == nil {
		panic("ingest.NewHandler: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    store,
		recorder: recorder,
		logger:   logger,
		counts:   make(map[MessageType]uint64),
	}
}

// Process stores the payload of a Datagram message. Other message
// types are counted and otherwise ignored.
func (h *Handler) Process(message Message) {
	h.mu.Lock()
	h.counts[message.Type]++
	h.mu.Unlock()
	if h.recorder != nil {
		h.recorder.MessageProcessed(message.Type)
	}

	if message.Type != Datagram || message.Payload == nil {
		return
	}

	h.store.Put(*message.Payload)
	if h.recorder != nil {
		h.recorder.ResultsStored(h.store.Len())
	}
	h.logger.Debug("result stored",
		"name", message.Payload.Name,
		"descriptor", message.Payload.Descriptor,
		"size", len(message.Payload.Data),
		"source", message.Source,
	)
}

// Counts returns how many messages of each type have been processed.
func (h *Handler) Counts() map[MessageType]uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[MessageType]uint64, len(h.counts))
	for messageType, count := range h.counts {
		counts[messageType] = count
	}
	return counts
}
