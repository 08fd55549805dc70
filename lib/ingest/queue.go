// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"fmt"
)

// DefaultQueueCapacity is the number of messages a Queue buffers
// before Deliver blocks.
const DefaultQueueCapacity = 1024

// Queue delivers messages to a single Processor in arrival order.
// Producers call Deliver from any goroutine; Run is the one consumer.
type Queue struct {
	processor Processor
	messages  chan Message
}

// NewQueue returns a Queue feeding processor. A capacity <= 0 uses
// DefaultQueueCapacity.
func NewQueue(processor Processor, capacity int) *Queue {
	if processor == nil {
		panic("ingest.NewQueue: processor is required")
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		processor: processor,
		messages:  make(chan Message, capacity),
	}
}

// Deliver enqueues message. It blocks while the queue is full, which
// pushes back on the sending stream.
func (q *Queue) Deliver(ctx context.Context, message Message) error {
	select {
	case q.messages <- message:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delivering %s message: %w", message.Type, context.Cause(ctx))
	}
}

// Len returns the number of messages waiting.
func (q *Queue) Len() int { return len(q.messages) }

// Run passes queued messages to the processor until ctx is done.
// Messages still queued at that point are dropped.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case message := <-q.messages:
			q.processor.Process(message)
		case <-ctx.Done():
			return
		}
	}
}
