// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"sync"
)

// mailbox holds received envelopes in one FIFO per tag. Puts never
// block; a receiver waiting on a tag is woken through a per-tag
// channel that is closed and replaced on every put.
type mailbox struct {
	mu      sync.Mutex
	queues  map[Tag][]Envelope
	waiters map[Tag]chan struct{}
	closed  bool
}

func newMailbox() *mailbox {
	return &mailbox{
		queues:  make(map[Tag][]Envelope),
		waiters: make(map[Tag]chan struct{}),
	}
}

func (m *mailbox) put(envelope Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.queues[envelope.Tag] = append(m.queues[envelope.Tag], envelope)
	if waiter, ok := m.waiters[envelope.Tag]; ok {
		close(waiter)
		delete(m.waiters, envelope.Tag)
	}
	return nil
}

func (m *mailbox) take(ctx context.Context, tag Tag) (Envelope, error) {
	for {
		m.mu.Lock()
		if queue := m.queues[tag]; len(queue) > 0 {
			envelope := queue[0]
			queue[0] = Envelope{}
			if len(queue) == 1 {
				delete(m.queues, tag)
			} else {
				m.queues[tag] = queue[1:]
			}
			m.mu.Unlock()
			return envelope, nil
		}
		if m.closed {
			m.mu.Unlock()
			return Envelope{}, ErrClosed
		}
		waiter, ok := m.waiters[tag]
		if !ok {
			waiter = make(chan struct{})
			m.waiters[tag] = waiter
		}
		m.mu.Unlock()

		select {
		case <-waiter:
		case <-ctx.Done():
			return Envelope{}, context.Cause(ctx)
		}
	}
}

// pending returns the number of queued envelopes for tag.
func (m *mailbox) pending(tag Tag) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[tag])
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for tag, waiter := range m.waiters {
		close(waiter)
		delete(m.waiters, tag)
	}
}
