// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"fmt"
)

// MemoryComm is an in-process communicator. All communicators of one
// MemoryWorld share their mailboxes; Send completes as soon as the
// envelope is queued at the destination.
type MemoryComm struct {
	rank  Rank
	boxes []*mailbox
}

var _ Comm = (*MemoryComm)(nil)

// MemoryWorld returns size connected communicators; element i has
// rank i. Panics if size < 1.
func MemoryWorld(size int) []*MemoryComm {
	if size < 1 {
		panic(fmt.Sprintf("collective.MemoryWorld: size must be positive, got %d", size))
	}
	boxes := make([]*mailbox, size)
	for i := range boxes {
		boxes[i] = newMailbox()
	}
	comms := make([]*MemoryComm, size)
	for i := range comms {
		comms[i] = &MemoryComm{rank: Rank(i), boxes: boxes}
	}
	return comms
}

// Rank returns this communicator's rank.
func (c *MemoryComm) Rank() Rank { return c.rank }

// Size returns the pool size.
func (c *MemoryComm) Size() int { return len(c.boxes) }

// Send queues a copy of payload at dest.
func (c *MemoryComm) Send(ctx context.Context, dest Rank, tag Tag, payload []byte) error {
	if err := validateDest(c.rank, len(c.boxes), dest); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	if err := c.boxes[dest].put(Envelope{
		Source:  c.rank,
		Tag:     tag,
		Payload: append([]byte(nil), payload...),
	}); err != nil {
		return fmt.Errorf("sending to rank %d: %w", dest, err)
	}
	return nil
}

// Receive takes the oldest envelope with tag from this rank's mailbox.
func (c *MemoryComm) Receive(ctx context.Context, tag Tag) (Envelope, error) {
	return c.boxes[c.rank].take(ctx, tag)
}

// Close closes this rank's mailbox. Sends to it fail afterwards,
// which is how tests simulate an unreachable worker.
func (c *MemoryComm) Close() error {
	c.boxes[c.rank].close()
	return nil
}
