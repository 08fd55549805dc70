// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"errors"
	"fmt"
)

// Rank identifies a process in the pool. Rank 0 is the manager.
type Rank int

const (
	// ManagerRank is the rank of the manager process.
	ManagerRank Rank = 0

	// AnySource is the Source of an envelope whose sender is not
	// known. Receive matches messages from every rank.
	AnySource Rank = -1
)

// Tag separates concurrently used message kinds. Values are wire
// constants shared with workers.
type Tag int

const (
	// TagGraph carries a full computation graph from the manager to
	// every worker.
	TagGraph Tag = 1

	// TagFeature carries the feature-pull negotiation: count
	// queries, count replies and quota assignments.
	TagFeature Tag = 2
)

// String returns a name for log output.
func (tag Tag) String() string {
	switch tag {
	case TagGraph:
		return "graph"
	case TagFeature:
		return "feature"
	default:
		return fmt.Sprintf("tag(%d)", int(tag))
	}
}

var (
	// ErrTimeout is returned when a bounded wait on the pool expires.
	ErrTimeout = errors.New("collective: timed out waiting for worker pool")

	// ErrClosed is returned by operations on a closed communicator.
	ErrClosed = errors.New("collective: communicator closed")

	// ErrInvalidRank is returned when a message is addressed to a
	// rank outside the pool or unreachable from this communicator.
	ErrInvalidRank = errors.New("collective: invalid rank")
)

// Envelope is one received message.
type Envelope struct {
	Source  Rank
	Tag     Tag
	Payload []byte
}

// Comm is a communicator bound to one rank of a fixed pool.
type Comm interface {
	// Rank returns this communicator's rank.
	Rank() Rank

	// Size returns the pool size including the manager.
	Size() int

	// Send delivers payload to dest under tag. It returns once the
	// transport has accepted the message, or with the context's
	// error. The caller must not modify payload afterwards.
	Send(ctx context.Context, dest Rank, tag Tag, payload []byte) error

	// Receive blocks until a message with tag arrives from any
	// source and returns it. Messages with other tags are left for
	// their own receivers.
	Receive(ctx context.Context, tag Tag) (Envelope, error)

	// Close releases the communicator. Blocked Receive calls return
	// ErrClosed.
	Close() error
}

// validateDest checks that dest is a rank of a pool of size other
// than self.
func validateDest(self Rank, size int, dest Rank) error {
	if dest < 0 || int(dest) >= size || dest == self {
		return fmt.Errorf("%w: %d (pool size %d, self %d)", ErrInvalidRank, dest, size, self)
	}
	return nil
}
