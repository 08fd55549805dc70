// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ami-project/ami/lib/clock"
	"github.com/ami-project/ami/lib/codec"
)

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// Comm is the manager-side communicator. Its Rank must be
	// ManagerRank. Required.
	Comm Comm

	// Timeout bounds every WaitAll and ReceiveAny. Zero disables
	// the bound and waits are limited only by the caller's context.
	Timeout time.Duration

	// Clock drives the timeout. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Channel is the manager's handle on the worker pool. Values are
// CBOR-encoded once per fan-out and the same bytes go to every
// worker.
type Channel struct {
	comm    Comm
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// NewChannel creates a Channel. Panics if config.Comm is nil.
func NewChannel(config ChannelConfig) *Channel {
	if config.Comm == nil {
		panic("collective.NewChannel: Comm is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Channel{
		comm:    config.Comm,
		timeout: config.Timeout,
		clock:   config.Clock,
		logger:  config.Logger,
	}
}

// Handle tracks one outstanding send.
type Handle struct {
	Rank Rank

	done chan struct{}
	err  error
}

// Done is closed once the send has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the send's error. Only valid after Done is closed.
func (h *Handle) Err() error { return h.err }

// Workers returns the worker ranks 1..N-1 in ascending order.
func (c *Channel) Workers() []Rank {
	size := c.comm.Size()
	if size <= 1 {
		return nil
	}
	ranks := make([]Rank, 0, size-1)
	for rank := Rank(1); int(rank) < size; rank++ {
		ranks = append(ranks, rank)
	}
	return ranks
}

// Timeout returns the configured wait bound.
func (c *Channel) Timeout() time.Duration { return c.timeout }

// FanOutSend encodes value once and starts a send to every worker.
// The returned handles are in rank order. Sends run until they
// complete or ctx is cancelled; callers that give up on a fan-out
// should cancel ctx so that no send outlives them.
func (c *Channel) FanOutSend(ctx context.Context, value any, tag Tag) ([]*Handle, error) {
	payload, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", tag, err)
	}
	workers := c.Workers()
	handles := make([]*Handle, len(workers))
	for i, rank := range workers {
		handles[i] = c.start(ctx, rank, tag, payload)
	}
	return handles, nil
}

// TargetedSend encodes value and starts a send to a single rank.
func (c *Channel) TargetedSend(ctx context.Context, value any, tag Tag, rank Rank) (*Handle, error) {
	if err := validateDest(c.comm.Rank(), c.comm.Size(), rank); err != nil {
		return nil, err
	}
	payload, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", tag, err)
	}
	return c.start(ctx, rank, tag, payload), nil
}

func (c *Channel) start(ctx context.Context, rank Rank, tag Tag, payload []byte) *Handle {
	handle := &Handle{Rank: rank, done: make(chan struct{})}
	go func() {
		defer close(handle.done)
		handle.err = c.comm.Send(ctx, rank, tag, payload)
	}()
	return handle
}

// WaitAll blocks until every handle is done. It returns the joined
// errors of failed sends, each naming its rank, or an error wrapping
// ErrTimeout if the channel's timeout expires first. Cancellation of
// ctx is reported as ctx's cause.
func (c *Channel) WaitAll(ctx context.Context, handles []*Handle) error {
	ctx, release := c.Bounded(ctx)
	defer release()

	var errs []error
	for _, handle := range handles {
		select {
		case <-handle.done:
			if handle.err != nil {
				errs = append(errs, fmt.Errorf("rank %d: %w", handle.Rank, handle.err))
			}
		case <-ctx.Done():
			pending := pendingRanks(handles)
			c.logger.Debug("collective wait abandoned",
				"pending_ranks", pending,
				"error", context.Cause(ctx),
			)
			return fmt.Errorf("waiting for sends to ranks %v: %w", pending, context.Cause(ctx))
		}
	}
	return errors.Join(errs...)
}

// ReceiveAny blocks until a message with tag arrives from any worker
// and returns its source and raw CBOR payload. The wait is bounded by
// the channel's timeout.
func (c *Channel) ReceiveAny(ctx context.Context, tag Tag) (Rank, codec.RawMessage, error) {
	ctx, release := c.Bounded(ctx)
	defer release()

	envelope, err := c.comm.Receive(ctx, tag)
	if err != nil {
		return AnySource, nil, fmt.Errorf("receiving %s message: %w", tag, err)
	}
	return envelope.Source, codec.RawMessage(envelope.Payload), nil
}

// Bounded derives a context cancelled with ErrTimeout as its cause
// when the channel's timeout elapses on its clock. Callers use it to
// bound a sequence of receives as a whole. release must be called.
func (c *Channel) Bounded(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	if c.timeout <= 0 {
		return ctx, func() { cancel(nil) }
	}
	timer := c.clock.NewTimer(c.timeout)
	go func() {
		select {
		case <-timer.C:
			cancel(ErrTimeout)
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		timer.Stop()
		cancel(nil)
	}
}

func pendingRanks(handles []*Handle) []Rank {
	var pending []Rank
	for _, handle := range handles {
		select {
		case <-handle.done:
		default:
			pending = append(pending, handle.Rank)
		}
	}
	return pending
}
