// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ami-project/ami/lib/codec"
	"github.com/ami-project/ami/lib/collective"
)

// PendingPull is the state of one bulk-pull handshake.
type PendingPull struct {
	Name     string
	Sequence uint64

	// Counts holds the count each worker reported.
	Counts map[collective.Rank]int

	// Quotas holds the quota sent to each worker.
	Quotas map[collective.Rank]int
}

// pullFeature runs the handshake for name and then answers from the
// result store. A handshake failure is an error reply even if the
// store holds the name.
func (s *Server) pullFeature(ctx context.Context, logger *slog.Logger, name string) Reply {
	logger = logger.With("feature", name)

	pull, err := s.negotiate(ctx, logger, name)
	if err != nil {
		logger.Warn("feature handshake failed", "sequence", pull.Sequence, "error", err)
		return failure(fmt.Sprintf("feature %q: %v", name, err))
	}

	payload, ok := s.results.Get(name)
	if !ok {
		logger.Debug("feature not in result store", "sequence", pull.Sequence)
		return failure(fmt.Sprintf("feature %q not found", name))
	}
	data, err := codec.Marshal(payload.Data)
	if err != nil {
		return failure(fmt.Sprintf("encoding feature %q: %v", name, err))
	}
	return WithPayload(StatusOK, data)
}

// negotiate runs the three handshake phases. The returned PendingPull
// is never nil and reflects how far the handshake got.
func (s *Server) negotiate(ctx context.Context, logger *slog.Logger, name string) (*PendingPull, error) {
	s.sequence++
	pull := &PendingPull{
		Name:     name,
		Sequence: s.sequence,
		Counts:   make(map[collective.Rank]int),
		Quotas:   make(map[collective.Rank]int),
	}

	// Sends still in flight when a phase fails are cancelled on
	// return.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := s.channel.Workers()

	if err := s.timePhase(PhaseCountQuery, func() error {
		return s.sendCountQuery(ctx, pull)
	}); err != nil {
		return pull, fmt.Errorf("count query: %w", err)
	}

	if err := s.timePhase(PhaseCountGather, func() error {
		return s.gatherCounts(ctx, logger, pull, workers)
	}); err != nil {
		return pull, fmt.Errorf("count gather: %w", err)
	}

	if err := s.timePhase(PhaseQuota, func() error {
		return s.sendQuotas(ctx, pull, workers)
	}); err != nil {
		return pull, fmt.Errorf("quota assignment: %w", err)
	}

	logger.Debug("feature handshake completed",
		"sequence", pull.Sequence,
		"counts", pull.Counts,
		"quotas", pull.Quotas,
	)
	return pull, nil
}

func (s *Server) timePhase(phase string, run func() error) error {
	start := s.clock.Now()
	err := run()
	s.metrics.observePhase(phase, err, s.clock.Now().Sub(start))
	return err
}

func (s *Server) sendCountQuery(ctx context.Context, pull *PendingPull) error {
	handles, err := s.channel.FanOutSend(ctx, CountQuery{Name: pull.Name, Sequence: pull.Sequence}, collective.TagFeature)
	if err != nil {
		return err
	}
	return s.channel.WaitAll(ctx, handles)
}

// gatherCounts receives until every worker has answered the current
// query. Replies to an earlier, abandoned handshake and repeated
// replies from one rank are dropped. The whole gather shares one
// timeout.
func (s *Server) gatherCounts(ctx context.Context, logger *slog.Logger, pull *PendingPull, workers []collective.Rank) error {
	ctx, release := s.channel.Bounded(ctx)
	defer release()

	for len(pull.Counts) < len(workers) {
		source, raw, err := s.channel.ReceiveAny(ctx, collective.TagFeature)
		if err != nil {
			return fmt.Errorf("%d of %d workers answered: %w", len(pull.Counts), len(workers), err)
		}

		var reply CountReply
		if err := codec.Unmarshal(raw, &reply); err != nil {
			return fmt.Errorf("decoding count reply from rank %d: %w", source, err)
		}

		switch {
		case reply.Sequence != pull.Sequence:
			logger.Warn("dropping stale count reply",
				"rank", source,
				"reply_sequence", reply.Sequence,
				"sequence", pull.Sequence,
			)
		case !slices.Contains(workers, source):
			logger.Warn("dropping count reply from unknown rank", "rank", source)
		default:
			if _, seen := pull.Counts[source]; seen {
				logger.Warn("dropping duplicate count reply", "rank", source)
				continue
			}
			pull.Counts[source] = reply.Count
		}
	}
	return nil
}

func (s *Server) sendQuotas(ctx context.Context, pull *PendingPull, workers []collective.Rank) error {
	quotas := s.policy.Assign(pull.Name, pull.Counts, workers)

	handles := make([]*collective.Handle, 0, len(workers))
	for _, rank := range workers {
		quota := quotas[rank]
		pull.Quotas[rank] = quota
		handle, err := s.channel.TargetedSend(ctx, QuotaAssignment{
			Sequence: pull.Sequence,
			Name:     pull.Name,
			Quota:    quota,
		}, collective.TagFeature, rank)
		if err != nil {
			return err
		}
		handles = append(handles, handle)
	}
	return s.channel.WaitAll(ctx, handles)
}
