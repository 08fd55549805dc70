// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ami-project/ami/lib/codec"
	"github.com/ami-project/ami/lib/collective"
)

// setGraph replaces the stored graph and sends it to every worker.
// The store is updated before any traffic and is not rolled back if
// distribution fails: get_graph reflects the last graph a client set,
// not the last one every worker received.
func (s *Server) setGraph(ctx context.Context, logger *slog.Logger, graph codec.RawMessage) Reply {
	info := s.graph.Replace(graph)
	logger = logger.With("graph_version", info.Version, "graph_digest", info.Digest.String())

	logger.Info("sending requested graph",
		"size", info.Size,
		"workers", len(s.channel.Workers()),
	)

	err := s.distributeGraph(ctx, graph)
	s.metrics.observeDistribution(info.Version, err)
	if err != nil {
		logger.Error("failed to send graph", "error", err)
		return failure(fmt.Sprintf("distributing graph: %v", err))
	}

	logger.Info("sending of graph completed")
	return Simple(StatusOK)
}

// distributeGraph fans graph out on TagGraph and waits for every send.
// The bytes go out exactly as the client sent them.
func (s *Server) distributeGraph(ctx context.Context, graph codec.RawMessage) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := s.clock.Now()
	handles, err := s.channel.FanOutSend(ctx, graph, collective.TagGraph)
	if err == nil {
		err = s.channel.WaitAll(ctx, handles)
	}
	s.metrics.observePhase(PhaseGraph, err, s.clock.Now().Sub(start))
	return err
}
