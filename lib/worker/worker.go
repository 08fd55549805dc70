// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the worker side of the manager's
// protocols for a synthetic worker: it follows graph distributions,
// answers bulk-pull count queries from a fixed feature table, pushes
// its quota of items, and streams heartbeats and results over an
// ingestion stream.
//
// Real workers run detector analysis between receiving a graph and
// publishing results. The synthetic worker publishes canned items, which
// is enough to drive the manager end to end in tests and demos.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ami-project/ami/lib/clock"
	"github.com/ami-project/ami/lib/codec"
	"github.com/ami-project/ami/lib/collective"
	"github.com/ami-project/ami/lib/controlplane"
	"github.com/ami-project/ami/lib/graph"
	"github.com/ami-project/ami/lib/ingest"
	"github.com/ami-project/ami/lib/results"
)

// Publisher sends ingestion messages to the manager. *ingest.Stream
// implements it.
type Publisher interface {
	Send(message ingest.Message) error
}

// Feature is one named result a worker can produce. Items are
// published oldest first; the count reported to the manager is
// len(Items).
type Feature struct {
	Descriptor string
	Items      [][]byte
}

// Config configures a Worker.
type Config struct {
	// Comm is the worker's collective endpoint. Required.
	Comm collective.Comm

	// Publisher carries results and heartbeats. Required.
	Publisher Publisher

	// Features is the worker's feature table, keyed by name.
	Features map[string]Feature

	// HeartbeatInterval between heartbeat messages. Zero disables
	// heartbeats.
	HeartbeatInterval time.Duration

	// Clock stamps messages and drives heartbeats. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Worker is a synthetic worker process.
type Worker struct {
	comm      collective.Comm
	publisher Publisher
	features  map[string]Feature
	heartbeat time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	graph  graph.Info
	graphs uint64
}

// New creates a Worker. Panics if Comm or Publisher is nil.
func New(config Config) *Worker {
	if config.Comm == nil {
		panic("worker.New: Comm is required")
	}
	if config.Publisher == nil {
		panic("worker.New: Publisher is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Worker{
		comm:      config.Comm,
		publisher: config.Publisher,
		features:  config.Features,
		heartbeat: config.HeartbeatInterval,
		clock:     config.Clock,
		logger:    config.Logger.With("rank", int(config.Comm.Rank())),
	}
}

// Graph returns the last graph received and the number of graphs
// received so far.
func (w *Worker) Graph() (graph.Info, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.graph, w.graphs
}

// Run serves both tags until ctx is done or the collective endpoint
// closes. It returns nil on either.
func (w *Worker) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return w.graphLoop(groupCtx) })
	group.Go(func() error { return w.featureLoop(groupCtx) })
	if w.heartbeat > 0 {
		group.Go(func() error { return w.heartbeatLoop(groupCtx) })
	}
	err := group.Wait()
	if errors.Is(err, collective.ErrClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

// graphLoop records every distributed graph, reports a configure
// transition and publishes the first item of every feature, standing
// in for the results of running the graph.
func (w *Worker) graphLoop(ctx context.Context) error {
	for {
		envelope, err := w.comm.Receive(ctx, collective.TagGraph)
		if err != nil {
			return err
		}

		w.mu.Lock()
		w.graphs++
		w.graph = graph.Info{Version: w.graphs, Digest: graph.Sum(envelope.Payload), Size: len(envelope.Payload)}
		info := w.graph
		w.mu.Unlock()

		w.logger.Info("received graph", "version", info.Version, "digest", info.Digest.String())

		if err := w.publish(ingest.Message{Type: ingest.Transition}); err != nil {
			return err
		}
		for _, name := range w.featureNames() {
			if err := w.publishItems(name, 1); err != nil {
				return err
			}
		}
	}
}

// featureLoop answers count queries and carries out quota
// assignments.
func (w *Worker) featureLoop(ctx context.Context) error {
	for {
		envelope, err := w.comm.Receive(ctx, collective.TagFeature)
		if err != nil {
			return err
		}
		message, err := controlplane.DecodeFeatureMessage(envelope.Payload)
		if err != nil {
			w.logger.Warn("dropping malformed feature message", "error", err)
			continue
		}

		switch message := message.(type) {
		case controlplane.CountQuery:
			reply := controlplane.CountReply{Sequence: message.Sequence, Count: w.count(message.Name)}
			encoded, err := codec.Marshal(reply)
			if err != nil {
				return fmt.Errorf("encoding count reply: %w", err)
			}
			if err := w.comm.Send(ctx, collective.ManagerRank, collective.TagFeature, encoded); err != nil {
				return fmt.Errorf("sending count for %q: %w", message.Name, err)
			}
			w.logger.Debug("answered count query",
				"feature", message.Name,
				"sequence", message.Sequence,
				"count", reply.Count,
			)
		case controlplane.QuotaAssignment:
			w.logger.Debug("received quota",
				"feature", message.Name,
				"sequence", message.Sequence,
				"quota", message.Quota,
			)
			if err := w.publishItems(message.Name, message.Quota); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.publish(ingest.Message{Type: ingest.Heartbeat}); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) count(name string) int {
	return len(w.features[name].Items)
}

func (w *Worker) featureNames() []string {
	names := make([]string, 0, len(w.features))
	for name := range w.features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// publishItems sends up to limit items of name as datagrams.
func (w *Worker) publishItems(name string, limit int) error {
	feature, ok := w.features[name]
	if !ok {
		return nil
	}
	items := feature.Items
	if limit < len(items) {
		items = items[:max(limit, 0)]
	}
	for _, data := range items {
		message := ingest.Message{
			Type:    ingest.Datagram,
			Payload: &results.Payload{Name: name, Descriptor: feature.Descriptor, Data: data},
		}
		if err := w.publish(message); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) publish(message ingest.Message) error {
	message.Source = int(w.comm.Rank())
	message.Timestamp = w.clock.Now().UnixNano()
	if err := w.publisher.Send(message); err != nil {
		return fmt.Errorf("publishing %s: %w", message.Type, err)
	}
	return nil
}
