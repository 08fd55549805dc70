// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ami-project/ami/lib/clock"
	"github.com/ami-project/ami/lib/collective"
	"github.com/ami-project/ami/lib/config"
	"github.com/ami-project/ami/lib/controlplane"
	"github.com/ami-project/ami/lib/graph"
	"github.com/ami-project/ami/lib/ingest"
	"github.com/ami-project/ami/lib/results"
	"github.com/ami-project/ami/lib/service"
)

// manager owns the process-wide state and the lifecycle of every
// endpoint: the ingestion listener, the collective hub, the
// control-plane server and the optional metrics server.
type manager struct {
	config   *config.Config
	clock    clock.Clock
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *controlplane.Metrics
	results  *results.Store
	graph    *graph.Store

	hub atomic.Pointer[collective.TCPHub]

	// listening is closed once the collective and ingest listeners
	// are bound; serving once the control-plane server accepts
	// connections. The addresses are valid after the matching
	// channel is closed.
	listening      chan struct{}
	serving        chan struct{}
	collectiveAddr net.Addr
	ingestAddr     net.Addr
	controlAddr    net.Addr
}

func newManager(cfg *config.Config, clk clock.Clock, logger *slog.Logger) *manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &manager{
		config:    cfg,
		clock:     clk,
		logger:    logger,
		registry:  registry,
		metrics:   controlplane.NewMetrics(registry),
		results:   results.NewStore(),
		graph:     graph.NewStore(),
		listening: make(chan struct{}),
		serving:   make(chan struct{}),
	}
}

// compressionThreshold maps the configured threshold, where zero
// disables compression, onto the collective transport's convention.
func (m *manager) compressionThreshold() int {
	if m.config.Compression.Threshold == 0 {
		return -1
	}
	return m.config.Compression.Threshold
}

// health fails until every worker rank is connected.
func (m *manager) health() error {
	hub := m.hub.Load()
	if hub == nil {
		return fmt.Errorf("waiting for %d workers to join", m.config.Manager.PoolSize-1)
	}
	if connected := len(hub.Connected()); connected < hub.Size()-1 {
		return fmt.Errorf("%d of %d workers connected", connected, hub.Size()-1)
	}
	return nil
}

// run binds every endpoint, waits for the worker pool to join and
// then serves until ctx is cancelled. Ingestion starts before the
// join so workers may publish as soon as they are up.
func (m *manager) run(ctx context.Context) error {
	managerConfig := m.config.Manager

	collectiveListener, err := net.Listen("tcp", managerConfig.CollectiveAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", managerConfig.CollectiveAddress, err)
	}

	handler := ingest.NewHandler(m.results, m.metrics, m.logger)
	queue := ingest.NewQueue(handler, ingest.DefaultQueueCapacity)
	ingestListener, err := ingest.Listen(ingest.ListenerConfig{
		Address: managerConfig.IngestAddress,
		Queue:   queue,
		Logger:  m.logger,
	})
	if err != nil {
		collectiveListener.Close()
		return err
	}

	m.collectiveAddr = collectiveListener.Addr()
	m.ingestAddr = ingestListener.Addr()
	close(m.listening)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		queue.Run(ctx)
		return nil
	})
	group.Go(func() error { return ingestListener.Serve(ctx) })

	if managerConfig.MetricsAddress != "" {
		httpServer := service.NewHTTPServer(service.HTTPServerConfig{
			Address: managerConfig.MetricsAddress,
			Handler: service.NewHandler(m.registry, m.health),
			Logger:  m.logger,
		})
		group.Go(func() error { return httpServer.Serve(ctx) })
	}

	group.Go(func() error {
		hub, err := collective.ServeTCP(ctx, collectiveListener, collective.TCPConfig{
			Size:                 managerConfig.PoolSize,
			JoinTimeout:          managerConfig.JoinTimeout,
			CompressionThreshold: m.compressionThreshold(),
			Clock:                m.clock,
			Logger:               m.logger,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("joining worker pool: %w", err)
		}
		defer hub.Close()
		m.hub.Store(hub)

		return m.serveControl(ctx, hub)
	})

	return group.Wait()
}

// serveControl runs the control-plane server over comm until ctx is
// cancelled.
func (m *manager) serveControl(ctx context.Context, comm collective.Comm) error {
	managerConfig := m.config.Manager
	channel := collective.NewChannel(collective.ChannelConfig{
		Comm:    comm,
		Timeout: managerConfig.CollectiveTimeout,
		Clock:   m.clock,
		Logger:  m.logger,
	})
	policy := controlplane.FixedQuota{
		Rank:  collective.Rank(m.config.Pull.QuotaRank),
		Quota: m.config.Pull.Quota,
	}
	server := controlplane.NewServer(controlplane.Config{
		Address:        managerConfig.ControlAddress,
		Channel:        channel,
		Results:        m.results,
		Graph:          m.graph,
		QuotaPolicy:    policy,
		MaxRequestSize: managerConfig.MaxRequestSize,
		Clock:          m.clock,
		Logger:         m.logger,
		Metrics:        m.metrics,
	})
	if err := server.Start(ctx); err != nil {
		return err
	}
	m.controlAddr = server.Addr()
	close(m.serving)

	<-ctx.Done()
	server.Stop()
	return nil
}
