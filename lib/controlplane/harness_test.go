// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ami-project/ami/lib/clock"
	"github.com/ami-project/ami/lib/codec"
	"github.com/ami-project/ami/lib/collective"
	"github.com/ami-project/ami/lib/graph"
	"github.com/ami-project/ami/lib/results"
	"github.com/ami-project/ami/lib/testutil"
)

const testTimeout = 30 * time.Second

// countingComm wraps the manager's communicator, counting sends per
// tag and optionally holding sends to some ranks until their context
// ends.
type countingComm struct {
	collective.Comm

	mu      sync.Mutex
	sent    map[collective.Tag]int
	blocked map[collective.Rank]bool
}

func (c *countingComm) Send(ctx context.Context, dest collective.Rank, tag collective.Tag, payload []byte) error {
	c.mu.Lock()
	c.sent[tag]++
	block := c.blocked[dest]
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return context.Cause(ctx)
	}
	return c.Comm.Send(ctx, dest, tag, payload)
}

func (c *countingComm) sentOn(tag collective.Tag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[tag]
}

func (c *countingComm) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, count := range c.sent {
		total += count
	}
	return total
}

// scriptedWorker plays the worker side of both protocols over a
// MemoryComm. It answers every CountQuery with its count unless it is
// silent, and records what it receives.
type scriptedWorker struct {
	comm   *collective.MemoryComm
	count  int
	silent bool

	graphs  chan codec.RawMessage
	queries chan CountQuery
	quotas  chan QuotaAssignment
	errs    chan error
}

func (w *scriptedWorker) runGraphs(ctx context.Context) {
	for {
		envelope, err := w.comm.Receive(ctx, collective.TagGraph)
		if err != nil {
			return
		}
		w.graphs <- codec.RawMessage(envelope.Payload)
	}
}

func (w *scriptedWorker) runFeatures(ctx context.Context) {
	awaitingQuota := false
	for {
		envelope, err := w.comm.Receive(ctx, collective.TagFeature)
		if err != nil {
			return
		}
		message, err := DecodeFeatureMessage(envelope.Payload)
		if err != nil {
			w.errs <- err
			continue
		}
		switch message := message.(type) {
		case CountQuery:
			if awaitingQuota && !w.silent {
				w.errs <- fmt.Errorf("rank %d: count query %d arrived before the previous quota", w.comm.Rank(), message.Sequence)
			}
			awaitingQuota = true
			w.queries <- message
			if w.silent {
				continue
			}
			reply, err := codec.Marshal(CountReply{Sequence: message.Sequence, Count: w.count})
			if err != nil {
				w.errs <- err
				continue
			}
			if err := w.comm.Send(ctx, collective.ManagerRank, collective.TagFeature, reply); err != nil {
				return
			}
		case QuotaAssignment:
			if !awaitingQuota {
				w.errs <- fmt.Errorf("rank %d: quota for sequence %d without a query", w.comm.Rank(), message.Sequence)
			}
			awaitingQuota = false
			w.quotas <- message
		}
	}
}

type harness struct {
	t       *testing.T
	server  *Server
	comms   []*collective.MemoryComm
	manager *countingComm
	workers []*scriptedWorker // indexed by rank; workers[0] is nil
	results *results.Store
	graph   *graph.Store
	clock   *clock.FakeClock
	metrics *Metrics
}

type harnessOptions struct {
	size    int
	silent  map[collective.Rank]bool
	blocked map[collective.Rank]bool
	closed  []collective.Rank
	timeout time.Duration
	config  func(*Config)
}

// newHarness starts a server over an in-memory pool of the given size
// with one scripted worker per rank. Worker rank r reports a count of
// 10*r.
func newHarness(t *testing.T, options harnessOptions) *harness {
	t.Helper()
	if options.size == 0 {
		options.size = 4
	}
	if options.timeout == 0 {
		options.timeout = testTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	comms := collective.MemoryWorld(options.size)
	for _, rank := range options.closed {
		comms[rank].Close()
	}

	manager := &countingComm{
		Comm:    comms[0],
		sent:    make(map[collective.Tag]int),
		blocked: options.blocked,
	}
	fake := clock.Fake(time.Unix(1700000000, 0))
	channel := collective.NewChannel(collective.ChannelConfig{
		Comm:    manager,
		Timeout: options.timeout,
		Clock:   fake,
		Logger:  testutil.Logger(),
	})

	h := &harness{
		t:       t,
		comms:   comms,
		manager: manager,
		workers: make([]*scriptedWorker, options.size),
		results: results.NewStore(),
		graph:   graph.NewStore(),
		clock:   fake,
	}

	for rank := 1; rank < options.size; rank++ {
		worker := &scriptedWorker{
			comm:    comms[rank],
			count:   10 * rank,
			silent:  options.silent[collective.Rank(rank)],
			graphs:  make(chan codec.RawMessage, 64),
			queries: make(chan CountQuery, 64),
			quotas:  make(chan QuotaAssignment, 64),
			errs:    make(chan error, 64),
		}
		h.workers[rank] = worker
		go worker.runGraphs(ctx)
		go worker.runFeatures(ctx)
	}

	config := Config{
		Address: "127.0.0.1:0",
		Channel: channel,
		Results: h.results,
		Graph:   h.graph,
		Clock:   fake,
		Logger:  testutil.Logger(),
	}
	if options.config != nil {
		options.config(&config)
	}
	h.metrics = config.Metrics

	h.server = NewServer(config)
	if err := h.server.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.server.Stop)
	return h
}

func (h *harness) dial() *Client {
	h.t.Helper()
	client, err := Dial(context.Background(), h.server.Addr().String())
	if err != nil {
		h.t.Fatalf("Dial: %v", err)
	}
	h.t.Cleanup(func() { client.Close() })
	return client
}

// checkWorkers fails the test if any scripted worker saw a protocol
// violation.
func (h *harness) checkWorkers() {
	h.t.Helper()
	for _, worker := range h.workers[1:] {
		select {
		case err := <-worker.errs:
			h.t.Errorf("worker error: %v", err)
		default:
		}
	}
}
