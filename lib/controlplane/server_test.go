// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ami-project/ami/lib/codec"
	"github.com/ami-project/ami/lib/collective"
	"github.com/ami-project/ami/lib/results"
	"github.com/ami-project/ami/lib/testutil"
)

func TestUnknownCommandsRepliedWithErrorAndNoTraffic(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	client := h.dial()
	ctx := context.Background()

	for _, command := range []string{"get_everything", "", "GET_GRAPH", "features", "set_graph"} {
		response, err := client.Call(ctx, command, nil)
		if err != nil {
			t.Fatalf("Call(%q): %v", command, err)
		}
		if response.Status != StatusError {
			t.Errorf("Call(%q) status = %s, want error", command, response.Status)
		}
		if response.Reason == "" {
			t.Errorf("Call(%q) has no reason", command)
		}
	}

	if sent := h.manager.total(); sent != 0 {
		t.Fatalf("invalid commands caused %d worker messages", sent)
	}
	if info := h.graph.Info(); info.Version != 0 {
		t.Fatalf("set_graph without payload changed the graph to version %d", info.Version)
	}
}

func TestGetGraphInitialAndIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	client := h.dial()
	ctx := context.Background()

	first, err := client.GetGraph(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, []byte{0xa0}) {
		t.Fatalf("initial graph = %x, want empty map", first)
	}
	second, err := client.GetGraph(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("get_graph is not idempotent")
	}
	if h.manager.total() != 0 {
		t.Fatal("get_graph caused worker traffic")
	}
}

func TestSetGraphDistributesToEveryWorker(t *testing.T) {
	h := newHarness(t, harnessOptions{size: 4})
	client := h.dial()
	ctx := context.Background()

	graph := mustMarshal(t, map[string]any{
		"roi":  map[string]any{"type": "ROI", "inputs": []any{"cspad"}},
		"proj": map[string]any{"type": "Projection", "inputs": []any{"roi"}},
	})
	if err := client.SetGraph(ctx, codec.RawMessage(graph)); err != nil {
		t.Fatalf("SetGraph: %v", err)
	}

	for rank := 1; rank < 4; rank++ {
		received := testutil.RequireReceive(t, h.workers[rank].graphs, 5*time.Second, "rank", rank, "graph")
		if !bytes.Equal(received, graph) {
			t.Errorf("rank %d received %x, want %x", rank, received, graph)
		}
	}

	got, err := client.GetGraph(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, graph) {
		t.Fatalf("get_graph = %x, want the graph just set", got)
	}
	if h.graph.Info().Version != 1 {
		t.Errorf("graph version = %d, want 1", h.graph.Info().Version)
	}
}

func TestSetGraphDeeplyNested(t *testing.T) {
	h := newHarness(t, harnessOptions{size: 2})
	client := h.dial()
	ctx := context.Background()

	// The manager stores graphs without looking inside, so nesting
	// depth must not matter.
	var node any = map[string]any{"type": "Source"}
	for range 100 {
		node = map[string]any{"type": "Wrap", "inner": node}
	}
	graph := mustMarshal(t, node)
	if err := client.SetGraph(ctx, codec.RawMessage(graph)); err != nil {
		t.Fatalf("SetGraph: %v", err)
	}
	received := testutil.RequireReceive(t, h.workers[1].graphs, 5*time.Second, "waiting for graph")
	if !bytes.Equal(received, graph) {
		t.Error("worker received a different graph")
	}

	got, err := client.GetGraph(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, graph) {
		t.Fatal("get_graph did not return the nested graph unchanged")
	}
}

func TestSetGraphSendFailureKeepsNewGraph(t *testing.T) {
	h := newHarness(t, harnessOptions{size: 4, closed: []collective.Rank{2}})
	client := h.dial()
	ctx := context.Background()

	graph := mustMarshal(t, map[string]any{"a": 1})
	err := client.SetGraph(ctx, codec.RawMessage(graph))
	var statusErr *ReplyError
	if !errors.As(err, &statusErr) {
		t.Fatalf("SetGraph: got %v, want *ReplyError", err)
	}
	if !strings.Contains(statusErr.Reason, "rank 2") {
		t.Errorf("reason %q does not name the failed rank", statusErr.Reason)
	}

	got, err := client.GetGraph(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, graph) {
		t.Fatal("graph store was rolled back after a failed distribution")
	}

	// Ranks that were reachable still got the graph.
	for _, rank := range []int{1, 3} {
		testutil.RequireReceive(t, h.workers[rank].graphs, 5*time.Second, "rank", rank, "graph")
	}
}

func TestSetGraphTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{
		size:    3,
		blocked: map[collective.Rank]bool{2: true},
	})
	client := h.dial()

	result := make(chan error, 1)
	go func() {
		result <- client.SetGraph(context.Background(), codec.RawMessage{0xa1, 0x61, 'x', 0x01})
	}()

	h.clock.WaitForTimers(1)
	h.clock.Advance(testTimeout)

	err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for set_graph reply")
	var statusErr *ReplyError
	if !errors.As(err, &statusErr) {
		t.Fatalf("SetGraph: got %v, want *ReplyError", err)
	}
	if !strings.Contains(statusErr.Reason, "timed out") {
		t.Errorf("reason %q does not mention the timeout", statusErr.Reason)
	}
	if h.graph.Info().Version != 1 {
		t.Errorf("graph version = %d, want 1", h.graph.Info().Version)
	}
}

func TestFeaturePullHandshake(t *testing.T) {
	h := newHarness(t, harnessOptions{size: 4})
	client := h.dial()
	ctx := context.Background()

	h.results.Put(results.Payload{Name: "charge", Descriptor: "float64[3]", Data: []byte{1, 2, 3}})

	data, err := client.Feature(ctx, "charge")
	if err != nil {
		t.Fatalf("Feature: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Fatalf("data = %v", data)
	}

	wantQuota := map[int]int{1: 2, 2: 0, 3: 0}
	for rank := 1; rank < 4; rank++ {
		worker := h.workers[rank]
		query := testutil.RequireReceive(t, worker.queries, 5*time.Second, "rank", rank, "query")
		if query != (CountQuery{Name: "charge", Sequence: 1}) {
			t.Errorf("rank %d query = %+v", rank, query)
		}
		quota := testutil.RequireReceive(t, worker.quotas, 5*time.Second, "rank", rank, "quota")
		if quota != (QuotaAssignment{Sequence: 1, Name: "charge", Quota: wantQuota[rank]}) {
			t.Errorf("rank %d quota = %+v, want quota %d", rank, quota, wantQuota[rank])
		}
	}

	// Three count queries and three quota assignments.
	if sent := h.manager.sentOn(collective.TagFeature); sent != 6 {
		t.Errorf("sent %d feature messages, want 6", sent)
	}
	h.checkWorkers()
}

func TestFeaturePullPassesCountsToPolicy(t *testing.T) {
	seenCounts := make(chan map[collective.Rank]int, 1)
	policy := QuotaFunc(func(_ string, counts map[collective.Rank]int, workers []collective.Rank) map[collective.Rank]int {
		seenCounts <- counts
		return map[collective.Rank]int{workers[len(workers)-1]: 5}
	})
	h := newHarness(t, harnessOptions{size: 3, config: func(config *Config) {
		config.QuotaPolicy = policy
	}})
	client := h.dial()

	h.results.Put(results.Payload{Name: "x", Data: []byte{9}})
	if _, err := client.Feature(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}

	seen := testutil.RequireReceive(t, seenCounts, 5*time.Second, "policy counts")
	if seen[1] != 10 || seen[2] != 20 {
		t.Fatalf("policy saw counts %v, want rank 1=10, rank 2=20", seen)
	}
	if quota := testutil.RequireReceive(t, h.workers[1].quotas, 5*time.Second); quota.Quota != 0 {
		t.Errorf("rank 1 quota = %d, want 0", quota.Quota)
	}
	if quota := testutil.RequireReceive(t, h.workers[2].quotas, 5*time.Second); quota.Quota != 5 {
		t.Errorf("rank 2 quota = %d, want 5", quota.Quota)
	}
}

func TestFeatureNotFound(t *testing.T) {
	h := newHarness(t, harnessOptions{size: 3})
	client := h.dial()

	_, err := client.Feature(context.Background(), "missing")
	var statusErr *ReplyError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Feature: got %v, want *ReplyError", err)
	}
	if !strings.Contains(statusErr.Reason, "not found") {
		t.Errorf("reason = %q", statusErr.Reason)
	}

	// The handshake still ran.
	for rank := 1; rank < 3; rank++ {
		testutil.RequireReceive(t, h.workers[rank].quotas, 5*time.Second, "rank", rank, "quota")
	}
}

func TestFeatureEmptyName(t *testing.T) {
	h := newHarness(t, harnessOptions{size: 2})
	client := h.dial()
	h.results.Put(results.Payload{Name: "", Data: []byte("unnamed")})

	data, err := client.Feature(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "unnamed" {
		t.Fatalf("data = %q", data)
	}
}

func TestFeaturePullDropsStaleReplies(t *testing.T) {
	seenCounts := make(chan map[collective.Rank]int, 1)
	h := newHarness(t, harnessOptions{size: 3, config: func(config *Config) {
		config.QuotaPolicy = QuotaFunc(func(name string, counts map[collective.Rank]int, workers []collective.Rank) map[collective.Rank]int {
			seenCounts <- counts
			return DefaultQuotaPolicy.Assign(name, counts, workers)
		})
	}})
	client := h.dial()
	ctx := context.Background()

	// A reply left over from an abandoned handshake.
	stale := mustMarshal(t, CountReply{Sequence: 99, Count: 1000})
	if err := h.comms[1].Send(ctx, collective.ManagerRank, collective.TagFeature, stale); err != nil {
		t.Fatal(err)
	}

	h.results.Put(results.Payload{Name: "charge", Data: []byte{1}})
	if _, err := client.Feature(ctx, "charge"); err != nil {
		t.Fatalf("Feature: %v", err)
	}
	seen := testutil.RequireReceive(t, seenCounts, 5*time.Second, "policy counts")
	if seen[1] != 10 || seen[2] != 20 || len(seen) != 2 {
		t.Fatalf("counts = %v, stale reply was not dropped", seen)
	}
}

func TestFeaturePullTimesOutWaitingForCounts(t *testing.T) {
	h := newHarness(t, harnessOptions{
		size:   4,
		silent: map[collective.Rank]bool{3: true},
	})
	client := h.dial()
	h.results.Put(results.Payload{Name: "charge", Data: []byte{1}})

	result := make(chan error, 1)
	go func() {
		_, err := client.Feature(context.Background(), "charge")
		result <- err
	}()

	// While the gather waits, its own bound and the pending receive
	// are the only armed timers.
	testutil.RequireReceive(t, h.workers[3].queries, 5*time.Second, "silent rank query")
	h.clock.WaitForTimers(2)
	h.clock.Advance(testTimeout)

	err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for feature reply")
	var statusErr *ReplyError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Feature: got %v, want *ReplyError even though the store has data", err)
	}
	if !strings.Contains(statusErr.Reason, "count gather") {
		t.Errorf("reason %q does not name the failed phase", statusErr.Reason)
	}
	for rank := 1; rank < 4; rank++ {
		select {
		case quota := <-h.workers[rank].quotas:
			t.Errorf("rank %d got quota %+v after a failed gather", rank, quota)
		default:
		}
	}
}

func TestRepliesInRequestOrder(t *testing.T) {
	h := newHarness(t, harnessOptions{size: 2})
	h.results.Put(results.Payload{Name: "a", Descriptor: "int64"})

	conn, err := net.Dial("tcp", h.server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Write all requests before reading any reply.
	encoder := codec.NewEncoder(conn)
	for _, command := range []string{"get_features", "bogus", "get_graph"} {
		if err := encoder.Encode(Request{Command: command}); err != nil {
			t.Fatal(err)
		}
	}

	decoder := codec.NewDecoder(conn)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var responses [3]Response
	for i := range responses {
		if err := decoder.Decode(&responses[i]); err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
	}

	var features map[string]string
	if err := codec.Unmarshal(responses[0].Payload, &features); err != nil || features["a"] != "int64" {
		t.Errorf("reply 0 is not the features map: %+v (%v)", responses[0], err)
	}
	if responses[1].Status != StatusError {
		t.Errorf("reply 1 status = %s, want error", responses[1].Status)
	}
	if responses[2].Status != StatusOK || !bytes.Equal(responses[2].Payload, []byte{0xa0}) {
		t.Errorf("reply 2 is not the graph: %+v", responses[2])
	}
}

func TestConcurrentClientsAreSerialized(t *testing.T) {
	h := newHarness(t, harnessOptions{size: 3})
	h.results.Put(results.Payload{Name: "charge", Data: []byte{1}})

	const clients = 4
	const requestsPerClient = 5

	var wg sync.WaitGroup
	errs := make(chan error, clients*requestsPerClient)
	for range clients {
		client := h.dial()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range requestsPerClient {
				if _, err := client.Feature(context.Background(), "charge"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Feature: %v", err)
	}

	// Each worker saw query, quota, query, quota, ... with strictly
	// increasing sequence numbers.
	for rank := 1; rank < 3; rank++ {
		worker := h.workers[rank]
		for want := uint64(1); want <= clients*requestsPerClient; want++ {
			query := testutil.RequireReceive(t, worker.queries, 5*time.Second, "rank", rank, "query", want)
			if query.Sequence != want {
				t.Fatalf("rank %d query sequence = %d, want %d", rank, query.Sequence, want)
			}
		}
	}
	h.checkWorkers()
}

func TestPanicInDispatchRepliesError(t *testing.T) {
	h := newHarness(t, harnessOptions{size: 2, config: func(config *Config) {
		config.QuotaPolicy = QuotaFunc(func(string, map[collective.Rank]int, []collective.Rank) map[collective.Rank]int {
			panic("policy bug")
		})
	}})
	client := h.dial()
	ctx := context.Background()

	_, err := client.Feature(ctx, "charge")
	var statusErr *ReplyError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Feature: got %v, want *ReplyError", err)
	}

	// The server keeps serving on the same connection.
	if _, err := client.GetGraph(ctx); err != nil {
		t.Fatalf("GetGraph after panic: %v", err)
	}
}

func TestOversizedRequestClosesConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{size: 2, config: func(config *Config) {
		config.MaxRequestSize = 1024
	}})

	conn, err := net.Dial("tcp", h.server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	big := mustMarshal(t, map[string]any{"blob": bytes.Repeat([]byte{1}, 4096)})
	if err := codec.NewEncoder(conn).Encode(Request{Command: "set_graph", Payload: big}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	decoder := codec.NewDecoder(conn)
	var response Response
	if err := decoder.Decode(&response); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if response.Status != StatusError || !strings.Contains(response.Reason, "exceeds") {
		t.Fatalf("reply = %+v, want size error", response)
	}
	if err := decoder.Decode(&response); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("connection still open after oversized request: %v", err)
	}
	if h.graph.Info().Version != 0 {
		t.Fatal("oversized graph was stored")
	}
}

func TestFeatureSnapshotsDuringIngestion(t *testing.T) {
	h := newHarness(t, harnessOptions{size: 2})
	client := h.dial()
	ctx := context.Background()

	const writes = 1000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range writes {
			h.results.Put(results.Payload{
				Name:       fmt.Sprintf("f%d", i),
				Descriptor: fmt.Sprintf("float64[%d]", i),
			})
		}
	}()

	for range 100 {
		features, err := client.GetFeatures(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for i := range len(features) {
			if features[fmt.Sprintf("f%d", i)] != fmt.Sprintf("float64[%d]", i) {
				t.Fatalf("snapshot of %d features is not a consistent prefix at f%d", len(features), i)
			}
		}
	}
	<-done
}

func TestStopAbandonsInFlightRequest(t *testing.T) {
	h := newHarness(t, harnessOptions{
		size:    2,
		silent:  map[collective.Rank]bool{1: true},
		timeout: -1,
	})
	client := h.dial()

	result := make(chan error, 1)
	go func() {
		_, err := client.Feature(context.Background(), "charge")
		result <- err
	}()
	testutil.RequireReceive(t, h.workers[1].queries, 5*time.Second, "query")

	stopped := make(chan struct{})
	go func() {
		h.server.Stop()
		close(stopped)
	}()
	testutil.RequireClosed(t, stopped, 5*time.Second, "Stop did not return")

	if err := testutil.RequireReceive(t, result, 5*time.Second, "client result"); err == nil {
		t.Fatal("client got a reply from a stopped server")
	}
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, harnessOptions{size: 2})
	if err := h.server.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded")
	}
}

func TestMetricsRecorded(t *testing.T) {
	registry := prometheus.NewRegistry()
	h := newHarness(t, harnessOptions{size: 2, config: func(config *Config) {
		config.Metrics = NewMetrics(registry)
	}})
	client := h.dial()
	ctx := context.Background()

	if _, err := client.GetGraph(ctx); err != nil {
		t.Fatal(err)
	}
	if err := client.SetGraph(ctx, codec.RawMessage{0xa0}); err != nil {
		t.Fatal(err)
	}
	client.Call(ctx, "bogus", nil)

	if got := promtest.ToFloat64(h.metrics.requests.WithLabelValues("get_graph", "ok")); got != 1 {
		t.Errorf("get_graph ok requests = %v, want 1", got)
	}
	if got := promtest.ToFloat64(h.metrics.requests.WithLabelValues("invalid", "error")); got != 1 {
		t.Errorf("invalid error requests = %v, want 1", got)
	}
	if got := promtest.ToFloat64(h.metrics.graphDistributions.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok distributions = %v, want 1", got)
	}
	if got := promtest.ToFloat64(h.metrics.graphVersion); got != 1 {
		t.Errorf("graph version gauge = %v, want 1", got)
	}

	h.metrics.MessageProcessed("datagram")
	h.metrics.ResultsStored(3)
	if got := promtest.ToFloat64(h.metrics.resultNames); got != 3 {
		t.Errorf("result names gauge = %v, want 3", got)
	}

	var nilMetrics *Metrics
	nilMetrics.observeRequest("get_graph", StatusOK, time.Second)
	nilMetrics.MessageProcessed("heartbeat")
}
