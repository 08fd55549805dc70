// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package collective

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ami-project/ami/lib/clock"
	"github.com/ami-project/ami/lib/testutil"
)

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return listener
}

func dialWorker(ctx context.Context, address string, rank Rank, size int) (*TCPWorker, error) {
	return DialTCP(ctx, DialConfig{
		Address: address,
		Rank:    rank,
		Size:    size,
		Logger:  testutil.Logger(),
	})
}

// startPool brings up a hub of the given size with every worker
// joined.
func startPool(t *testing.T, size int) (*TCPHub, []*TCPWorker) {
	t.Helper()
	ctx := context.Background()
	listener := listenLocal(t)
	address := listener.Addr().String()

	type dialed struct {
		worker *TCPWorker
		err    error
	}
	results := make(chan dialed, size-1)
	for rank := 1; rank < size; rank++ {
		go func() {
			worker, err := dialWorker(ctx, address, Rank(rank), size)
			results <- dialed{worker, err}
		}()
	}

	hub, err := ServeTCP(ctx, listener, TCPConfig{
		Size:        size,
		JoinTimeout: 10 * time.Second,
		Logger:      testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("ServeTCP: %v", err)
	}
	t.Cleanup(func() { hub.Close() })

	workers := make([]*TCPWorker, size)
	for range size - 1 {
		result := testutil.RequireReceive(t, results, 10*time.Second, "waiting for worker dial")
		if result.err != nil {
			t.Fatalf("DialTCP: %v", result.err)
		}
		workers[result.worker.Rank()] = result.worker
		t.Cleanup(func() { result.worker.Close() })
	}
	return hub, workers
}

func TestTCPRoundTrip(t *testing.T) {
	hub, workers := startPool(t, 3)
	ctx := context.Background()

	if got := hub.Connected(); len(got) != 2 {
		t.Fatalf("Connected() = %v, want two ranks", got)
	}

	if err := hub.Send(ctx, 2, TagGraph, []byte("graph for rank 2")); err != nil {
		t.Fatalf("hub Send: %v", err)
	}
	envelope, err := workers[2].Receive(ctx, TagGraph)
	if err != nil {
		t.Fatalf("worker Receive: %v", err)
	}
	if envelope.Source != ManagerRank || string(envelope.Payload) != "graph for rank 2" {
		t.Fatalf("worker got %+v", envelope)
	}

	if err := workers[1].Send(ctx, ManagerRank, TagFeature, []byte("count")); err != nil {
		t.Fatalf("worker Send: %v", err)
	}
	envelope, err = hub.Receive(ctx, TagFeature)
	if err != nil {
		t.Fatalf("hub Receive: %v", err)
	}
	if envelope.Source != 1 || string(envelope.Payload) != "count" {
		t.Fatalf("hub got %+v", envelope)
	}
}

func TestTCPCompressesLargePayloads(t *testing.T) {
	hub, workers := startPool(t, 2)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("waveform sample 0123456789 "), 8192)
	if err := hub.Send(ctx, 1, TagGraph, payload); err != nil {
		t.Fatal(err)
	}
	envelope, err := workers[1].Receive(ctx, TagGraph)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(envelope.Payload, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(envelope.Payload), len(payload))
	}

	if err := workers[1].Send(ctx, ManagerRank, TagFeature, payload); err != nil {
		t.Fatal(err)
	}
	envelope, err = hub.Receive(ctx, TagFeature)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(envelope.Payload, payload) {
		t.Fatal("worker-to-manager payload mismatch")
	}
}

func TestTCPSealFrameCompression(t *testing.T) {
	small, err := sealFrame(1, TagFeature, []byte("tiny"), 4096)
	if err != nil {
		t.Fatal(err)
	}
	if small.Compression != 0 || small.Size != 0 {
		t.Errorf("small payload was compressed: %+v", small)
	}

	large := bytes.Repeat([]byte{0}, 1<<16)
	sealed, err := sealFrame(1, TagFeature, large, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if sealed.Compression == 0 {
		t.Fatal("zero-filled payload was not compressed")
	}
	if sealed.Size != len(large) {
		t.Errorf("Size = %d, want %d", sealed.Size, len(large))
	}
	opened, err := sealed.open()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, large) {
		t.Fatal("open did not restore the payload")
	}

	sealed.Size = maxPayloadSize + 1
	if _, err := sealed.open(); err == nil {
		t.Fatal("open accepted an oversized declared payload")
	}
}

func TestTCPRejectsBadHello(t *testing.T) {
	hub, _ := startPool(t, 2)
	ctx := context.Background()
	address := hub.Addr().String()

	tests := []struct {
		name   string
		rank   Rank
		size   int
		reason string
	}{
		{name: "duplicate rank", rank: 1, size: 2, reason: "already connected"},
		{name: "rank out of range", rank: 5, size: 2, reason: "outside worker range"},
		{name: "manager rank", rank: 0, size: 2, reason: "outside worker range"},
		{name: "size mismatch", rank: 1, size: 4, reason: "pool size mismatch"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			worker, err := dialWorker(ctx, address, test.rank, test.size)
			if err == nil {
				worker.Close()
				t.Fatal("DialTCP succeeded, want rejection")
			}
			if !strings.Contains(err.Error(), test.reason) {
				t.Fatalf("error %q does not contain %q", err, test.reason)
			}
		})
	}
}

func TestTCPJoinTimeout(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	listener := listenLocal(t)

	result := make(chan error, 1)
	go func() {
		_, err := ServeTCP(context.Background(), listener, TCPConfig{
			Size:        3,
			JoinTimeout: 2 * time.Minute,
			Clock:       fake,
			Logger:      testutil.Logger(),
		})
		result <- err
	}()

	fake.WaitForTimers(1)
	fake.Advance(2 * time.Minute)

	err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for ServeTCP")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ServeTCP: got %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "0 of 2 workers") {
		t.Errorf("error %q does not report join progress", err)
	}
}

func TestTCPRankCanRejoin(t *testing.T) {
	hub, workers := startPool(t, 2)
	ctx := context.Background()

	workers[1].Close()
	waitForConnected(t, hub, 0)

	if err := hub.Send(ctx, 1, TagGraph, []byte("lost")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send to disconnected rank: got %v, want ErrNotConnected", err)
	}

	rejoined, err := dialWorker(ctx, hub.Addr().String(), 1, 2)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	defer rejoined.Close()
	waitForConnected(t, hub, 1)

	if err := hub.Send(ctx, 1, TagGraph, []byte("again")); err != nil {
		t.Fatalf("Send after rejoin: %v", err)
	}
	envelope, err := rejoined.Receive(ctx, TagGraph)
	if err != nil {
		t.Fatal(err)
	}
	if string(envelope.Payload) != "again" {
		t.Fatalf("payload = %q", envelope.Payload)
	}
}

func TestTCPWorkerSeesHubClose(t *testing.T) {
	hub, workers := startPool(t, 2)

	hub.Close()
	testutil.RequireClosed(t, workers[1].Done(), 5*time.Second, "worker did not notice hub close")

	if _, err := workers[1].Receive(context.Background(), TagGraph); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive after hub close: got %v, want ErrClosed", err)
	}
	if err := workers[1].Send(context.Background(), ManagerRank, TagFeature, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after hub close: got %v, want ErrClosed", err)
	}
}

func TestTCPWorkerSendsOnlyToManager(t *testing.T) {
	_, workers := startPool(t, 3)
	err := workers[1].Send(context.Background(), 2, TagFeature, nil)
	if !errors.Is(err, ErrInvalidRank) {
		t.Fatalf("worker Send to rank 2: got %v, want ErrInvalidRank", err)
	}
}

func waitForConnected(t *testing.T, hub *TCPHub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(hub.Connected()) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Connected() = %v, want %d ranks", hub.Connected(), want)
}

func TestTCPCloseDisconnectsHandshakingConn(t *testing.T) {
	hub, _ := startPool(t, 2)

	// A connection that never sends hello is still in the handshake
	// when the hub closes.
	silent, err := net.Dial("tcp", hub.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		hub.mu.Lock()
		pending := len(hub.conns) - len(hub.peers)
		hub.mu.Unlock()
		if pending == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("hub never registered the handshaking connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	closed := make(chan error, 1)
	go func() { closed <- hub.Close() }()
	// Well under handshakeTimeout.
	testutil.RequireReceive(t, closed, 2*time.Second, "Close blocked on a handshaking connection")

	silent.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := silent.Read(make([]byte, 1)); err == nil {
		t.Fatal("handshaking connection still open after Close")
	}
}

func TestTCPHubDropsOversizedFrame(t *testing.T) {
	ctx := context.Background()
	listener := listenLocal(t)

	dialed := make(chan *TCPWorker, 1)
	go func() {
		worker, err := DialTCP(ctx, DialConfig{
			Address:              listener.Addr().String(),
			Rank:                 1,
			Size:                 2,
			CompressionThreshold: -1,
			Logger:               testutil.Logger(),
		})
		if err != nil {
			t.Errorf("DialTCP: %v", err)
		}
		dialed <- worker
	}()

	hub, err := ServeTCP(ctx, listener, TCPConfig{
		Size:         2,
		JoinTimeout:  10 * time.Second,
		MaxFrameSize: 1024,
		Logger:       testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("ServeTCP: %v", err)
	}
	defer hub.Close()
	worker := testutil.RequireReceive(t, dialed, 10*time.Second, "waiting for worker dial")
	if worker == nil {
		t.FailNow()
	}
	defer worker.Close()

	if err := worker.Send(ctx, ManagerRank, TagFeature, []byte("small")); err != nil {
		t.Fatal(err)
	}
	envelope, err := hub.Receive(ctx, TagFeature)
	if err != nil || string(envelope.Payload) != "small" {
		t.Fatalf("Receive = %q, %v", envelope.Payload, err)
	}

	// The hub may close the connection mid-write, so the send error
	// is not checked.
	worker.Send(ctx, ManagerRank, TagFeature, bytes.Repeat([]byte{1}, 4096))
	waitForConnected(t, hub, 0)
	testutil.RequireClosed(t, worker.Done(), 5*time.Second, "worker did not see the hub drop it")
}
