// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ami-project/ami/lib/clock"
	"github.com/ami-project/ami/lib/codec"
	"github.com/ami-project/ami/lib/compress"
	"github.com/ami-project/ami/lib/netutil"
)

// ErrNotConnected is returned when sending to a worker rank that has
// no live connection.
var ErrNotConnected = errors.New("collective: rank not connected")

// handshakeTimeout bounds reading hello and writing welcome on a new
// connection.
const handshakeTimeout = 10 * time.Second

// TCPConfig configures the manager side of the TCP transport.
type TCPConfig struct {
	// Address to listen on, e.g. ":5558". Used by ListenTCP only.
	Address string

	// Size is the pool size including the manager. Ranks 1..Size-1
	// must join.
	Size int

	// JoinTimeout bounds the wait for all workers to join. Zero
	// waits until ctx is done.
	JoinTimeout time.Duration

	// CompressionThreshold is the payload size from which frames are
	// compressed. Zero uses compress.DefaultThreshold; a negative
	// value disables compression.
	CompressionThreshold int

	// MaxFrameSize caps the encoded size of one frame read from a
	// worker. A worker that sends a larger one is disconnected.
	// Defaults to DefaultMaxFrameSize.
	MaxFrameSize int64

	// Clock drives JoinTimeout. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// TCPHub is the manager's communicator over TCP. Each worker rank
// holds one connection; all received frames land in one mailbox.
type TCPHub struct {
	listener     net.Listener
	size         int
	threshold    int
	maxFrameSize int64
	logger       *slog.Logger
	box          *mailbox

	mu      sync.Mutex
	conns   map[net.Conn]struct{} // accepted, including mid-handshake
	peers   map[Rank]*peer        // admitted
	joined  chan struct{}
	allSeen bool
	closed  bool

	wg sync.WaitGroup
}

var _ Comm = (*TCPHub)(nil)

// ListenTCP listens on config.Address and waits for every worker to
// join. See ServeTCP.
func ListenTCP(ctx context.Context, config TCPConfig) (*TCPHub, error) {
	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", config.Address, err)
	}
	return ServeTCP(ctx, listener, config)
}

// ServeTCP accepts worker connections on listener and returns once
// ranks 1..Size-1 have all joined. If the join timeout expires first
// the error wraps ErrTimeout and the listener is closed. The hub keeps
// accepting after it returns so a worker whose connection dropped can
// join again under its rank.
func ServeTCP(ctx context.Context, listener net.Listener, config TCPConfig) (*TCPHub, error) {
	if config.Size < 1 {
		listener.Close()
		return nil, fmt.Errorf("pool size must be positive, got %d", config.Size)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	threshold := config.CompressionThreshold
	if threshold == 0 {
		threshold = compress.DefaultThreshold
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}

	hub := &TCPHub{
		listener:     listener,
		size:         config.Size,
		threshold:    threshold,
		maxFrameSize: config.MaxFrameSize,
		logger:       config.Logger,
		box:          newMailbox(),
		conns:        make(map[net.Conn]struct{}),
		peers:        make(map[Rank]*peer),
		joined:       make(chan struct{}),
	}
	if config.Size == 1 {
		hub.allSeen = true
		close(hub.joined)
	}

	hub.wg.Add(1)
	go hub.acceptLoop()

	hub.logger.Info("collective hub listening",
		"address", listener.Addr().String(),
		"pool_size", config.Size,
	)

	var timeout <-chan time.Time
	if config.JoinTimeout > 0 {
		timer := config.Clock.NewTimer(config.JoinTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-hub.joined:
		hub.logger.Info("all workers joined", "workers", config.Size-1)
		return hub, nil
	case <-timeout:
		connected := len(hub.Connected())
		hub.Close()
		return nil, fmt.Errorf("%d of %d workers joined within %s: %w",
			connected, config.Size-1, config.JoinTimeout, ErrTimeout)
	case <-ctx.Done():
		hub.Close()
		return nil, context.Cause(ctx)
	}
}

// Addr returns the listener's address.
func (h *TCPHub) Addr() net.Addr { return h.listener.Addr() }

// Rank returns ManagerRank.
func (h *TCPHub) Rank() Rank { return ManagerRank }

// Size returns the pool size.
func (h *TCPHub) Size() int { return h.size }

// Connected returns the worker ranks that currently hold a
// connection, in ascending order.
func (h *TCPHub) Connected() []Rank {
	h.mu.Lock()
	defer h.mu.Unlock()

	ranks := make([]Rank, 0, len(h.peers))
	for rank := range h.peers {
		ranks = append(ranks, rank)
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })
	return ranks
}

// Send writes one frame to dest's connection.
func (h *TCPHub) Send(ctx context.Context, dest Rank, tag Tag, payload []byte) error {
	if err := validateDest(ManagerRank, h.size, dest); err != nil {
		return err
	}

	h.mu.Lock()
	closed := h.closed
	target := h.peers[dest]
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if target == nil {
		return fmt.Errorf("%w: %d", ErrNotConnected, dest)
	}

	sealed, err := sealFrame(ManagerRank, tag, payload, h.threshold)
	if err != nil {
		return err
	}
	if err := target.write(ctx, sealed); err != nil {
		h.drop(target)
		return fmt.Errorf("sending %s frame to rank %d: %w", tag, dest, err)
	}
	return nil
}

// Receive takes the oldest frame with tag from any worker.
func (h *TCPHub) Receive(ctx context.Context, tag Tag) (Envelope, error) {
	return h.box.take(ctx, tag)
}

// Close stops accepting, disconnects every worker, including those
// still in the handshake, and waits for the hub's goroutines to exit.
func (h *TCPHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]net.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	err := h.listener.Close()
	for _, conn := range conns {
		conn.Close()
	}
	h.box.close()
	h.wg.Wait()
	return err
}

func (h *TCPHub) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				h.logger.Error("collective accept failed", "error", err)
			}
			return
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.conns[conn] = struct{}{}
		h.mu.Unlock()

		h.wg.Add(1)
		go h.serveConn(conn)
	}
}

// serveConn runs the join handshake and then reads frames until the
// connection ends.
func (h *TCPHub) serveConn(conn net.Conn) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}()

	limit := netutil.NewFrameLimit(conn)
	decoder := codec.NewDecoder(limit)
	encoder := codec.NewEncoder(conn)

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	limit.Reset(maxHelloSize)
	var greeting hello
	if err := decoder.Decode(&greeting); err != nil {
		if !netutil.IsExpectedCloseError(err) || limit.Exceeded() {
			h.logger.Warn("reading worker hello failed",
				"remote", conn.RemoteAddr().String(),
				"error", err,
			)
		}
		conn.Close()
		return
	}

	joined, reason := h.admit(greeting, conn, encoder)
	if joined == nil {
		h.logger.Warn("worker rejected",
			"rank", greeting.Rank,
			"remote", conn.RemoteAddr().String(),
			"reason", reason,
		)
		encoder.Encode(welcome{Accepted: false, Reason: reason})
		conn.Close()
		return
	}
	// admit returns the peer with its write lock held so no frame
	// can precede the welcome.
	err := encoder.Encode(welcome{Accepted: true})
	conn.SetDeadline(time.Time{})
	joined.writeMu.Unlock()
	if err != nil {
		h.logger.Warn("writing welcome failed", "rank", greeting.Rank, "error", err)
		h.drop(joined)
		return
	}

	h.logger.Info("worker joined",
		"rank", greeting.Rank,
		"remote", conn.RemoteAddr().String(),
	)

	for {
		limit.Reset(h.maxFrameSize)
		var incoming frame
		if err := decoder.Decode(&incoming); err != nil {
			if limit.Exceeded() {
				h.logger.Warn("worker frame too large, disconnecting",
					"rank", joined.rank,
					"limit", h.maxFrameSize,
				)
			} else if !netutil.IsExpectedCloseError(err) {
				h.logger.Warn("reading worker frame failed", "rank", joined.rank, "error", err)
			}
			h.drop(joined)
			return
		}
		payload, err := incoming.open()
		if err != nil {
			h.logger.Warn("discarding worker connection", "rank", joined.rank, "error", err)
			h.drop(joined)
			return
		}
		if err := h.box.put(Envelope{Source: joined.rank, Tag: incoming.Tag, Payload: payload}); err != nil {
			h.drop(joined)
			return
		}
	}
}

// admit registers a worker connection and returns it with writeMu
// held. It returns nil and a reason if the hello is not acceptable.
func (h *TCPHub) admit(greeting hello, conn net.Conn, encoder *codec.Encoder) (*peer, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.closed:
		return nil, "manager is shutting down"
	case greeting.Size != h.size:
		return nil, fmt.Sprintf("pool size mismatch: worker has %d, manager has %d", greeting.Size, h.size)
	case greeting.Rank <= ManagerRank || int(greeting.Rank) >= h.size:
		return nil, fmt.Sprintf("rank %d outside worker range 1..%d", greeting.Rank, h.size-1)
	case h.peers[greeting.Rank] != nil:
		return nil, fmt.Sprintf("rank %d is already connected", greeting.Rank)
	}

	joined := &peer{rank: greeting.Rank, conn: conn, encoder: encoder}
	joined.writeMu.Lock()
	h.peers[greeting.Rank] = joined
	if !h.allSeen && len(h.peers) == h.size-1 {
		h.allSeen = true
		close(h.joined)
	}
	return joined, ""
}

// drop closes p and forgets it if it is still the registered
// connection for its rank.
func (h *TCPHub) drop(p *peer) {
	h.mu.Lock()
	current := h.peers[p.rank] == p
	if current {
		delete(h.peers, p.rank)
	}
	closed := h.closed
	h.mu.Unlock()

	p.conn.Close()
	if current && !closed {
		h.logger.Warn("worker disconnected", "rank", p.rank)
	}
}

// peer is one end of a collective connection. Writes are serialized;
// reads belong to a single reader goroutine.
type peer struct {
	rank    Rank
	conn    net.Conn
	writeMu sync.Mutex
	encoder *codec.Encoder
}

// write encodes f to the connection. Cancelling ctx aborts a blocked
// write by expiring the write deadline. A failed write may leave a
// partial frame on the stream, so callers close the connection.
func (p *peer) write(ctx context.Context, f frame) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	expired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		p.conn.SetWriteDeadline(time.Unix(1, 0))
		close(expired)
	})
	err := p.encoder.Encode(f)
	if !stop() {
		<-expired
		p.conn.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return err
	}
	return nil
}

// DialConfig configures the worker side of the TCP transport.
type DialConfig struct {
	// Address of the manager's collective listener.
	Address string

	// Rank of this worker, in 1..Size-1.
	Rank Rank

	// Size is the pool size including the manager.
	Size int

	// CompressionThreshold as in TCPConfig.
	CompressionThreshold int

	// MaxFrameSize as in TCPConfig, for frames read from the manager.
	MaxFrameSize int64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// TCPWorker is a worker's communicator over TCP. It can only exchange
// messages with the manager.
type TCPWorker struct {
	rank      Rank
	size      int
	threshold int
	logger    *slog.Logger
	peer      *peer
	box       *mailbox
	limit     *netutil.FrameLimit
	maxFrame  int64

	closeOnce sync.Once
	done      chan struct{}
}

var _ Comm = (*TCPWorker)(nil)

// DialTCP connects to the manager and joins the pool as config.Rank.
// It fails if the manager rejects the rank or the pool size.
func DialTCP(ctx context.Context, config DialConfig) (*TCPWorker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	threshold := config.CompressionThreshold
	if threshold == 0 {
		threshold = compress.DefaultThreshold
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing manager at %s: %w", config.Address, err)
	}

	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}

	limit := netutil.NewFrameLimit(conn)
	encoder := codec.NewEncoder(conn)
	decoder := codec.NewDecoder(limit)

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	limit.Reset(maxHelloSize)
	if err := encoder.Encode(hello{Rank: config.Rank, Size: config.Size}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	var answer welcome
	if err := decoder.Decode(&answer); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading welcome: %w", err)
	}
	if !answer.Accepted {
		conn.Close()
		return nil, fmt.Errorf("manager rejected rank %d: %s", config.Rank, answer.Reason)
	}
	conn.SetDeadline(time.Time{})

	worker := &TCPWorker{
		rank:      config.Rank,
		size:      config.Size,
		threshold: threshold,
		logger:    config.Logger,
		peer:      &peer{rank: ManagerRank, conn: conn, encoder: encoder},
		box:       newMailbox(),
		limit:     limit,
		maxFrame:  config.MaxFrameSize,
		done:      make(chan struct{}),
	}
	go worker.readLoop(decoder)
	return worker, nil
}

// Rank returns this worker's rank.
func (w *TCPWorker) Rank() Rank { return w.rank }

// Size returns the pool size.
func (w *TCPWorker) Size() int { return w.size }

// Send writes one frame to the manager. dest must be ManagerRank.
func (w *TCPWorker) Send(ctx context.Context, dest Rank, tag Tag, payload []byte) error {
	if dest != ManagerRank {
		return fmt.Errorf("%w: workers can only send to the manager, got %d", ErrInvalidRank, dest)
	}
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	sealed, err := sealFrame(w.rank, tag, payload, w.threshold)
	if err != nil {
		return err
	}
	if err := w.peer.write(ctx, sealed); err != nil {
		w.peer.conn.Close()
		return fmt.Errorf("sending %s frame to manager: %w", tag, err)
	}
	return nil
}

// Receive takes the oldest frame with tag sent by the manager.
// Returns ErrClosed once the connection has ended and the mailbox is
// drained.
func (w *TCPWorker) Receive(ctx context.Context, tag Tag) (Envelope, error) {
	return w.box.take(ctx, tag)
}

// Done is closed when the connection to the manager has ended.
func (w *TCPWorker) Done() <-chan struct{} { return w.done }

// Close disconnects from the manager and waits for the reader to exit.
func (w *TCPWorker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.peer.conn.Close()
	})
	<-w.done
	return err
}

func (w *TCPWorker) readLoop(decoder *codec.Decoder) {
	defer close(w.done)
	defer w.box.close()
	defer w.peer.conn.Close()

	for {
		w.limit.Reset(w.maxFrame)
		var incoming frame
		if err := decoder.Decode(&incoming); err != nil {
			if w.limit.Exceeded() {
				w.logger.Warn("manager frame too large, disconnecting", "limit", w.maxFrame)
			} else if !netutil.IsExpectedCloseError(err) {
				w.logger.Warn("reading manager frame failed", "error", err)
			}
			return
		}
		payload, err := incoming.open()
		if err != nil {
			w.logger.Warn("discarding manager connection", "error", err)
			return
		}
		if err := w.box.put(Envelope{Source: ManagerRank, Tag: incoming.Tag, Payload: payload}); err != nil {
			return
		}
	}
}
