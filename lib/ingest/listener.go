// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ami-project/ami/lib/codec"
	"github.com/ami-project/ami/lib/netutil"
)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Address to listen on, e.g. ":5559". Used by Listen only.
	Address string

	// Queue receives every decoded message. Required.
	Queue *Queue

	// MaxMessageSize caps the encoded size of one message. A stream
	// that sends a larger one is closed. Defaults to
	// DefaultMaxMessageSize.
	MaxMessageSize int64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Listener accepts ingestion streams from workers. Each connection is
// an unbounded sequence of CBOR Message values; a malformed message
// ends that connection and no other.
type Listener struct {
	listener       net.Listener
	queue          *Queue
	maxMessageSize int64
	logger         *slog.Logger

	activeStreams atomic.Int64
	received      atomic.Uint64
	rejected      atomic.Uint64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Listen binds config.Address and returns a Listener. Call Serve to
// start accepting.
func Listen(config ListenerConfig) (*Listener, error) {
	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", config.Address, err)
	}
	return NewListener(listener, config), nil
}

// NewListener wraps an existing net.Listener.
func NewListener(listener net.Listener, config ListenerConfig) *Listener {
	if config.Queue == nil {
		panic("ingest.NewListener: Queue is required")
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Listener{
		listener:       listener,
		queue:          config.Queue,
		maxMessageSize: config.MaxMessageSize,
		logger:         config.Logger,
		conns:          make(map[net.Conn]struct{}),
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Stats reports stream and message counters.
type Stats struct {
	ActiveStreams int64
	Received      uint64
	Rejected      uint64
}

// Stats returns the current counters.
func (l *Listener) Stats() Stats {
	return Stats{
		ActiveStreams: l.activeStreams.Load(),
		Received:      l.received.Load(),
		Rejected:      l.rejected.Load(),
	}
}

// Serve accepts streams until ctx is cancelled, then closes the
// listener and every open stream and waits for their goroutines.
func (l *Listener) Serve(ctx context.Context) error {
	l.logger.Info("ingest listener started", "address", l.listener.Addr().String())

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	defer func() {
		l.mu.Lock()
		for conn := range l.conns {
			conn.Close()
		}
		l.mu.Unlock()
		l.wg.Wait()
		l.logger.Info("ingest listener stopped")
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
				return nil
			}
			return fmt.Errorf("accepting ingest stream: %w", err)
		}

		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		l.wg.Add(1)
		go l.serveStream(ctx, conn)
	}
}

func (l *Listener) serveStream(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	l.activeStreams.Add(1)
	defer l.activeStreams.Add(-1)
	l.logger.Debug("ingest stream started", "remote", remote)
	defer l.logger.Debug("ingest stream ended", "remote", remote)

	limit := netutil.NewFrameLimit(conn)
	decoder := codec.NewDecoder(limit)
	for {
		limit.Reset(l.maxMessageSize)
		var wire Message
		if err := decoder.Decode(&wire); err != nil {
			if ctx.Err() != nil || (netutil.IsExpectedCloseError(err) && !limit.Exceeded()) {
				return
			}
			if limit.Exceeded() {
				err = fmt.Errorf("message exceeds %d bytes", l.maxMessageSize)
			}
			l.rejected.Add(1)
			l.logger.Warn("ingest: decode failed, closing stream",
				"remote", remote,
				"error", err,
			)
			return
		}

		message, err := wire.Open()
		if err == nil {
			err = message.Validate()
		}
		if err != nil {
			l.rejected.Add(1)
			l.logger.Warn("ingest: invalid message, closing stream",
				"remote", remote,
				"error", err,
			)
			return
		}

		l.received.Add(1)
		if err := l.queue.Deliver(ctx, message); err != nil {
			return
		}
	}
}

// Stream is the sending side of an ingestion connection.
type Stream struct {
	conn      net.Conn
	encoder   *codec.Encoder
	threshold int
	mu        sync.Mutex
}

// Dial opens an ingestion stream to address. Payload data of at least
// threshold bytes is compressed; a threshold <= 0 disables
// compression.
func Dial(ctx context.Context, address string, threshold int) (*Stream, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing ingest listener at %s: %w", address, err)
	}
	return &Stream{conn: conn, encoder: codec.NewEncoder(conn), threshold: threshold}, nil
}

// Send writes one message. Safe for concurrent use.
func (s *Stream) Send(message Message) error {
	sealed, err := message.Seal(s.threshold)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.encoder.Encode(sealed); err != nil {
		return fmt.Errorf("sending %s message: %w", message.Type, err)
	}
	return nil
}

// Close closes the connection.
func (s *Stream) Close() error { return s.conn.Close() }
