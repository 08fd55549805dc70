// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ami-project/ami/lib/clock"
	"github.com/ami-project/ami/lib/codec"
	"github.com/ami-project/ami/lib/collective"
	"github.com/ami-project/ami/lib/graph"
	"github.com/ami-project/ami/lib/netutil"
	"github.com/ami-project/ami/lib/results"
)

// DefaultMaxRequestSize is the largest request frame accepted when
// Config.MaxRequestSize is zero. Graphs are the only large requests.
const DefaultMaxRequestSize = 64 << 20

// writeTimeout bounds writing one reply.
const writeTimeout = 10 * time.Second

// Config configures a Server.
type Config struct {
	// Address to listen on, e.g. ":5557". Required.
	Address string

	// Channel reaches the worker pool. Its timeout bounds every
	// collective phase. Required.
	Channel *collective.Channel

	// Results is read by get_features and feature requests. Required.
	Results *results.Store

	// Graph is read by get_graph and replaced by set_graph. Required.
	Graph *graph.Store

	// QuotaPolicy assigns per-worker quotas in the bulk-pull
	// handshake. Defaults to DefaultQuotaPolicy.
	QuotaPolicy QuotaPolicy

	// MaxRequestSize caps one request frame. Defaults to
	// DefaultMaxRequestSize.
	MaxRequestSize int64

	// Clock times requests and phases. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *Metrics
}

// Server is the control-plane service.
type Server struct {
	address        string
	channel        *collective.Channel
	results        *results.Store
	graph          *graph.Store
	policy         QuotaPolicy
	maxRequestSize int64
	clock          clock.Clock
	logger         *slog.Logger
	metrics        *Metrics

	requests chan *call

	// sequence numbers bulk-pull handshakes. Only the dispatcher
	// goroutine touches it.
	sequence uint64

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	cancel   context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup
}

// call is one request handed from a connection to the dispatcher.
type call struct {
	id      string
	command Command
	reply   chan Reply
}

// NewServer creates a Server. Panics if a required field is missing.
func NewServer(config Config) *Server {
	switch {
	case config.Address == "":
		panic("controlplane.NewServer: Address is required")
	case config.Channel == nil:
		panic("controlplane.NewServer: Channel is required")
	case config.Results == nil:
		panic("controlplane.NewServer: Results is required")
	case config.Graph == nil:
		panic("controlplane.NewServer: Graph is required")
	}
	if config.QuotaPolicy == nil {
		config.QuotaPolicy = DefaultQuotaPolicy
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultMaxRequestSize
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Server{
		address:        config.Address,
		channel:        config.Channel,
		results:        config.Results,
		graph:          config.Graph,
		policy:         config.QuotaPolicy,
		maxRequestSize: config.MaxRequestSize,
		clock:          config.Clock,
		logger:         config.Logger,
		metrics:        config.Metrics,
		requests:       make(chan *call),
		conns:          make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and starts the accept loop and the
// dispatcher. It returns once the server is accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil || s.stopped {
		return errors.New("control-plane server already started")
	}
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.listener = listener
	s.cancel = cancel

	s.wg.Add(2)
	go s.acceptLoop(ctx, listener)
	go s.dispatchLoop(ctx)

	s.logger.Info("control-plane server listening",
		"address", listener.Addr().String(),
		"workers", len(s.channel.Workers()),
	)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every client connection and waits for
// the server's goroutines to exit. A request being dispatched is
// abandoned: its collective phases are cancelled and no reply is
// written.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped || s.listener == nil {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("control-plane server stopped")
}

// Serve starts the server, blocks until ctx is cancelled and then
// stops it.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !netutil.IsExpectedCloseError(err) {
				s.logger.Error("control-plane accept failed", "error", err)
			}
			return
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(ctx, conn)
	}
}

// serveConn reads requests from one client connection. It hands each
// to the dispatcher and writes the reply before reading the next.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	limit := netutil.NewFrameLimit(conn)
	decoder := codec.NewDecoder(limit)
	encoder := codec.NewEncoder(conn)

	for {
		limit.Reset(s.maxRequestSize)

		var command Command
		fatal := false
		var raw codec.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if ctx.Err() != nil || (netutil.IsExpectedCloseError(err) && !limit.Exceeded()) {
				return
			}
			// A frame that cannot be decoded leaves the stream
			// unsynchronized, so the connection ends after the reply.
			fatal = true
			reason := fmt.Sprintf("malformed request: %v", err)
			if limit.Exceeded() {
				reason = fmt.Sprintf("request exceeds %d bytes", s.maxRequestSize)
			}
			command = Invalid{Reason: reason}
		} else {
			command = ParseRequest(raw)
		}

		reply, ok := s.submit(ctx, command)
		if !ok {
			return
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := encoder.Encode(reply.Response()); err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Warn("writing control-plane reply failed",
					"remote", remote,
					"error", err,
				)
			}
			return
		}
		conn.SetWriteDeadline(time.Time{})

		if fatal {
			lingerClose(conn, s.maxRequestSize)
			return
		}
	}
}

// lingerClose half-closes conn and discards what the peer is still
// sending, so the peer reads the last reply followed by EOF rather
// than a reset.
func lingerClose(conn net.Conn, limit int64) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	io.Copy(io.Discard, io.LimitReader(conn, limit))
}

// submit passes command to the dispatcher and waits for its reply.
// Returns false if the server is stopping.
func (s *Server) submit(ctx context.Context, command Command) (Reply, bool) {
	pending := &call{
		id:      newRequestID(),
		command: command,
		reply:   make(chan Reply, 1),
	}
	select {
	case s.requests <- pending:
	case <-ctx.Done():
		return Reply{}, false
	}
	select {
	case reply := <-pending.reply:
		return reply, true
	case <-ctx.Done():
		return Reply{}, false
	}
}

// dispatchLoop is the only goroutine that executes commands.
func (s *Server) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case pending := <-s.requests:
			pending.reply <- s.dispatch(ctx, pending)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch executes one command. A panic in any branch is logged and
// answered with an error reply.
func (s *Server) dispatch(ctx context.Context, pending *call) (reply Reply) {
	name := pending.command.Name()
	logger := s.logger.With("request_id", pending.id, "command", name)
	start := s.clock.Now()

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("panic while dispatching request",
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			reply = failure("internal error")
		}
		duration := clock.Since(s.clock, start)
		s.metrics.observeRequest(name, reply.Status(), duration)
		logger.Debug("request dispatched",
			"status", reply.Status(),
			"duration", duration,
		)
	}()

	switch command := pending.command.(type) {
	case GetFeatures:
		return s.getFeatures()
	case GetGraph:
		return WithPayload(StatusOK, s.graph.Get())
	case SetGraph:
		return s.setGraph(ctx, logger, command.Graph)
	case Feature:
		return s.pullFeature(ctx, logger, command.Result)
	case Invalid:
		logger.Info("rejected request", "reason", command.Reason)
		return failure(command.Reason)
	default:
		return failure(fmt.Sprintf("unhandled command %T", command))
	}
}

func (s *Server) getFeatures() Reply {
	payload, err := codec.Marshal(s.results.Descriptors())
	if err != nil {
		return failure(fmt.Sprintf("encoding features: %v", err))
	}
	return WithPayload(StatusOK, payload)
}

// newRequestID returns a short random id for correlating log lines.
func newRequestID() string {
	return uuid.NewString()[:12]
}
