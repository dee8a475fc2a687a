// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/chanq/cluster"
	"github.com/absmach/chanq/queue"
	"github.com/absmach/chanq/ratelimit"
	"github.com/absmach/chanq/stats"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Config holds dispatcher configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	// DequeueTimeout bounds a blocking dequeue. Zero waits until the client
	// goes away.
	DequeueTimeout time.Duration
	// RateLimiter guards enqueue when set.
	RateLimiter *ratelimit.Limiter
}

// Router resolves channel owners and reports local node state.
type Router interface {
	Self() string
	GetNodeForKey(channel string) (string, error)
	Ready() bool
	State() cluster.Liveness
	CurrentAliveNodes() []string
	PrimaryNodes() []string
	Nodes() []cluster.Node
}

// Queue serves channels owned by the local node and the internal backup API.
type Queue interface {
	Enqueue(ctx context.Context, channel string, msg *queue.Message) *queue.Message
	Dequeue(ctx context.Context, channel string) (*queue.Message, error)
	Ack(channel, messageID string) bool
	AcceptHandoff(ctx context.Context, channel string, msgs []*queue.Message) int
	SaveBackup(ctx context.Context, channel string, msg *queue.Message) error
	ConsumeBackup(ctx context.Context, channel, messageID string) error
	PendingBackup(ctx context.Context, channel string) ([]*queue.Message, error)
	BackupChannels(ctx context.Context) ([]string, error)
	PurgeBackup(ctx context.Context, channel string) error
}

// Forwarder sends requests for remote channels to their owner.
type Forwarder interface {
	ForwardEnqueue(ctx context.Context, addr, channel string, req cluster.EnqueueRequest) error
	ForwardDequeue(ctx context.Context, addr, channel string) (*queue.Message, error)
	ForwardAck(ctx context.Context, addr, channel, messageID string) (bool, error)
}

// StatsSource provides the stats snapshot.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// Server is the request dispatcher. It resolves the owner of every channel
// request and serves it locally or forwards it to the owner.
type Server struct {
	config    Config
	router    Router
	queue     Queue
	forwarder Forwarder
	stats     StatsSource
	tracer    trace.Tracer
	logger    *slog.Logger
	mux       *http.ServeMux
	server    *http.Server
	listener  net.Listener
}

// New creates a dispatcher.
func New(cfg Config, router Router, q Queue, fwd Forwarder, src StatsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		router:    router,
		queue:     q,
		forwarder: fwd,
		stats:     src,
		tracer:    otel.Tracer("chanq/dispatcher"),
		logger:    logger,
		mux:       http.NewServeMux(),
	}

	var enqueue http.Handler = http.HandlerFunc(s.handleEnqueue)
	if cfg.RateLimiter != nil {
		enqueue = cfg.RateLimiter.Middleware(enqueue)
	}
	s.mux.Handle("POST /enqueue/{channel}", enqueue)
	s.mux.HandleFunc("GET /dequeue/{channel}", s.handleDequeue)
	s.mux.HandleFunc("POST /ack/{channel}/{messageID}", s.handleAck)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /nodes", s.handleNodes)

	s.mux.HandleFunc("GET /internal/backup", s.handleBackupChannels)
	s.mux.HandleFunc("POST /internal/backup/{channel}", s.handleBackupSave)
	s.mux.HandleFunc("GET /internal/backup/{channel}", s.handleBackupPending)
	s.mux.HandleFunc("DELETE /internal/backup/{channel}", s.handleBackupPurge)
	s.mux.HandleFunc("DELETE /internal/backup/{channel}/{messageID}", s.handleBackupConsumed)
	s.mux.HandleFunc("POST /internal/handoff/{channel}", s.handleHandoff)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           h2c.NewHandler(s.mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Mux returns the route table so other endpoints can share the listener.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Handler returns the h2c-enabled root handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address.
// Returns empty string if server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener
	// Blocked dequeues end with the server.
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	s.logger.Info("dispatcher_starting", slog.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("dispatcher_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("dispatcher_shutdown_error", slog.String("error", err.Error()))
			s.server.Close()
			return err
		}

		s.logger.Info("dispatcher_stopped")
		return nil
	}
}
