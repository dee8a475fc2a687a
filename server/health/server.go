// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/chanq/cluster"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Node is the local node state exposed by the health endpoints.
type Node interface {
	Self() string
	State() cluster.Liveness
	Fenced() error
	Ready() bool
	CurrentAliveNodes() []string
	PrimaryNodes() []string
	Nodes() []cluster.Node
	Owners() map[string]string
}

// PeerReporter reports the last probe result of every peer.
type PeerReporter interface {
	All() map[string]cluster.PeerHealth
}

// ChannelCounter reports the channels held by the local engine.
type ChannelCounter interface {
	Channels() []string
}

// Server provides health check endpoints for monitoring, orchestration and
// peer probes.
type Server struct {
	config   Config
	node     Node
	channels ChannelCounter
	peers    PeerReporter
	logger   *slog.Logger
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
}

// New creates a new health check server. channels may be nil.
func New(cfg Config, node Node, channels ChannelCounter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		node:     node,
		channels: channels,
		logger:   logger,
	}

	s.mux = http.NewServeMux()
	s.Register(s.mux)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Register mounts the health endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/cluster/status", s.handleClusterStatus)
}

// SetPeers adds peer probe results to the cluster status.
func (s *Server) SetPeers(peers PeerReporter) {
	s.peers = peers
}

// Addr returns the listener's network address.
// Returns empty string if server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("Starting health check server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleHealth implements liveness probe.
// A fenced node reports unhealthy so that its peers stop routing to it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if s.node != nil {
		if err := s.node.Fenced(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(HealthResponse{
				Status:  "unhealthy",
				Details: err.Error(),
			})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{
		Status: "healthy",
	})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK once the node finished recovery.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if s.node == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "not_ready",
			Details: "node not initialized",
		})
		return
	}

	if !s.node.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "not_ready",
			Details: string(s.node.State()),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: "ready",
	})
}

// ClusterStatusResponse represents cluster health information.
type ClusterStatusResponse struct {
	NodeID       string                        `json:"node_id"`
	State        string                        `json:"state"`
	AliveNodes   []string                      `json:"alive_nodes"`
	PrimaryNodes []string                      `json:"primary_nodes"`
	NodeCount    int                           `json:"node_count"`
	Channels     int                           `json:"channels"`
	Nodes        []cluster.Node                `json:"nodes"`
	Owners       map[string]string             `json:"owners,omitempty"`
	Peers        map[string]cluster.PeerHealth `json:"peers,omitempty"`
	Details      string                        `json:"details,omitempty"`
}

// handleClusterStatus returns cluster membership and health information.
func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if s.node == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ClusterStatusResponse{Details: "node not initialized"})
		return
	}

	nodes := s.node.Nodes()
	response := ClusterStatusResponse{
		NodeID:       s.node.Self(),
		State:        string(s.node.State()),
		AliveNodes:   s.node.CurrentAliveNodes(),
		PrimaryNodes: s.node.PrimaryNodes(),
		NodeCount:    len(nodes),
		Nodes:        nodes,
		Owners:       s.node.Owners(),
	}
	if s.channels != nil {
		response.Channels = len(s.channels.Channels())
	}
	if s.peers != nil {
		response.Peers = s.peers.All()
	}
	if err := s.node.Fenced(); err != nil {
		response.Details = err.Error()
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
