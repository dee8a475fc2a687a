// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default health probing settings.
const (
	DefaultHealthInterval    = 5 * time.Second
	DefaultHealthTimeout     = 2 * time.Second
	DefaultHealthMaxFailures = 3
)

// CheckFunc probes a single peer.
type CheckFunc func(ctx context.Context, addr string) error

// PeerHealth is the probe state of a single peer.
type PeerHealth struct {
	Addr             string    `json:"addr"`
	Healthy          bool      `json:"healthy"`
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthConfig configures a HealthMonitor.
type HealthConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
	Logger      *slog.Logger
}

// HealthMonitor probes peers periodically. A peer is reported down after
// MaxFailures consecutive failed probes, and up again on the first success
// after that.
type HealthMonitor struct {
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	check       CheckFunc
	onDown      func(addr string)
	onUp        func(addr string)
	logger      *slog.Logger

	mu    sync.RWMutex
	peers map[string]*PeerHealth
}

// NewHealthMonitor creates a monitor that probes peers with check.
func NewHealthMonitor(cfg HealthConfig, check CheckFunc) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHealthInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHealthTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultHealthMaxFailures
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &HealthMonitor{
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		check:       check,
		logger:      cfg.Logger,
		peers:       make(map[string]*PeerHealth),
	}
}

// OnDown sets the callback for a peer crossing the failure threshold.
func (h *HealthMonitor) OnDown(fn func(addr string)) {
	h.onDown = fn
}

// OnUp sets the callback for a down peer answering again.
func (h *HealthMonitor) OnUp(fn func(addr string)) {
	h.onUp = fn
}

// Run probes peers every interval until ctx is cancelled.
func (h *HealthMonitor) Run(ctx context.Context, peers func() []string) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health_monitor_started", slog.Duration("interval", h.interval))

	h.CheckAll(ctx, peers())
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx, peers())
		case <-ctx.Done():
			h.logger.Info("health_monitor_stopped")
			return
		}
	}
}

// CheckAll probes every peer concurrently and waits for the results.
func (h *HealthMonitor) CheckAll(ctx context.Context, peers []string) {
	h.probe(ctx, peers, h.maxFailures)
}

// Seed probes every peer once at startup. Peers that do not answer are
// reported down right away, so recovery does not wait on them and their
// first answer reports them up.
func (h *HealthMonitor) Seed(ctx context.Context, peers []string) {
	h.probe(ctx, peers, 1)
}

func (h *HealthMonitor) probe(ctx context.Context, peers []string, maxFailures int) {
	var wg sync.WaitGroup
	for _, addr := range peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			h.checkPeer(ctx, addr, maxFailures)
		}(addr)
	}
	wg.Wait()
}

func (h *HealthMonitor) checkPeer(ctx context.Context, addr string, maxFailures int) {
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.check(cctx, addr)
	cancel()
	if ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	p, ok := h.peers[addr]
	if !ok {
		p = &PeerHealth{Addr: addr, Healthy: true}
		h.peers[addr] = p
	}
	p.LastCheck = time.Now()

	var down, up bool
	if err != nil {
		p.ConsecutiveFails++
		if p.ConsecutiveFails >= maxFailures && p.Healthy {
			p.Healthy = false
			down = true
		}
	} else {
		up = !p.Healthy
		p.Healthy = true
		p.ConsecutiveFails = 0
		p.LastHealthy = p.LastCheck
	}
	fails := p.ConsecutiveFails
	h.mu.Unlock()

	if err != nil {
		h.logger.Debug("health_check_failed",
			slog.String("peer", addr),
			slog.Int("attempt", fails),
			slog.Int("max_failures", h.maxFailures),
			slog.String("error", err.Error()))
	}
	if down {
		h.logger.Warn("peer_down", slog.String("peer", addr), slog.Int("failures", fails))
		if h.onDown != nil {
			h.onDown(addr)
		}
	}
	if up {
		h.logger.Info("peer_up", slog.String("peer", addr))
		if h.onUp != nil {
			h.onUp(addr)
		}
	}
}

// All returns the probe state of every probed peer.
func (h *HealthMonitor) All() map[string]PeerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	all := make(map[string]PeerHealth, len(h.peers))
	for addr, p := range h.peers {
		all[addr] = *p
	}
	return all
}
