// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package monitor pushes channel statistics to websocket subscribers.
package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/chanq/stats"
	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Source provides the statistics pushed to subscribers.
type Source interface {
	Snapshot() stats.Snapshot
	Merge(fields map[string]any)
}

// Subscriber receives serialized snapshots.
type Subscriber interface {
	Send(data []byte) error
	Close() error
}

// Hub tracks monitor subscribers and broadcasts snapshots to them.
type Hub struct {
	source   Source
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[Subscriber]struct{}
	closed bool
}

// New creates a hub that serves snapshots of source.
func New(source Source, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		source: source,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		subs: make(map[Subscriber]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the connection until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("monitor_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	h.logger.Debug("monitor_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	sub := &wsSubscriber{ws: ws}
	if !h.Add(sub) {
		return
	}

	// Monitors only listen; reading detects the close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	h.Remove(sub)
	h.logger.Debug("monitor_connection_closed", slog.String("remote_addr", r.RemoteAddr))
}

// Add registers sub and sends it the current snapshot. It returns false if
// that first send failed. The snapshot goes out under the lock, so any
// later broadcast reaches sub after it.
func (h *Hub) Add(sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.Close()
		return false
	}
	h.subs[sub] = struct{}{}

	data, err := json.Marshal(h.source.Snapshot())
	if err != nil {
		h.logger.Error("monitor_snapshot_encode_failed", slog.String("error", err.Error()))
		delete(h.subs, sub)
		sub.Close()
		return false
	}
	if err := sub.Send(data); err != nil {
		delete(h.subs, sub)
		sub.Close()
		return false
	}
	return true
}

// Remove unregisters and closes sub.
func (h *Hub) Remove(sub Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast pushes snap to every subscriber. Subscribers that fail to
// receive it are dropped.
func (h *Hub) Broadcast(snap stats.Snapshot) {
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("monitor_snapshot_encode_failed", slog.String("error", err.Error()))
		return
	}

	for _, sub := range subs {
		if err := sub.Send(data); err != nil {
			h.logger.Debug("monitor_send_failed", slog.String("error", err.Error()))
			h.Remove(sub)
		}
	}
}

// UpdateMonitorStatus merges fields into the statistics and pushes the
// result to every subscriber.
func (h *Hub) UpdateMonitorStatus(fields map[string]any) {
	h.source.Merge(fields)
	h.Broadcast(h.source.Snapshot())
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[Subscriber]struct{})
	h.closed = true
	h.mu.Unlock()

	for sub := range subs {
		sub.Close()
	}
}

type wsSubscriber struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *wsSubscriber) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSubscriber) Close() error {
	return s.ws.Close()
}
