// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Role is the configured role of a node.
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// Liveness is the router's view of a node.
type Liveness string

const (
	Alive      Liveness = "alive"
	Suspected  Liveness = "suspected"
	Recovering Liveness = "recovering"
	Fenced     Liveness = "fenced"
)

// NodeConfig describes a configured node.
type NodeConfig struct {
	Addr    string
	Role    Role
	Backups []string // explicit backups; ring successors when empty
}

// Config configures a Router.
type Config struct {
	Self              string
	ReplicationFactor int
	Nodes             []NodeConfig
	Logger            *slog.Logger
}

// Node is a snapshot of a registry entry.
type Node struct {
	Addr     string   `json:"addr"`
	Role     Role     `json:"role"`
	Backups  []string `json:"backups"`
	Liveness Liveness `json:"liveness"`
}

// Reassignment records a channel whose owner changed. An empty To means no
// primary is alive to take it.
type Reassignment struct {
	Channel string `json:"channel"`
	From    string `json:"from"`
	To      string `json:"to"`
}

type node struct {
	addr     string
	role     Role
	backups  []string
	liveness Liveness
}

// Router owns the node registry and the channel ownership map. Ownership is
// rendezvous hashing over the alive primaries, so it only depends on the
// alive set and moves as few channels as possible when that set changes.
type Router struct {
	mu        sync.RWMutex
	self      string
	order     []string
	nodes     map[string]*node
	owners    map[string]string
	fenceErr  error
	listeners []func([]Reassignment)
	logger    *slog.Logger
}

// NewRouter builds the registry from configuration. Every node starts alive.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Nodes) == 0 {
		return nil, errors.New("no nodes configured")
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}

	r := &Router{
		self:   cfg.Self,
		nodes:  make(map[string]*node, len(cfg.Nodes)),
		owners: make(map[string]string),
		logger: cfg.Logger,
	}

	for _, nc := range cfg.Nodes {
		if nc.Addr == "" {
			return nil, errors.New("node address is empty")
		}
		if _, ok := r.nodes[nc.Addr]; ok {
			return nil, fmt.Errorf("duplicate node %s", nc.Addr)
		}
		role := nc.Role
		if role == "" {
			role = RolePrimary
		}
		if role != RolePrimary && role != RoleBackup {
			return nil, fmt.Errorf("node %s: invalid role %q", nc.Addr, role)
		}
		r.order = append(r.order, nc.Addr)
		r.nodes[nc.Addr] = &node{
			addr:     nc.Addr,
			role:     role,
			backups:  slices.Clone(nc.Backups),
			liveness: Alive,
		}
	}

	if _, ok := r.nodes[cfg.Self]; !ok {
		return nil, fmt.Errorf("%w: self %s", ErrUnknownNode, cfg.Self)
	}
	// The local node serves nothing until its channels are rehydrated.
	r.nodes[cfg.Self].liveness = Recovering

	for i, addr := range r.order {
		n := r.nodes[addr]
		if len(n.backups) > 0 {
			for _, b := range n.backups {
				if _, ok := r.nodes[b]; !ok {
					return nil, fmt.Errorf("%w: backup %s of %s", ErrUnknownNode, b, addr)
				}
				if b == addr {
					return nil, fmt.Errorf("node %s cannot back itself up", addr)
				}
			}
			continue
		}
		if n.role != RolePrimary {
			continue
		}
		for j := 1; j < cfg.ReplicationFactor && j < len(r.order); j++ {
			n.backups = append(n.backups, r.order[(i+j)%len(r.order)])
		}
	}

	return r, nil
}

// Self returns the local node address.
func (r *Router) Self() string {
	return r.self
}

// OnReassign registers a listener called after every ownership change.
// Listeners run without the router lock held.
func (r *Router) OnReassign(fn func([]Reassignment)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// GetNodeForKey returns the primary that owns channel and records it in the
// ownership map.
func (r *Router) GetNodeForKey(channel string) (string, error) {
	r.mu.RLock()
	owner, ok := r.owners[channel]
	r.mu.RUnlock()
	if ok {
		return owner, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[channel]; ok {
		return owner, nil
	}
	owner = r.pick(channel, r.alivePrimaries())
	if owner == "" {
		r.logger.Error("no_alive_primary", slog.String("channel", channel))
		return "", ErrNoAliveNodes
	}
	r.owners[channel] = owner
	return owner, nil
}

// Backups returns the configured backups of a node.
func (r *Router) Backups(addr string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, addr)
	}
	return slices.Clone(n.backups), nil
}

// Liveness returns the router's view of a node.
func (r *Router) Liveness(addr string) (Liveness, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[addr]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, addr)
	}
	return n.liveness, nil
}

// IsAlive reports whether a node takes part in routing.
func (r *Router) IsAlive(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[addr]
	return ok && isAlive(n)
}

// CurrentAliveNodes returns the alive nodes in configuration order.
func (r *Router) CurrentAliveNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var alive []string
	for _, addr := range r.order {
		if isAlive(r.nodes[addr]) {
			alive = append(alive, addr)
		}
	}
	return alive
}

// PrimaryNodes returns the alive primaries in configuration order.
func (r *Router) PrimaryNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.alivePrimaries()
}

// Peers returns every configured node except the local one.
func (r *Router) Peers() []string {
	peers := make([]string, 0, len(r.order))
	for _, addr := range r.order {
		if addr != r.self {
			peers = append(peers, addr)
		}
	}
	return peers
}

// Nodes returns a snapshot of the registry.
func (r *Router) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.order))
	for _, addr := range r.order {
		n := r.nodes[addr]
		nodes = append(nodes, Node{
			Addr:     n.addr,
			Role:     n.role,
			Backups:  slices.Clone(n.backups),
			Liveness: n.liveness,
		})
	}
	return nodes
}

// Owners returns a copy of the ownership map.
func (r *Router) Owners() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := make(map[string]string, len(r.owners))
	for ch, owner := range r.owners {
		owners[ch] = owner
	}
	return owners
}

// ReceiveNodeCameUpNotification marks a peer alive and returns the channels
// whose owner changed as a result.
func (r *Router) ReceiveNodeCameUpNotification(addr string) []Reassignment {
	return r.setLiveness(addr, Alive)
}

// ReceiveNodeWentDownNotification marks a peer suspected and returns the
// channels whose owner changed as a result.
func (r *Router) ReceiveNodeWentDownNotification(addr string) []Reassignment {
	return r.setLiveness(addr, Suspected)
}

func (r *Router) setLiveness(addr string, l Liveness) []Reassignment {
	if addr == r.self {
		// Local state is driven by recovery, not by probes.
		return nil
	}

	r.mu.Lock()
	n, ok := r.nodes[addr]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("unknown_node_liveness_change", slog.String("node", addr))
		return nil
	}
	if n.liveness == l {
		r.mu.Unlock()
		return nil
	}
	prev := n.liveness
	n.liveness = l
	moved := r.recompute()
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	r.logger.Info("node_liveness_changed",
		slog.String("node", addr),
		slog.String("from", string(prev)),
		slog.String("to", string(l)),
		slog.Int("reassigned", len(moved)))

	notify(listeners, moved)
	return moved
}

// BeginRecovery marks the local node recovering. It keeps its place in the
// alive set so ownership can be computed, but is not Ready.
func (r *Router) BeginRecovery() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fenceErr != nil {
		return
	}
	r.nodes[r.self].liveness = Recovering
}

// CompleteRecovery marks the local node alive again.
func (r *Router) CompleteRecovery() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fenceErr != nil {
		return
	}
	r.nodes[r.self].liveness = Alive
}

// Fence takes the local node out of the alive set after a failed recovery.
// The node stays fenced for the rest of its life.
func (r *Router) Fence(cause error) []Reassignment {
	r.mu.Lock()
	if r.fenceErr != nil {
		r.mu.Unlock()
		return nil
	}
	r.fenceErr = fmt.Errorf("%w: %w", ErrFenced, cause)
	r.nodes[r.self].liveness = Fenced
	moved := r.recompute()
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	r.logger.Error("node_fenced",
		slog.String("node", r.self),
		slog.String("error", cause.Error()),
		slog.Int("reassigned", len(moved)))

	notify(listeners, moved)
	return moved
}

// Fenced returns the fencing error, or nil.
func (r *Router) Fenced() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fenceErr
}

// Ready reports whether the local node serves the channels it owns.
func (r *Router) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[r.self].liveness == Alive
}

// State returns the local node liveness.
func (r *Router) State() Liveness {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[r.self].liveness
}

// recompute re-derives the owner of every tracked channel. Callers hold mu.
func (r *Router) recompute() []Reassignment {
	alive := r.alivePrimaries()

	channels := make([]string, 0, len(r.owners))
	for ch := range r.owners {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	var moved []Reassignment
	for _, ch := range channels {
		prev := r.owners[ch]
		next := r.pick(ch, alive)
		if next == prev {
			continue
		}
		if next == "" {
			delete(r.owners, ch)
		} else {
			r.owners[ch] = next
		}
		moved = append(moved, Reassignment{Channel: ch, From: prev, To: next})
	}
	return moved
}

func (r *Router) alivePrimaries() []string {
	var alive []string
	for _, addr := range r.order {
		n := r.nodes[addr]
		if n.role == RolePrimary && isAlive(n) {
			alive = append(alive, addr)
		}
	}
	return alive
}

// pick returns the candidate with the highest rendezvous score for channel.
func (r *Router) pick(channel string, candidates []string) string {
	var (
		best      string
		bestScore uint64
	)
	for _, addr := range candidates {
		score := xxhash.Sum64String(addr + "\x00" + channel)
		if best == "" || score > bestScore || (score == bestScore && addr < best) {
			best, bestScore = addr, score
		}
	}
	return best
}

func isAlive(n *node) bool {
	return n.liveness == Alive || n.liveness == Recovering
}

func notify(listeners []func([]Reassignment), moved []Reassignment) {
	if len(moved) == 0 {
		return
	}
	for _, fn := range listeners {
		fn(moved)
	}
}
