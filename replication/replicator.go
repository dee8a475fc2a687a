// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package replication mirrors a primary's channels to its backups and
// rebuilds channel state when ownership moves between nodes.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/absmach/chanq/cluster"
	"github.com/absmach/chanq/queue"
	"github.com/absmach/chanq/storage"
)

// ErrRecovery is returned when channel state could not be rebuilt.
var ErrRecovery = errors.New("recovery failed")

// Replication operations reported to the stats recorder.
const (
	OpEnqueue  = "enqueue"
	OpConsumed = "consumed"
	OpHandoff  = "handoff"
	OpPurge    = "purge"
)

// Backup receives mirrored writes.
type Backup interface {
	NotifyBackupEnqueue(ctx context.Context, addr, channel string, msg *queue.Message) error
	NotifyBackupConsumed(ctx context.Context, addr, channel, messageID string) error
}

// Peers is the set of peer calls used for mirroring and recovery.
type Peers interface {
	Backup
	ListPending(ctx context.Context, addr, channel string) ([]*queue.Message, error)
	ListChannels(ctx context.Context, addr string) ([]string, error)
	Purge(ctx context.Context, addr, channel string) error
	Handoff(ctx context.Context, addr, channel string, msgs []*queue.Message) error
}

// Replicator serves local queue operations with synchronous best-effort
// mirroring, and keeps the engine in step with channel ownership.
type Replicator struct {
	engine *queue.Engine
	router *cluster.Router
	store  storage.Persistence
	peers  Peers
	logger *slog.Logger
}

// New creates a replicator. store holds the mirrors this node keeps for
// other primaries.
func New(engine *queue.Engine, router *cluster.Router, store storage.Persistence, peers Peers, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{
		engine: engine,
		router: router,
		store:  store,
		peers:  peers,
		logger: logger,
	}
}

// Enqueue appends msg to the local engine and mirrors it to every alive
// backup. Backup failures are logged, never returned.
func (r *Replicator) Enqueue(ctx context.Context, channel string, msg *queue.Message) *queue.Message {
	m := r.engine.Enqueue(channel, msg)
	r.mirror(context.WithoutCancel(ctx), channel, []*queue.Message{m})
	return m
}

// Dequeue pops from the local engine and tells the backups the message
// was consumed.
func (r *Replicator) Dequeue(ctx context.Context, channel string) (*queue.Message, error) {
	m, err := r.engine.Dequeue(ctx, channel)
	if err != nil {
		return nil, err
	}
	r.consumed(context.WithoutCancel(ctx), channel, []*queue.Message{m}, nil)
	return m, nil
}

// Ack acknowledges an in-flight message.
func (r *Replicator) Ack(channel, messageID string) bool {
	return r.engine.Ack(channel, messageID)
}

// Recover rebuilds the channels the local node owns from its own mirrors and
// those of every alive peer. Any failure fences the node.
func (r *Replicator) Recover(ctx context.Context) error {
	r.router.BeginRecovery()
	r.logger.Info("recovery_started", slog.String("node", r.router.Self()))

	channels, err := r.knownChannels(ctx)
	if err != nil {
		return r.fail(err)
	}

	var recovered, restored int
	for _, ch := range channels {
		owner, err := r.router.GetNodeForKey(ch)
		if err != nil {
			return r.fail(err)
		}
		if owner != r.router.Self() {
			continue
		}
		n, err := r.recoverChannel(ctx, ch)
		if err != nil {
			return r.fail(err)
		}
		recovered++
		restored += n
	}

	r.router.CompleteRecovery()
	r.logger.Info("recovery_completed",
		slog.Int("channels", recovered),
		slog.Int("messages", restored))
	return nil
}

// HandleReassignments follows ownership changes. Channels moving to the local
// node are recovered, channels moving away are handed to their new owner,
// and mirrors of a failed owner are handed to its successor.
func (r *Replicator) HandleReassignments(ctx context.Context, moved []cluster.Reassignment) {
	self := r.router.Self()
	for _, re := range moved {
		switch {
		case re.To == self:
			n, err := r.recoverChannel(ctx, re.Channel)
			if err != nil {
				r.fail(err)
				return
			}
			r.logger.Info("channel_taken_over",
				slog.String("channel", re.Channel),
				slog.String("from", re.From),
				slog.Int("restored", n))
		case re.From == self:
			r.handoff(ctx, re)
		default:
			r.forwardMirrors(ctx, re)
		}
	}
}

// AcceptHandoff restores messages handed over by a previous owner or a
// backup and mirrors them to the local backups.
func (r *Replicator) AcceptHandoff(ctx context.Context, channel string, msgs []*queue.Message) int {
	storage.SortPending(msgs)
	n := r.engine.Restore(channel, msgs)
	r.mirror(ctx, channel, msgs)
	if err := r.store.Purge(ctx, channel); err != nil {
		r.logger.Warn("local_mirror_purge_failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
	}
	r.logger.Info("handoff_accepted",
		slog.String("channel", channel),
		slog.Int("received", len(msgs)),
		slog.Int("restored", n))
	return n
}

// SaveBackup stores a message mirrored by its primary. The channel's owner is
// recorded so the mirror follows the channel if that owner fails.
func (r *Replicator) SaveBackup(ctx context.Context, channel string, msg *queue.Message) error {
	if _, err := r.router.GetNodeForKey(channel); err != nil {
		r.logger.Debug("untracked_mirror", slog.String("channel", channel), slog.String("error", err.Error()))
	}
	return r.store.Save(ctx, channel, msg)
}

// ConsumeBackup removes a mirrored message consumed on its primary.
func (r *Replicator) ConsumeBackup(ctx context.Context, channel, messageID string) error {
	return r.store.MarkConsumed(ctx, channel, messageID)
}

// PendingBackup lists the mirrored messages of a channel.
func (r *Replicator) PendingBackup(ctx context.Context, channel string) ([]*queue.Message, error) {
	return r.store.ListPending(ctx, channel)
}

// BackupChannels lists the channels with mirrored messages.
func (r *Replicator) BackupChannels(ctx context.Context) ([]string, error) {
	return r.store.Channels(ctx)
}

// PurgeBackup drops the mirror of a channel.
func (r *Replicator) PurgeBackup(ctx context.Context, channel string) error {
	return r.store.Purge(ctx, channel)
}

func (r *Replicator) fail(err error) error {
	err = fmt.Errorf("%w: %w", ErrRecovery, err)
	r.logger.Error("recovery_failed", slog.String("error", err.Error()))
	r.router.Fence(err)
	return err
}

// alivePeers returns the alive nodes other than the local one.
func (r *Replicator) alivePeers() []string {
	self := r.router.Self()
	var peers []string
	for _, addr := range r.router.CurrentAliveNodes() {
		if addr != self {
			peers = append(peers, addr)
		}
	}
	return peers
}

func (r *Replicator) knownChannels(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})

	local, err := r.store.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("local channels: %w", err)
	}
	for _, ch := range local {
		set[ch] = struct{}{}
	}

	for _, addr := range r.alivePeers() {
		remote, err := r.peers.ListChannels(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("channels from %s: %w", addr, err)
		}
		for _, ch := range remote {
			set[ch] = struct{}{}
		}
	}

	channels := make([]string, 0, len(set))
	for ch := range set {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels, nil
}

// recoverChannel pulls every pending mirror of channel, restores them into
// the engine in enqueue order, re-mirrors them to the local backups and
// clears the other copies.
func (r *Replicator) recoverChannel(ctx context.Context, channel string) (int, error) {
	seen := make(map[string]struct{})
	var merged []*queue.Message
	add := func(msgs []*queue.Message) {
		for _, m := range msgs {
			if _, dup := seen[m.MessageID]; dup {
				continue
			}
			seen[m.MessageID] = struct{}{}
			merged = append(merged, m)
		}
	}

	local, err := r.store.ListPending(ctx, channel)
	if err != nil {
		return 0, fmt.Errorf("local pending of %s: %w", channel, err)
	}
	add(local)

	peers := r.alivePeers()
	for _, addr := range peers {
		remote, err := r.peers.ListPending(ctx, addr, channel)
		if err != nil {
			return 0, fmt.Errorf("pending of %s from %s: %w", channel, addr, err)
		}
		add(remote)
	}

	storage.SortPending(merged)
	n := r.engine.Restore(channel, merged)
	r.mirror(ctx, channel, merged)

	if err := r.store.Purge(ctx, channel); err != nil {
		r.logger.Warn("local_mirror_purge_failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
	}
	backups := r.backupsOf(r.router.Self())
	for _, addr := range peers {
		if slices.Contains(backups, addr) {
			continue
		}
		if err := r.peers.Purge(ctx, addr, channel); err != nil {
			r.replicationFailed(OpPurge, addr, channel, err)
		}
	}

	return n, nil
}

// handoff drains a channel that moved away and sends its messages to the
// new owner.
func (r *Replicator) handoff(ctx context.Context, re cluster.Reassignment) {
	msgs := r.engine.Drain(re.Channel)
	if len(msgs) == 0 {
		return
	}
	if re.To == "" {
		r.logger.Error("drained_channel_has_no_owner",
			slog.String("channel", re.Channel),
			slog.Int("messages", len(msgs)))
		r.engine.Restore(re.Channel, msgs)
		return
	}

	if err := r.peers.Handoff(ctx, re.To, re.Channel, msgs); err != nil {
		r.replicationFailed(OpHandoff, re.To, re.Channel, err)
		return
	}

	// Mirrors on nodes that also serve the new owner are still valid.
	keep := append(r.backupsOf(re.To), re.To)
	r.consumed(ctx, re.Channel, msgs, keep)

	r.logger.Info("channel_handed_off",
		slog.String("channel", re.Channel),
		slog.String("to", re.To),
		slog.Int("messages", len(msgs)))
}

// forwardMirrors hands the local mirrors of a failed owner's channel to the
// channel's new owner.
func (r *Replicator) forwardMirrors(ctx context.Context, re cluster.Reassignment) {
	if re.To == "" || r.router.IsAlive(re.From) {
		return
	}

	msgs, err := r.store.ListPending(ctx, re.Channel)
	if err != nil {
		r.logger.Warn("local_mirror_read_failed",
			slog.String("channel", re.Channel),
			slog.String("error", err.Error()))
		return
	}
	if len(msgs) == 0 {
		return
	}

	if err := r.peers.Handoff(ctx, re.To, re.Channel, msgs); err != nil {
		r.replicationFailed(OpHandoff, re.To, re.Channel, err)
		return
	}

	// The new owner re-mirrored them here if this node is one of its backups.
	if slices.Contains(r.backupsOf(re.To), r.router.Self()) {
		return
	}
	if err := r.store.Purge(ctx, re.Channel); err != nil {
		r.logger.Warn("local_mirror_purge_failed",
			slog.String("channel", re.Channel),
			slog.String("error", err.Error()))
	}
}

func (r *Replicator) mirror(ctx context.Context, channel string, msgs []*queue.Message) {
	if len(msgs) == 0 {
		return
	}
	for _, addr := range r.backupsOf(r.router.Self()) {
		if !r.router.IsAlive(addr) {
			continue
		}
		for _, m := range msgs {
			if err := r.peers.NotifyBackupEnqueue(ctx, addr, channel, m); err != nil {
				r.replicationFailed(OpEnqueue, addr, channel, err)
				break
			}
		}
	}
}

func (r *Replicator) consumed(ctx context.Context, channel string, msgs []*queue.Message, skip []string) {
	for _, addr := range r.backupsOf(r.router.Self()) {
		if !r.router.IsAlive(addr) || slices.Contains(skip, addr) {
			continue
		}
		for _, m := range msgs {
			if err := r.peers.NotifyBackupConsumed(ctx, addr, channel, m.MessageID); err != nil {
				r.replicationFailed(OpConsumed, addr, channel, err)
				break
			}
		}
	}
}

func (r *Replicator) backupsOf(addr string) []string {
	backups, err := r.router.Backups(addr)
	if err != nil {
		r.logger.Warn("backups_lookup_failed", slog.String("node", addr), slog.String("error", err.Error()))
		return nil
	}
	return backups
}

func (r *Replicator) replicationFailed(op, addr, channel string, err error) {
	r.engine.Aggregator().RecordReplicationError(op)
	r.logger.Warn("replication_failed",
		slog.String("op", op),
		slog.String("peer", addr),
		slog.String("channel", channel),
		slog.String("error", err.Error()))
}
