// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/absmach/chanq/queue"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// Persistence is the durable store behind backup mirrors. It tracks, per
// channel, the messages that are still pending on the primary; a message
// leaves the store once the primary reports it consumed.
type Persistence interface {
	// Save stores a pending message. Saving the same message twice is a no-op.
	Save(ctx context.Context, channel string, msg *queue.Message) error

	// ListPending returns the pending messages of a channel in enqueue order.
	ListPending(ctx context.Context, channel string) ([]*queue.Message, error)

	// MarkConsumed removes a message. Returns ErrNotFound if it is not pending.
	MarkConsumed(ctx context.Context, channel, messageID string) error

	// Channels returns the names of channels with at least one pending message.
	Channels(ctx context.Context) ([]string, error)

	// Purge removes every pending message of a channel.
	Purge(ctx context.Context, channel string) error

	// Close releases the store.
	Close() error
}

// SortPending orders messages by enqueue time, keeping the relative order of
// messages enqueued in the same millisecond.
func SortPending(msgs []*queue.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].EnqueueTime < msgs[j].EnqueueTime
	})
}
