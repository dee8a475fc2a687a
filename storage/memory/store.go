// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/chanq/queue"
	"github.com/absmach/chanq/storage"
)

var _ storage.Persistence = (*Store)(nil)

// Store is an in-memory implementation of storage.Persistence.
type Store struct {
	mu       sync.RWMutex
	channels map[string]map[string]*queue.Message // channel -> messageID -> message
	seq      map[string]uint64
	order    map[string]map[string]uint64 // insertion order for equal enqueue times
	closed   bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		channels: make(map[string]map[string]*queue.Message),
		seq:      make(map[string]uint64),
		order:    make(map[string]map[string]uint64),
	}
}

// Save stores a pending message.
func (s *Store) Save(ctx context.Context, channel string, msg *queue.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	msgs, ok := s.channels[channel]
	if !ok {
		msgs = make(map[string]*queue.Message)
		s.channels[channel] = msgs
		s.order[channel] = make(map[string]uint64)
	}
	if _, exists := msgs[msg.MessageID]; exists {
		return nil
	}
	msgs[msg.MessageID] = msg.Clone()
	s.order[channel][msg.MessageID] = s.seq[channel]
	s.seq[channel]++
	return nil
}

// ListPending returns the pending messages of a channel in enqueue order.
func (s *Store) ListPending(ctx context.Context, channel string) ([]*queue.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	msgs := s.channels[channel]
	result := make([]*queue.Message, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, m.Clone())
	}
	order := s.order[channel]
	sort.Slice(result, func(i, j int) bool {
		if result[i].EnqueueTime != result[j].EnqueueTime {
			return result[i].EnqueueTime < result[j].EnqueueTime
		}
		return order[result[i].MessageID] < order[result[j].MessageID]
	})
	return result, nil
}

// MarkConsumed removes a pending message.
func (s *Store) MarkConsumed(ctx context.Context, channel, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	msgs, ok := s.channels[channel]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := msgs[messageID]; !ok {
		return storage.ErrNotFound
	}
	delete(msgs, messageID)
	delete(s.order[channel], messageID)
	if len(msgs) == 0 {
		s.drop(channel)
	}
	return nil
}

// Channels returns the channels with pending messages.
func (s *Store) Channels(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Purge removes every pending message of a channel.
func (s *Store) Purge(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	s.drop(channel)
	return nil
}

func (s *Store) drop(channel string) {
	delete(s.channels, channel)
	delete(s.order, channel)
	delete(s.seq, channel)
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
