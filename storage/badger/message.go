// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/absmach/chanq/queue"
	"github.com/absmach/chanq/storage"
	"github.com/dgraph-io/badger/v4"
)

const (
	msgPrefix   = "m/"
	indexPrefix = "i/"
	seqKey      = "seq"
)

func channelPrefix(prefix, channel string) []byte {
	return []byte(prefix + url.PathEscape(channel) + "/")
}

func messageKey(channel string, enqueueTime int64, seq uint64) []byte {
	return fmt.Appendf(channelPrefix(msgPrefix, channel), "%020d/%020d", enqueueTime, seq)
}

func indexKey(channel, messageID string) []byte {
	return append(channelPrefix(indexPrefix, channel), url.PathEscape(messageID)...)
}

// Save stores a pending message. Saving an already pending ID is a no-op.
func (s *Store) Save(ctx context.Context, channel string, msg *queue.Message) error {
	if s.isClosed() {
		return storage.ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	value := s.codec.encode(data)

	seq, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to get sequence: %w", err)
	}

	idx := indexKey(channel, msg.MessageID)
	key := messageKey(channel, msg.EnqueueTime, seq)

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(idx); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set(idx, key)
	})
}

// ListPending returns the pending messages of a channel in enqueue order.
func (s *Store) ListPending(ctx context.Context, channel string) ([]*queue.Message, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}

	var msgs []*queue.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = channelPrefix(msgPrefix, channel)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			data, err := s.codec.decode(raw)
			if err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			msg := &queue.Message{}
			if err := json.Unmarshal(data, msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msgs, nil
}

// MarkConsumed removes a pending message.
func (s *Store) MarkConsumed(ctx context.Context, channel, messageID string) error {
	if s.isClosed() {
		return storage.ErrClosed
	}

	idx := indexKey(channel, messageID)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(idx)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(idx)
	})
}

// Channels returns the channels with pending messages.
func (s *Store) Channels(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}

	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(indexPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		last := ""
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), indexPrefix)
			escaped, _, ok := strings.Cut(rest, "/")
			if !ok || escaped == last {
				continue
			}
			last = escaped
			name, err := url.PathUnescape(escaped)
			if err != nil {
				return fmt.Errorf("invalid channel key %q: %w", escaped, err)
			}
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Keys sort by their escaped form.
	sort.Strings(names)
	return names, nil
}

// Purge removes every pending message of a channel.
func (s *Store) Purge(ctx context.Context, channel string) error {
	if s.isClosed() {
		return storage.ErrClosed
	}

	for _, prefix := range []string{msgPrefix, indexPrefix} {
		if err := s.db.DropPrefix(channelPrefix(prefix, channel)); err != nil {
			return fmt.Errorf("failed to purge channel %s: %w", channel, err)
		}
	}
	return nil
}
