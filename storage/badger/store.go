// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/chanq/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Persistence = (*Store)(nil)

// Config holds BadgerDB configuration.
type Config struct {
	Dir         string      // Directory for BadgerDB data
	Compression Compression // Value compression: none, s2 or zstd
}

// Store is a BadgerDB-backed storage.Persistence.
//
// Key format:
//   - Message: m/{channel}/{enqueueTime}/{seq}
//   - Index:   i/{channel}/{messageID} -> message key
type Store struct {
	db    *badger.DB
	seq   *badger.Sequence
	codec *codec

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	c, err := newCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Mirrors are rebuilt from the primary on the next write or recovery,
	// so fsync on every write is not worth its cost.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	seq, err := db.GetSequence([]byte(seqKey), 1000)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	s := &Store{
		db:       db,
		seq:      seq,
		codec:    c,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	go s.runGC()

	return s, nil
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	s.codec.close()
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
