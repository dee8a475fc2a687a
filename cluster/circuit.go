// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Default breaker and retry settings for peer calls.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 10 * time.Second
	DefaultMaxRetries       = 3
	DefaultRetryBaseDelay   = 100 * time.Millisecond
)

// BreakerConfig configures per-peer circuit breakers and retries.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	return c
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// finalError is a peer failure that must not be retried because the peer
// may already have applied the call. It still counts against the breaker.
type finalError struct {
	err error
}

func (e *finalError) Error() string { return e.err.Error() }
func (e *finalError) Unwrap() error { return e.err }

func final(err error) error {
	return &finalError{err: err}
}

// peerBreakers manages circuit breakers per peer node.
type peerBreakers struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newPeerBreakers(cfg BreakerConfig, logger *slog.Logger) *peerBreakers {
	return &peerBreakers{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (pb *peerBreakers) get(addr string) *gobreaker.CircuitBreaker {
	pb.mu.RLock()
	cb, ok := pb.breakers[addr]
	pb.mu.RUnlock()
	if ok {
		return cb
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	if cb, ok = pb.breakers[addr]; ok {
		return cb
	}

	threshold := uint32(pb.cfg.FailureThreshold)
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     pb.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A peer that answered with a client error is up, and a
			// caller giving up says nothing about the peer.
			var perm *permanentError
			return err == nil || errors.As(err, &perm) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			pb.logger.Warn("peer_breaker_state_changed",
				slog.String("peer", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	pb.breakers[addr] = cb
	return cb
}

// call runs fn once through the peer's breaker.
func (pb *peerBreakers) call(addr string, fn func() error) error {
	_, err := pb.get(addr).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("circuit open for peer %s: %w", addr, err)
	}
	return err
}

// admit fails fast while the peer's breaker is open. It never takes a
// half-open trial slot, so calls that block for long stay out of the breaker.
func (pb *peerBreakers) admit(addr string) error {
	if pb.get(addr).State() == gobreaker.StateOpen {
		return fmt.Errorf("circuit open for peer %s: %w", addr, gobreaker.ErrOpenState)
	}
	return nil
}

// retry runs fn through the peer's breaker up to MaxRetries times with
// exponential backoff. Open circuits and permanent errors stop it early.
func (pb *peerBreakers) retry(ctx context.Context, addr string, fn func() error) error {
	var lastErr error
	for attempt := range pb.cfg.MaxRetries {
		lastErr = pb.call(addr, fn)
		if lastErr == nil {
			return nil
		}

		var (
			perm *permanentError
			fin  *finalError
		)
		if errors.As(lastErr, &perm) ||
			errors.As(lastErr, &fin) ||
			errors.Is(lastErr, gobreaker.ErrOpenState) ||
			errors.Is(lastErr, gobreaker.ErrTooManyRequests) {
			return lastErr
		}

		if attempt < pb.cfg.MaxRetries-1 {
			delay := pb.cfg.RetryBaseDelay << attempt
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}
