// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles producers with one token bucket per key.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCleanupInterval is how often idle buckets are dropped.
const DefaultCleanupInterval = 5 * time.Minute

// KeyFunc maps a request to its bucket. An empty key is never limited.
type KeyFunc func(r *http.Request) string

// Options configures a Limiter.
type Options struct {
	Rate            float64 // tokens per second per key
	Burst           int
	CleanupInterval time.Duration
	// Key defaults to ClientIP.
	Key KeyFunc
	// Exempt requests bypass the limiter, e.g. requests relayed by a peer
	// that were already admitted on the node the producer called.
	Exempt func(r *http.Request) bool
}

// Limiter holds a token bucket per key.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	key      KeyFunc
	exempt   func(r *http.Request) bool
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter and starts its cleanup loop. Call Stop to end it.
func New(opts Options) *Limiter {
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Key == nil {
		opts.Key = ClientIP
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(opts.Rate),
		burst:   opts.Burst,
		cleanup: opts.CleanupInterval,
		key:     opts.Key,
		exempt:  opts.Exempt,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow takes a token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	return l.reserve(key) == 0
}

// reserve returns zero when a token was taken and otherwise the time until
// one is available.
func (l *Limiter) reserve(key string) time.Duration {
	if key == "" {
		return 0
	}

	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Duration(math.MaxInt64)
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	return 0
}

// Middleware answers 429 with a Retry-After hint once a key runs dry.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.exempt != nil && l.exempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		if wait := l.reserve(l.key(r)); wait > 0 {
			secs := int64(math.Ceil(wait.Seconds()))
			if wait == time.Duration(math.MaxInt64) {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.dropIdle()
		case <-l.stopCh:
			return
		}
	}
}

// dropIdle forgets buckets unused for two cleanup intervals.
func (l *Limiter) dropIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-2 * l.cleanup)
	for key, b := range l.buckets {
		if b.lastSeen.Before(threshold) {
			delete(l.buckets, key)
		}
	}
}

// Size returns the number of live buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop ends the cleanup loop.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ClientIP keys requests by the producer's address.
func ClientIP(r *http.Request) string {
	return hostOf(r.RemoteAddr)
}

// ClientChannel keys requests by producer address and channel, so one hot
// channel does not starve a producer's other channels.
func ClientChannel(r *http.Request) string {
	ip := hostOf(r.RemoteAddr)
	if ip == "" {
		return ""
	}
	return ip + "|" + r.PathValue("channel")
}

func hostOf(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
