// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/chanq/stats"
)

// ErrMoved is returned to consumers parked on a channel whose ownership
// moved to another node.
var ErrMoved = errors.New("channel moved to another node")

// DefaultInflightTTL bounds how long a dequeued message can still be acknowledged.
const DefaultInflightTTL = 10 * time.Minute

// Config holds engine settings.
type Config struct {
	// InflightTTL is how long a dequeued message stays acknowledgeable.
	// Zero disables expiry.
	InflightTTL time.Duration
	Logger      *slog.Logger
}

// Engine owns the channel queues of a node. Consumers block in Dequeue until
// a message is available; every Enqueue wakes at most one blocked consumer.
type Engine struct {
	mu       sync.RWMutex
	channels map[string]*channel

	stats       *stats.Aggregator
	inflightTTL time.Duration
	logger      *slog.Logger

	now   func() time.Time
	newID func() string
}

// channel is a single FIFO together with its waiters and in-flight messages.
// All fields are guarded by mu.
type channel struct {
	mu       sync.Mutex
	name     string
	messages []*Message
	waiters  []*waiter
	live     int // waiters not abandoned
	inflight map[string]*Message
	ids      map[string]struct{} // pending and in-flight IDs
}

// waiter is a parked consumer. ready is closed exactly once on release;
// err is set before that when the consumer must look elsewhere.
type waiter struct {
	ready     chan struct{}
	err       error
	abandoned bool
}

// New creates an engine reporting to agg.
func New(agg *stats.Aggregator, cfg Config) *Engine {
	if agg == nil {
		agg = stats.New(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Engine{
		channels:    make(map[string]*channel),
		stats:       agg,
		inflightTTL: cfg.InflightTTL,
		logger:      cfg.Logger,
		now:         time.Now,
		newID:       newMessageID,
	}
}

func (e *Engine) channel(name string) *channel {
	e.mu.RLock()
	ch, ok := e.channels[name]
	e.mu.RUnlock()
	if ok {
		return ch
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok = e.channels[name]; ok {
		return ch
	}
	ch = &channel{
		name:     name,
		inflight: make(map[string]*Message),
		ids:      make(map[string]struct{}),
	}
	e.channels[name] = ch
	return ch
}

func (e *Engine) lookup(name string) *channel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.channels[name]
}

// Enqueue assigns an ID and enqueue time to msg, appends it to the channel and
// releases the oldest waiting consumer. The returned copy carries the assigned fields.
func (e *Engine) Enqueue(name string, msg *Message) *Message {
	ch := e.channel(name)

	ch.mu.Lock()
	defer ch.mu.Unlock()

	msg.Channel = name
	msg.MessageID = ch.uniqueID(e.newID)
	msg.EnqueueTime = e.now().UnixMilli()
	msg.AckState = Unacknowledged

	ch.messages = append(ch.messages, msg)
	ch.ids[msg.MessageID] = struct{}{}
	e.stats.RecordEnqueue(name, len(ch.messages))

	ch.release()
	e.stats.SetBlocked(name, ch.live)

	return msg.Clone()
}

// Dequeue pops the head of the channel, blocking while the channel is empty.
// The engine imposes no timeout: the only error is ctx.Err() once the caller
// gives up. A waiter abandoned this way stays parked until a later release
// discards it.
func (e *Engine) Dequeue(ctx context.Context, name string) (*Message, error) {
	ch := e.channel(name)

	for {
		ch.mu.Lock()
		if msg := e.pop(ch); msg != nil {
			ch.mu.Unlock()
			return msg, nil
		}
		w := &waiter{ready: make(chan struct{})}
		ch.waiters = append(ch.waiters, w)
		ch.live++
		e.stats.SetBlocked(name, ch.live)
		ch.mu.Unlock()

		select {
		case <-w.ready:
			if w.err != nil {
				return nil, w.err
			}
		case <-ctx.Done():
			ch.mu.Lock()
			select {
			case <-w.ready:
				// Released while giving up: hand the wake-up to the next waiter.
				if w.err == nil && len(ch.messages) > 0 {
					ch.release()
				}
			default:
				w.abandoned = true
				ch.live--
			}
			e.stats.SetBlocked(name, ch.live)
			ch.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// pop must be called with ch.mu held.
func (e *Engine) pop(ch *channel) *Message {
	if len(ch.messages) == 0 {
		return nil
	}
	msg := ch.messages[0]
	ch.messages[0] = nil
	ch.messages = ch.messages[1:]

	now := e.now()
	msg.dequeuedAt = now
	ch.inflight[msg.MessageID] = msg

	delay := now.Sub(msg.Enqueued())
	if delay < 0 {
		delay = 0
	}
	e.stats.RecordDequeue(ch.name, len(ch.messages), msg.MessageID, delay)

	return msg.Clone()
}

// release wakes the oldest live waiter, discarding abandoned ones on the way.
// It must be called with ch.mu held.
func (ch *channel) release() {
	for len(ch.waiters) > 0 {
		w := ch.waiters[0]
		ch.waiters[0] = nil
		ch.waiters = ch.waiters[1:]
		if w.abandoned {
			continue
		}
		ch.live--
		close(w.ready)
		return
	}
}

// uniqueID must be called with ch.mu held.
func (ch *channel) uniqueID(gen func() string) string {
	for {
		id := gen()
		if _, taken := ch.ids[id]; !taken {
			return id
		}
	}
}

// Ack confirms an in-flight message. It reports false when the ID is unknown,
// already acknowledged or expired.
func (e *Engine) Ack(name, messageID string) bool {
	ch := e.lookup(name)
	if ch == nil {
		return false
	}

	ch.mu.Lock()
	msg, ok := ch.inflight[messageID]
	if ok {
		msg.AckState = Acknowledged
		delete(ch.inflight, messageID)
		delete(ch.ids, messageID)
	}
	ch.mu.Unlock()

	if ok {
		e.stats.RecordAck(name)
	}
	return ok
}

// Restore merges recovered messages into the channel in enqueue order,
// skipping IDs the channel already tracks. It returns the number restored.
func (e *Engine) Restore(name string, msgs []*Message) int {
	if len(msgs) == 0 {
		return 0
	}
	ch := e.channel(name)

	ch.mu.Lock()
	defer ch.mu.Unlock()

	restored := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.MessageID == "" {
			continue
		}
		if _, taken := ch.ids[m.MessageID]; taken {
			continue
		}
		c := m.Clone()
		c.Channel = name
		c.AckState = Unacknowledged
		ch.ids[c.MessageID] = struct{}{}
		restored = append(restored, c)
	}
	if len(restored) == 0 {
		return 0
	}

	merged := append(restored, ch.messages...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].EnqueueTime < merged[j].EnqueueTime
	})
	ch.messages = merged
	e.stats.RecordRestore(name, len(ch.messages))

	for range restored {
		if ch.live == 0 {
			break
		}
		ch.release()
	}
	e.stats.SetBlocked(name, ch.live)

	return len(restored)
}

// Drain removes every queued message from the channel and returns them.
// Parked consumers are released with ErrMoved. The channel itself is kept.
func (e *Engine) Drain(name string) []*Message {
	ch := e.lookup(name)
	if ch == nil {
		return nil
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	drained := ch.messages
	ch.messages = nil
	for _, m := range drained {
		delete(ch.ids, m.MessageID)
	}
	e.stats.SetDepth(name, 0)

	for _, w := range ch.waiters {
		if w.abandoned {
			continue
		}
		w.err = ErrMoved
		close(w.ready)
	}
	ch.waiters = nil
	ch.live = 0
	e.stats.SetBlocked(name, 0)

	return drained
}

// ExpireInflight forgets in-flight messages dequeued before cutoff.
func (e *Engine) ExpireInflight(cutoff time.Time) int {
	e.mu.RLock()
	chans := make([]*channel, 0, len(e.channels))
	for _, ch := range e.channels {
		chans = append(chans, ch)
	}
	e.mu.RUnlock()

	expired := 0
	for _, ch := range chans {
		ch.mu.Lock()
		for id, m := range ch.inflight {
			if m.dequeuedAt.Before(cutoff) {
				delete(ch.inflight, id)
				delete(ch.ids, id)
				expired++
			}
		}
		ch.mu.Unlock()
	}
	return expired
}

// Run expires stale in-flight messages until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	if e.inflightTTL <= 0 {
		return
	}

	ticker := time.NewTicker(e.inflightTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := e.ExpireInflight(e.now().Add(-e.inflightTTL)); n > 0 {
				e.logger.Debug("inflight_expired", slog.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Channels returns the names of all known channels, sorted.
func (e *Engine) Channels() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.channels))
	for name := range e.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Depth returns the number of queued messages on a channel.
func (e *Engine) Depth(name string) int {
	ch := e.lookup(name)
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.messages)
}

// Stats returns the current statistics snapshot.
func (e *Engine) Stats() stats.Snapshot {
	return e.stats.Snapshot()
}

// Aggregator returns the aggregator the engine reports to.
func (e *Engine) Aggregator() *stats.Aggregator {
	return e.stats
}
