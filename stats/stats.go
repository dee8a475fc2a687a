// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Interval is the fixed cadence at which inbound and outbound rates are computed.
const Interval = time.Second

// ExecuteComplete is reported as now_executing once a channel has been drained.
const ExecuteComplete = "Message execute complete"

// Recorder receives every counted event. It is used to mirror channel
// statistics into an external metrics pipeline.
type Recorder interface {
	RecordEnqueue(channel string)
	RecordDequeue(channel string, delay time.Duration)
	RecordAck(channel string)
	RecordReplicationError(op string)
}

// Throughput counts messages that entered and left a channel.
type Throughput struct {
	In  uint64 `json:"in"`
	Out uint64 `json:"out"`
}

// Completion counts messages handed to consumers.
type Completion struct {
	TotalComplete uint64 `json:"totalComplete"`
}

// Rate is a per-interval counter together with the last computed rate.
type Rate struct {
	Count     uint64 `json:"count"`
	Timestamp int64  `json:"timestamp"`
	Value     string `json:"-"`
}

// Snapshot is a point-in-time copy of all channel statistics.
type Snapshot struct {
	Length               map[string]int        `json:"length"`
	Throughput           map[string]Throughput `json:"throughput"`
	Delay                map[string]int64      `json:"delay"`
	Blocked              map[string]int        `json:"blocked"`
	MessageTotalComplete map[string]Completion `json:"messageTotalComplete"`
	NowExecuting         map[string]string     `json:"now_executing"`
	InboundRate          map[string]Rate       `json:"inboundRate"`
	OutboundRate         map[string]Rate       `json:"outboundRate"`
	Extra                map[string]any        `json:"-"`
}

// MarshalJSON renders the snapshot with rates as "x.xxMPS" strings and
// merged fields laid over the built-in keys.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"length":               s.Length,
		"throughput":           s.Throughput,
		"delay":                s.Delay,
		"blocked":              s.Blocked,
		"messageTotalComplete": s.MessageTotalComplete,
		"now_executing":        s.NowExecuting,
		"inboundRate":          renderRates(s.InboundRate, "inboundRate"),
		"outboundRate":         renderRates(s.OutboundRate, "outboundRate"),
	}
	for k, v := range s.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

func renderRates(rates map[string]Rate, key string) map[string]map[string]any {
	out := make(map[string]map[string]any, len(rates))
	for ch, r := range rates {
		out[ch] = map[string]any{
			"count":     r.Count,
			"timestamp": r.Timestamp,
			key:         r.Value,
		}
	}
	return out
}

// Aggregator maintains per-channel counters and renders snapshots.
// It is safe for concurrent use.
type Aggregator struct {
	mu sync.RWMutex

	length       map[string]int
	throughput   map[string]*Throughput
	delay        map[string]int64
	blocked      map[string]int
	complete     map[string]*Completion
	nowExecuting map[string]string
	inbound      map[string]*Rate
	outbound     map[string]*Rate
	extra        map[string]any

	recorder Recorder
	now      func() time.Time

	listenersMu sync.Mutex
	listeners   []func(Snapshot)
}

// New creates an aggregator. recorder may be nil.
func New(recorder Recorder) *Aggregator {
	return &Aggregator{
		length:       make(map[string]int),
		throughput:   make(map[string]*Throughput),
		delay:        make(map[string]int64),
		blocked:      make(map[string]int),
		complete:     make(map[string]*Completion),
		nowExecuting: make(map[string]string),
		inbound:      make(map[string]*Rate),
		outbound:     make(map[string]*Rate),
		extra:        make(map[string]any),
		recorder:     recorder,
		now:          time.Now,
	}
}

// RecordEnqueue accounts for a message appended to channel.
func (a *Aggregator) RecordEnqueue(channel string, depth int) {
	a.mu.Lock()
	a.length[channel] = depth
	a.throughputFor(channel).In++
	a.rateFor(a.inbound, channel).Count++
	a.mu.Unlock()

	if a.recorder != nil {
		a.recorder.RecordEnqueue(channel)
	}
}

// RecordRestore accounts for recovered messages. Restored messages change
// the depth but are not counted as inbound traffic.
func (a *Aggregator) RecordRestore(channel string, depth int) {
	a.mu.Lock()
	a.length[channel] = depth
	a.throughputFor(channel)
	a.mu.Unlock()
}

// RecordDequeue accounts for a message handed to a consumer.
func (a *Aggregator) RecordDequeue(channel string, depth int, messageID string, delay time.Duration) {
	a.mu.Lock()
	a.length[channel] = depth
	a.throughputFor(channel).Out++
	a.rateFor(a.outbound, channel).Count++
	a.delay[channel] = delay.Milliseconds()

	c, ok := a.complete[channel]
	if !ok {
		c = &Completion{}
		a.complete[channel] = c
	}
	c.TotalComplete++

	if depth == 0 {
		a.nowExecuting[channel] = ExecuteComplete
	} else {
		a.nowExecuting[channel] = messageID
	}
	a.mu.Unlock()

	if a.recorder != nil {
		a.recorder.RecordDequeue(channel, delay)
	}
}

// RecordAck accounts for an acknowledged message.
func (a *Aggregator) RecordAck(channel string) {
	if a.recorder != nil {
		a.recorder.RecordAck(channel)
	}
}

// RecordReplicationError accounts for a failed backup call.
func (a *Aggregator) RecordReplicationError(op string) {
	if a.recorder != nil {
		a.recorder.RecordReplicationError(op)
	}
}

// SetDepth overwrites the depth of a channel.
func (a *Aggregator) SetDepth(channel string, depth int) {
	a.mu.Lock()
	a.length[channel] = depth
	a.mu.Unlock()
}

// SetBlocked records the number of consumers waiting on channel.
func (a *Aggregator) SetBlocked(channel string, n int) {
	a.mu.Lock()
	a.blocked[channel] = n
	a.mu.Unlock()
}

// throughputFor must be called with a.mu held.
func (a *Aggregator) throughputFor(channel string) *Throughput {
	t, ok := a.throughput[channel]
	if !ok {
		t = &Throughput{}
		a.throughput[channel] = t
	}
	return t
}

// rateFor must be called with a.mu held.
func (a *Aggregator) rateFor(rates map[string]*Rate, channel string) *Rate {
	r, ok := rates[channel]
	if !ok {
		r = &Rate{Timestamp: a.now().UnixMilli(), Value: formatRate(0)}
		rates[channel] = r
	}
	return r
}

// Tick computes count/elapsed for every tracked rate and resets the counters.
func (a *Aggregator) Tick() {
	now := a.now()

	a.mu.Lock()
	tickRates(a.inbound, now)
	tickRates(a.outbound, now)
	a.mu.Unlock()

	snap := a.Snapshot()
	a.listenersMu.Lock()
	listeners := append([]func(Snapshot){}, a.listeners...)
	a.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func tickRates(rates map[string]*Rate, now time.Time) {
	for _, r := range rates {
		elapsed := now.Sub(time.UnixMilli(r.Timestamp)).Seconds()
		var v float64
		if elapsed > 0 {
			v = float64(r.Count) / elapsed
		}
		r.Value = formatRate(v)
		r.Count = 0
		r.Timestamp = now.UnixMilli()
	}
}

func formatRate(v float64) string {
	return fmt.Sprintf("%.2fMPS", v)
}

// OnTick registers fn to be called with a fresh snapshot after every tick.
func (a *Aggregator) OnTick(fn func(Snapshot)) {
	a.listenersMu.Lock()
	a.listeners = append(a.listeners, fn)
	a.listenersMu.Unlock()
}

// Run ticks every Interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Tick()
		case <-ctx.Done():
			return
		}
	}
}

// Merge shallow-merges fields into the stats object. Merged keys appear in
// every later snapshot and take precedence over built-in keys.
func (a *Aggregator) Merge(fields map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for k, v := range fields {
		a.extra[k] = v
	}
}

// Snapshot returns a deep copy of the current statistics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{
		Length:               make(map[string]int, len(a.length)),
		Throughput:           make(map[string]Throughput, len(a.throughput)),
		Delay:                make(map[string]int64, len(a.delay)),
		Blocked:              make(map[string]int, len(a.blocked)),
		MessageTotalComplete: make(map[string]Completion, len(a.complete)),
		NowExecuting:         make(map[string]string, len(a.nowExecuting)),
		InboundRate:          make(map[string]Rate, len(a.inbound)),
		OutboundRate:         make(map[string]Rate, len(a.outbound)),
		Extra:                make(map[string]any, len(a.extra)),
	}
	for k, v := range a.length {
		s.Length[k] = v
	}
	for k, v := range a.throughput {
		s.Throughput[k] = *v
	}
	for k, v := range a.delay {
		s.Delay[k] = v
	}
	for k, v := range a.blocked {
		s.Blocked[k] = v
	}
	for k, v := range a.complete {
		s.MessageTotalComplete[k] = *v
	}
	for k, v := range a.nowExecuting {
		s.NowExecuting[k] = v
	}
	for k, v := range a.inbound {
		s.InboundRate[k] = *v
	}
	for k, v := range a.outbound {
		s.OutboundRate[k] = *v
	}
	for k, v := range a.extra {
		s.Extra[k] = v
	}
	return s
}
