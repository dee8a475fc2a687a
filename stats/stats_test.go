// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRecorder struct {
	mu         sync.Mutex
	enqueued   int
	dequeued   int
	acked      int
	replErrors []string
}

func (m *mockRecorder) RecordEnqueue(string) {
	m.mu.Lock()
	m.enqueued++
	m.mu.Unlock()
}

func (m *mockRecorder) RecordDequeue(string, time.Duration) {
	m.mu.Lock()
	m.dequeued++
	m.mu.Unlock()
}

func (m *mockRecorder) RecordAck(string) {
	m.mu.Lock()
	m.acked++
	m.mu.Unlock()
}

func (m *mockRecorder) RecordReplicationError(op string) {
	m.mu.Lock()
	m.replErrors = append(m.replErrors, op)
	m.mu.Unlock()
}

func TestAggregator_Counters(t *testing.T) {
	rec := &mockRecorder{}
	a := New(rec)

	a.RecordEnqueue("orders", 1)
	a.RecordEnqueue("orders", 2)
	a.RecordDequeue("orders", 1, "abc1234", 15*time.Millisecond)
	a.RecordAck("orders")
	a.RecordReplicationError("backup_enqueue")

	snap := a.Snapshot()
	assert.Equal(t, 1, snap.Length["orders"])
	assert.Equal(t, Throughput{In: 2, Out: 1}, snap.Throughput["orders"])
	assert.Equal(t, int64(15), snap.Delay["orders"])
	assert.Equal(t, uint64(1), snap.MessageTotalComplete["orders"].TotalComplete)
	assert.Equal(t, "abc1234", snap.NowExecuting["orders"])
	assert.Equal(t, uint64(2), snap.InboundRate["orders"].Count)
	assert.Equal(t, uint64(1), snap.OutboundRate["orders"].Count)

	assert.Equal(t, 2, rec.enqueued)
	assert.Equal(t, 1, rec.dequeued)
	assert.Equal(t, 1, rec.acked)
	assert.Equal(t, []string{"backup_enqueue"}, rec.replErrors)
}

func TestAggregator_NowExecutingComplete(t *testing.T) {
	a := New(nil)
	a.RecordEnqueue("c", 1)
	a.RecordDequeue("c", 0, "abc1234", 0)

	assert.Equal(t, ExecuteComplete, a.Snapshot().NowExecuting["c"])
}

func TestAggregator_TickComputesRates(t *testing.T) {
	a := New(nil)
	base := time.UnixMilli(1_700_000_000_000)
	a.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		a.RecordEnqueue("c", i+1)
	}
	for i := 0; i < 4; i++ {
		a.RecordDequeue("c", 9-i, "id", 0)
	}

	a.now = func() time.Time { return base.Add(2 * time.Second) }
	a.Tick()

	snap := a.Snapshot()
	assert.Equal(t, "5.00MPS", snap.InboundRate["c"].Value)
	assert.Equal(t, "2.00MPS", snap.OutboundRate["c"].Value)
	assert.Equal(t, uint64(0), snap.InboundRate["c"].Count)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), snap.InboundRate["c"].Timestamp)

	// An idle interval reports zero.
	a.now = func() time.Time { return base.Add(3 * time.Second) }
	a.Tick()
	assert.Equal(t, "0.00MPS", a.Snapshot().InboundRate["c"].Value)
}

func TestAggregator_OnTick(t *testing.T) {
	a := New(nil)
	a.RecordEnqueue("c", 1)

	var got Snapshot
	a.OnTick(func(s Snapshot) { got = s })
	a.Tick()

	assert.Equal(t, 1, got.Length["c"])
}

func TestAggregator_RunStopsOnCancel(t *testing.T) {
	a := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSnapshot_JSONShape(t *testing.T) {
	a := New(nil)
	a.RecordEnqueue("orders", 1)
	a.RecordDequeue("orders", 0, "abc1234", 3*time.Millisecond)
	a.Tick()

	data, err := json.Marshal(a.Snapshot())
	require.NoError(t, err)

	var out map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &out))

	for _, key := range []string{"length", "throughput", "delay", "blocked", "messageTotalComplete", "now_executing", "inboundRate", "outboundRate"} {
		assert.Contains(t, out, key)
	}
	assert.Equal(t, map[string]any{"in": float64(1), "out": float64(1)}, out["throughput"]["orders"])
	assert.Equal(t, map[string]any{"totalComplete": float64(1)}, out["messageTotalComplete"]["orders"])
	assert.Equal(t, ExecuteComplete, out["now_executing"]["orders"])

	inbound, ok := out["inboundRate"]["orders"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, inbound, "count")
	assert.Contains(t, inbound, "timestamp")
	assert.Regexp(t, `^\d+\.\d{2}MPS$`, inbound["inboundRate"])

	outbound, ok := out["outboundRate"]["orders"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, outbound, "outboundRate")
}

func TestAggregator_Merge(t *testing.T) {
	a := New(nil)
	a.RecordEnqueue("c", 1)

	a.Merge(map[string]any{
		"nodes":  []string{"http://a", "http://b"},
		"length": map[string]int{"override": 9},
	})

	data, err := json.Marshal(a.Snapshot())
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, []any{"http://a", "http://b"}, out["nodes"])
	assert.Equal(t, map[string]any{"override": float64(9)}, out["length"])
}

func TestAggregator_SnapshotIsCopy(t *testing.T) {
	a := New(nil)
	a.RecordEnqueue("c", 1)

	snap := a.Snapshot()
	snap.Length["c"] = 42
	a.RecordEnqueue("c", 2)

	assert.Equal(t, 2, a.Snapshot().Length["c"])
}
