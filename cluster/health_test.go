// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   map[string]int
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{failing: make(map[string]bool), calls: make(map[string]int)}
}

func (f *fakeProbe) set(addr string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[addr] = failing
}

func (f *fakeProbe) check(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[addr]++
	if f.failing[addr] {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeProbe) count(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[addr]
}

type transitions struct {
	mu   sync.Mutex
	down []string
	up   []string
}

func (tr *transitions) onDown(addr string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.down = append(tr.down, addr)
}

func (tr *transitions) onUp(addr string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.up = append(tr.up, addr)
}

func TestHealthMonitor_DownAfterMaxFailures(t *testing.T) {
	probe := newFakeProbe()
	tr := &transitions{}
	h := NewHealthMonitor(HealthConfig{MaxFailures: 2}, probe.check)
	h.OnDown(tr.onDown)
	h.OnUp(tr.onUp)

	ctx := context.Background()
	peers := []string{"b", "c"}

	h.CheckAll(ctx, peers)
	assert.True(t, h.All()["b"].Healthy)
	assert.Empty(t, tr.down)

	probe.set("b", true)
	h.CheckAll(ctx, peers)
	assert.Empty(t, tr.down)
	assert.Equal(t, 1, h.All()["b"].ConsecutiveFails)

	h.CheckAll(ctx, peers)
	assert.Equal(t, []string{"b"}, tr.down)
	assert.False(t, h.All()["b"].Healthy)

	// Already down: no repeated notification.
	h.CheckAll(ctx, peers)
	assert.Equal(t, []string{"b"}, tr.down)
	assert.Empty(t, tr.up)

	probe.set("b", false)
	h.CheckAll(ctx, peers)
	assert.Equal(t, []string{"b"}, tr.up)
	assert.True(t, h.All()["b"].Healthy)
	assert.Equal(t, 0, h.All()["b"].ConsecutiveFails)

	h.CheckAll(ctx, peers)
	assert.Equal(t, []string{"b"}, tr.up)
	assert.True(t, h.All()["c"].Healthy)
}

func TestHealthMonitor_SingleFailureDoesNotFlap(t *testing.T) {
	probe := newFakeProbe()
	tr := &transitions{}
	h := NewHealthMonitor(HealthConfig{MaxFailures: 3}, probe.check)
	h.OnDown(tr.onDown)
	h.OnUp(tr.onUp)

	ctx := context.Background()
	probe.set("b", true)
	h.CheckAll(ctx, []string{"b"})
	probe.set("b", false)
	h.CheckAll(ctx, []string{"b"})

	assert.Empty(t, tr.down)
	assert.Empty(t, tr.up)
}

func TestHealthMonitor_SeedReportsUnreachablePeersDown(t *testing.T) {
	probe := newFakeProbe()
	tr := &transitions{}
	h := NewHealthMonitor(HealthConfig{MaxFailures: 3}, probe.check)
	h.OnDown(tr.onDown)
	h.OnUp(tr.onUp)

	ctx := context.Background()
	probe.set("b", true)
	h.Seed(ctx, []string{"b", "c"})
	assert.Equal(t, []string{"b"}, tr.down)
	assert.True(t, h.All()["c"].Healthy)

	probe.set("b", false)
	h.CheckAll(ctx, []string{"b", "c"})
	assert.Equal(t, []string{"b"}, tr.up)
}

func TestHealthMonitor_Run(t *testing.T) {
	probe := newFakeProbe()
	h := NewHealthMonitor(HealthConfig{Interval: 10 * time.Millisecond}, probe.check)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx, func() []string { return []string{"b"} })
		close(done)
	}()

	require.Eventually(t, func() bool { return probe.count("b") >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestHealthMonitor_Defaults(t *testing.T) {
	h := NewHealthMonitor(HealthConfig{}, newFakeProbe().check)
	assert.Equal(t, DefaultHealthInterval, h.interval)
	assert.Equal(t, DefaultHealthTimeout, h.timeout)
	assert.Equal(t, DefaultHealthMaxFailures, h.maxFailures)
	assert.NotContains(t, h.All(), "unknown")
}
