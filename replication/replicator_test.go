// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/chanq/cluster"
	"github.com/absmach/chanq/queue"
	"github.com/absmach/chanq/stats"
	"github.com/absmach/chanq/storage"
	"github.com/absmach/chanq/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("peer unreachable")

// fakePeers keeps one in-memory mirror store per peer.
type fakePeers struct {
	mu          sync.Mutex
	stores      map[string]*memory.Store
	failEnqueue map[string]bool
	failList    map[string]bool
	enqueued    map[string]int
	handoffs    map[string][]*queue.Message // "addr/channel" -> messages
}

func newFakePeers(addrs ...string) *fakePeers {
	p := &fakePeers{
		stores:      make(map[string]*memory.Store),
		failEnqueue: make(map[string]bool),
		failList:    make(map[string]bool),
		enqueued:    make(map[string]int),
		handoffs:    make(map[string][]*queue.Message),
	}
	for _, a := range addrs {
		p.stores[a] = memory.New()
	}
	return p
}

func (p *fakePeers) NotifyBackupEnqueue(ctx context.Context, addr, channel string, msg *queue.Message) error {
	p.mu.Lock()
	fail := p.failEnqueue[addr]
	p.enqueued[addr]++
	p.mu.Unlock()
	if fail {
		return errUnreachable
	}
	return p.stores[addr].Save(ctx, channel, msg)
}

func (p *fakePeers) NotifyBackupConsumed(ctx context.Context, addr, channel, messageID string) error {
	err := p.stores[addr].MarkConsumed(ctx, channel, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (p *fakePeers) ListPending(ctx context.Context, addr, channel string) ([]*queue.Message, error) {
	if p.failList[addr] {
		return nil, errUnreachable
	}
	return p.stores[addr].ListPending(ctx, channel)
}

func (p *fakePeers) ListChannels(ctx context.Context, addr string) ([]string, error) {
	if p.failList[addr] {
		return nil, errUnreachable
	}
	return p.stores[addr].Channels(ctx)
}

func (p *fakePeers) Purge(ctx context.Context, addr, channel string) error {
	return p.stores[addr].Purge(ctx, channel)
}

func (p *fakePeers) Handoff(ctx context.Context, addr, channel string, msgs []*queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := addr + "/" + channel
	p.handoffs[key] = append(p.handoffs[key], msgs...)
	return nil
}

func (p *fakePeers) pending(t *testing.T, addr, channel string) []*queue.Message {
	t.Helper()
	msgs, err := p.stores[addr].ListPending(context.Background(), channel)
	require.NoError(t, err)
	return msgs
}

type mockRecorder struct {
	mu     sync.Mutex
	errors map[string]int
}

func (m *mockRecorder) RecordEnqueue(string) {}
func (m *mockRecorder) RecordDequeue(string, time.Duration) {}
func (m *mockRecorder) RecordAck(string) {}

func (m *mockRecorder) RecordReplicationError(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errors == nil {
		m.errors = make(map[string]int)
	}
	m.errors[op]++
}

type fixture struct {
	engine   *queue.Engine
	router   *cluster.Router
	store    *memory.Store
	peers    *fakePeers
	recorder *mockRecorder
	repl     *Replicator
}

// newFixture builds a three node primary ring a, b, c with one backup each:
// a -> b, b -> c, c -> a.
func newFixture(t *testing.T, self string) *fixture {
	t.Helper()

	router, err := cluster.NewRouter(cluster.Config{
		Self:              self,
		ReplicationFactor: 2,
		Nodes: []cluster.NodeConfig{
			{Addr: "a", Role: cluster.RolePrimary},
			{Addr: "b", Role: cluster.RolePrimary},
			{Addr: "c", Role: cluster.RolePrimary},
		},
	})
	require.NoError(t, err)

	var others []string
	for _, a := range []string{"a", "b", "c"} {
		if a != self {
			others = append(others, a)
		}
	}

	rec := &mockRecorder{}
	engine := queue.New(stats.New(rec), queue.Config{})
	store := memory.New()
	peers := newFakePeers(others...)

	return &fixture{
		engine:   engine,
		router:   router,
		store:    store,
		peers:    peers,
		recorder: rec,
		repl:     New(engine, router, store, peers, nil),
	}
}

// channelOwnedBy finds a channel name that the a, b, c ring assigns to owner.
func channelOwnedBy(t *testing.T, owner string, skip ...string) string {
	t.Helper()
	ring, err := cluster.NewRouter(cluster.Config{
		Self: "a",
		Nodes: []cluster.NodeConfig{
			{Addr: "a", Role: cluster.RolePrimary},
			{Addr: "b", Role: cluster.RolePrimary},
			{Addr: "c", Role: cluster.RolePrimary},
		},
	})
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		ch := fmt.Sprintf("channel-%d", i)
		if contains(skip, ch) {
			continue
		}
		got, err := ring.GetNodeForKey(ch)
		require.NoError(t, err)
		if got == owner {
			return ch
		}
	}
	t.Fatalf("no channel owned by %s", owner)
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func mirrored(channel, id string, at int64) *queue.Message {
	return &queue.Message{
		Channel:     channel,
		MessageType: "text",
		Payload:     json.RawMessage(`"` + id + `"`),
		MessageID:   id,
		EnqueueTime: at,
	}
}

func textMessage(payload string) *queue.Message {
	raw, _ := json.Marshal(payload)
	return queue.NewMessage("", "text", raw)
}

func TestReplicator_EnqueueAndDequeueMirror(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	m := f.repl.Enqueue(ctx, "orders", textMessage("A"))
	require.Len(t, m.MessageID, queue.IDLength)

	pending := f.peers.pending(t, "b", "orders")
	require.Len(t, pending, 1)
	assert.Equal(t, m.MessageID, pending[0].MessageID)
	assert.Empty(t, f.peers.pending(t, "c", "orders"))

	got, err := f.repl.Dequeue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, m.MessageID, got.MessageID)
	assert.Empty(t, f.peers.pending(t, "b", "orders"))

	assert.True(t, f.repl.Ack("orders", got.MessageID))
	assert.False(t, f.repl.Ack("orders", got.MessageID))
}

func TestReplicator_BackupFailureDoesNotFailEnqueue(t *testing.T) {
	f := newFixture(t, "a")
	f.peers.failEnqueue["b"] = true

	m := f.repl.Enqueue(context.Background(), "orders", textMessage("A"))
	require.NotNil(t, m)
	assert.Equal(t, 1, f.engine.Depth("orders"))
	assert.Equal(t, 1, f.recorder.errors[OpEnqueue])
}

func TestReplicator_SkipsDownBackup(t *testing.T) {
	f := newFixture(t, "a")
	f.router.ReceiveNodeWentDownNotification("b")

	f.repl.Enqueue(context.Background(), "orders", textMessage("A"))
	assert.Zero(t, f.peers.enqueued["b"])
	assert.Equal(t, 1, f.engine.Depth("orders"))
}

func TestReplicator_Recover(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	owned := channelOwnedBy(t, "a")
	foreign := channelOwnedBy(t, "b")

	// a kept mirrors of owned while it was another node's backup.
	require.NoError(t, f.store.Save(ctx, owned, mirrored(owned, "m000010", 10)))
	require.NoError(t, f.store.Save(ctx, owned, mirrored(owned, "m000030", 30)))
	// c holds another copy, including a duplicate.
	require.NoError(t, f.peers.stores["c"].Save(ctx, owned, mirrored(owned, "m000020", 20)))
	require.NoError(t, f.peers.stores["c"].Save(ctx, owned, mirrored(owned, "m000030", 30)))
	require.NoError(t, f.peers.stores["c"].Save(ctx, foreign, mirrored(foreign, "f000001", 5)))

	assert.False(t, f.router.Ready(), "a node is not ready before it recovers")
	require.NoError(t, f.repl.Recover(ctx))
	assert.True(t, f.router.Ready())

	require.Equal(t, 3, f.engine.Depth(owned))
	for _, want := range []string{"m000010", "m000020", "m000030"} {
		got, err := f.repl.Dequeue(ctx, owned)
		require.NoError(t, err)
		assert.Equal(t, want, got.MessageID)
	}
	assert.Zero(t, f.engine.Depth(foreign))

	// Foreign copies of owned are gone, the foreign channel is untouched.
	local, err := f.store.Channels(ctx)
	require.NoError(t, err)
	assert.Empty(t, local)
	assert.Empty(t, f.peers.pending(t, "c", owned))
	assert.Len(t, f.peers.pending(t, "c", foreign), 1)
}

func TestReplicator_RecoverRemirrorsToBackup(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	owned := channelOwnedBy(t, "a")
	require.NoError(t, f.peers.stores["c"].Save(ctx, owned, mirrored(owned, "m000010", 10)))
	require.NoError(t, f.peers.stores["c"].Save(ctx, owned, mirrored(owned, "m000020", 20)))

	require.NoError(t, f.repl.Recover(ctx))

	// b backs a up, so it now holds the recovered messages.
	pending := f.peers.pending(t, "b", owned)
	require.Len(t, pending, 2)
	assert.Equal(t, "m000010", pending[0].MessageID)
}

func TestReplicator_RecoverFailureFences(t *testing.T) {
	f := newFixture(t, "a")
	f.peers.failList["c"] = true

	err := f.repl.Recover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecovery)
	assert.ErrorIs(t, f.router.Fenced(), cluster.ErrFenced)
	assert.False(t, f.router.Ready())
}

func TestReplicator_RecoverSkipsDownPeers(t *testing.T) {
	f := newFixture(t, "a")
	f.peers.failList["c"] = true
	f.router.ReceiveNodeWentDownNotification("c")

	require.NoError(t, f.repl.Recover(context.Background()))
	assert.True(t, f.router.Ready())
}

func TestReplicator_HandoffOnReassignmentAway(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	f.repl.Enqueue(ctx, "orders", textMessage("A"))
	f.repl.Enqueue(ctx, "orders", textMessage("B"))
	require.Len(t, f.peers.pending(t, "b", "orders"), 2)

	f.repl.HandleReassignments(ctx, []cluster.Reassignment{{Channel: "orders", From: "a", To: "c"}})

	assert.Zero(t, f.engine.Depth("orders"))
	handed := f.peers.handoffs["c/orders"]
	require.Len(t, handed, 2)
	assert.JSONEq(t, `"A"`, string(handed[0].Payload))

	// b does not back c up, so its copies are released.
	assert.Empty(t, f.peers.pending(t, "b", "orders"))
}

func TestReplicator_HandoffReleasesParkedConsumers(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() {
		_, err := f.repl.Dequeue(ctx, "orders")
		errs <- err
	}()
	require.Eventually(t, func() bool {
		return f.engine.Stats().Blocked["orders"] == 1
	}, time.Second, 5*time.Millisecond)

	f.repl.HandleReassignments(ctx, []cluster.Reassignment{{Channel: "orders", From: "a", To: "c"}})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, queue.ErrMoved)
	case <-time.After(time.Second):
		t.Fatal("consumer stayed parked after the channel moved")
	}
	assert.Zero(t, f.engine.Stats().Blocked["orders"])
}

func TestReplicator_TakeOverOnReassignment(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	require.NoError(t, f.peers.stores["c"].Save(ctx, "orders", mirrored("orders", "m000010", 10)))

	f.repl.HandleReassignments(ctx, []cluster.Reassignment{{Channel: "orders", From: "b", To: "a"}})

	assert.Equal(t, 1, f.engine.Depth("orders"))
	assert.Empty(t, f.peers.pending(t, "c", "orders"))
	assert.NoError(t, f.router.Fenced())
}

func TestReplicator_TakeOverFailureFences(t *testing.T) {
	f := newFixture(t, "a")
	f.peers.failList["b"] = true

	f.repl.HandleReassignments(context.Background(), []cluster.Reassignment{{Channel: "orders", From: "c", To: "a"}})

	assert.ErrorIs(t, f.router.Fenced(), cluster.ErrFenced)
}

func TestReplicator_ForwardsMirrorsOfFailedOwner(t *testing.T) {
	f := newFixture(t, "b")
	ctx := context.Background()

	// b backs a up and holds its mirror.
	require.NoError(t, f.repl.SaveBackup(ctx, "orders", mirrored("orders", "m000010", 10)))
	f.router.ReceiveNodeWentDownNotification("a")

	f.repl.HandleReassignments(ctx, []cluster.Reassignment{{Channel: "orders", From: "a", To: "c"}})

	handed := f.peers.handoffs["c/orders"]
	require.Len(t, handed, 1)
	assert.Equal(t, "m000010", handed[0].MessageID)

	pending, err := f.repl.PendingBackup(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplicator_IgnoresMovesBetweenAlivePeers(t *testing.T) {
	f := newFixture(t, "b")
	ctx := context.Background()

	require.NoError(t, f.repl.SaveBackup(ctx, "orders", mirrored("orders", "m000010", 10)))
	f.repl.HandleReassignments(ctx, []cluster.Reassignment{{Channel: "orders", From: "a", To: "c"}})

	assert.Empty(t, f.peers.handoffs)
	pending, err := f.repl.PendingBackup(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReplicator_AcceptHandoff(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	n := f.repl.AcceptHandoff(ctx, "orders", []*queue.Message{
		mirrored("orders", "m000020", 20),
		mirrored("orders", "m000010", 10),
	})
	assert.Equal(t, 2, n)

	got, err := f.repl.Dequeue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "m000010", got.MessageID)

	// Duplicates of tracked messages are dropped.
	n = f.repl.AcceptHandoff(ctx, "orders", []*queue.Message{mirrored("orders", "m000020", 20)})
	assert.Zero(t, n)
	assert.Equal(t, 1, f.engine.Depth("orders"))
	assert.Len(t, f.peers.pending(t, "b", "orders"), 1)
}

func TestReplicator_BackupSide(t *testing.T) {
	f := newFixture(t, "b")
	ctx := context.Background()

	require.NoError(t, f.repl.SaveBackup(ctx, "orders", mirrored("orders", "m000010", 10)))
	require.NoError(t, f.repl.SaveBackup(ctx, "events", mirrored("events", "m000020", 20)))
	assert.Contains(t, f.router.Owners(), "orders")

	channels, err := f.repl.BackupChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"events", "orders"}, channels)

	require.NoError(t, f.repl.ConsumeBackup(ctx, "orders", "m000010"))
	assert.ErrorIs(t, f.repl.ConsumeBackup(ctx, "orders", "m000010"), storage.ErrNotFound)

	require.NoError(t, f.repl.PurgeBackup(ctx, "events"))
	channels, err = f.repl.BackupChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, channels)
}
