// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/chanq/cluster"
	"github.com/absmach/chanq/queue"
	"github.com/absmach/chanq/replication"
	"github.com/absmach/chanq/stats"
	"github.com/absmach/chanq/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clusterNode struct {
	addr   string
	url    string
	router *cluster.Router
	engine *queue.Engine
	store  *memory.Store
}

// startCluster runs one dispatcher per node over real peer transports. Every
// node backs up the next one.
func startCluster(t *testing.T, n int) []*clusterNode {
	t.Helper()

	handlers := make([]http.Handler, n)
	servers := make([]*httptest.Server, n)
	var ncs []cluster.NodeConfig
	for i := range n {
		servers[i] = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlers[i].ServeHTTP(w, r)
		}))
		ncs = append(ncs, cluster.NodeConfig{Addr: servers[i].Listener.Addr().String()})
	}

	nodes := make([]*clusterNode, n)
	for i := range n {
		router, err := cluster.NewRouter(cluster.Config{
			Self:              ncs[i].Addr,
			ReplicationFactor: 2,
			Nodes:             ncs,
		})
		require.NoError(t, err)
		router.CompleteRecovery()

		agg := stats.New(nil)
		engine := queue.New(agg, queue.Config{})
		store := memory.New()
		transport := cluster.NewTransport(cluster.TransportConfig{
			Timeout: 2 * time.Second,
			Breaker: cluster.BreakerConfig{MaxRetries: 1},
		})
		rep := replication.New(engine, router, store, transport, nil)
		srv := New(Config{DequeueTimeout: 2 * time.Second}, router, rep, transport, agg, nil)
		handlers[i] = srv.Handler()

		servers[i].Start()
		t.Cleanup(servers[i].Close)

		nodes[i] = &clusterNode{
			addr:   ncs[i].Addr,
			url:    servers[i].URL,
			router: router,
			engine: engine,
			store:  store,
		}
	}
	return nodes
}

func channelOwnedBy(t *testing.T, router *cluster.Router, owner string) string {
	t.Helper()

	for i := range 1000 {
		ch := fmt.Sprintf("orders-%d", i)
		got, err := router.GetNodeForKey(ch)
		require.NoError(t, err)
		if got == owner {
			return ch
		}
	}
	t.Fatalf("no channel owned by %s", owner)
	return ""
}

func call(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestClusterForwardingAndMirroring(t *testing.T) {
	nodes := startCluster(t, 2)
	entry, owner := nodes[0], nodes[1]
	ch := channelOwnedBy(t, entry.router, owner.addr)
	ctx := context.Background()

	code, _ := call(t, http.MethodPost, entry.url+"/enqueue/"+ch, `{"messageType":"text","payload":"A"}`)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, 0, entry.engine.Depth(ch))
	assert.Equal(t, 1, owner.engine.Depth(ch))

	// The entry node is the owner's backup.
	mirrored, err := entry.store.ListPending(ctx, ch)
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	assert.JSONEq(t, `"A"`, string(mirrored[0].Payload))

	code, body := call(t, http.MethodGet, entry.url+"/dequeue/"+ch, "")
	require.Equal(t, http.StatusOK, code)
	var msg queue.Message
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, mirrored[0].MessageID, msg.MessageID)

	mirrored, err = entry.store.ListPending(ctx, ch)
	require.NoError(t, err)
	assert.Empty(t, mirrored, "consumed message must leave the mirror")

	code, _ = call(t, http.MethodPost, entry.url+"/ack/"+ch+"/"+msg.MessageID, "")
	assert.Equal(t, http.StatusOK, code)

	code, body = call(t, http.MethodPost, entry.url+"/ack/"+ch+"/"+msg.MessageID, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"error":"`+msg.MessageID+` not found"}`, string(body))
}

func TestClusterForwardedDequeueTimesOut(t *testing.T) {
	nodes := startCluster(t, 2)
	ch := channelOwnedBy(t, nodes[0].router, nodes[1].addr)

	code, body := call(t, http.MethodGet, nodes[0].url+"/dequeue/"+ch, "")
	assert.Equal(t, http.StatusRequestTimeout, code)
	assert.JSONEq(t, `{"error":"dequeue timed out"}`, string(body))

	// A timed out dequeue does not count against the owner.
	code, _ = call(t, http.MethodPost, nodes[0].url+"/enqueue/"+ch, `{"messageType":"text","payload":"A"}`)
	assert.Equal(t, http.StatusOK, code)
}
