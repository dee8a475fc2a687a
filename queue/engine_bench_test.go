// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/absmach/chanq/stats"
)

var benchPayload = json.RawMessage(`"benchmark message"`)

// setupEngineWithMessages creates an engine and enqueues n messages on channel.
func setupEngineWithMessages(b *testing.B, channel string, n int) *Engine {
	e := New(stats.New(nil), Config{})
	for i := 0; i < n; i++ {
		e.Enqueue(channel, NewMessage(channel, "text", benchPayload))
	}
	return e
}

func BenchmarkEnqueue(b *testing.B) {
	e := New(stats.New(nil), Config{})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Enqueue("bench", NewMessage("bench", "text", benchPayload))
	}
}

// BenchmarkDequeue_SingleConsumer measures dequeue from a prefilled channel.
func BenchmarkDequeue_SingleConsumer(b *testing.B) {
	e := setupEngineWithMessages(b, "bench", b.N)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Dequeue(ctx, "bench"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDequeueAck measures a full consume cycle.
func BenchmarkDequeueAck(b *testing.B) {
	e := setupEngineWithMessages(b, "bench", b.N)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := e.Dequeue(ctx, "bench")
		if err != nil {
			b.Fatal(err)
		}
		if !e.Ack("bench", msg.MessageID) {
			b.Fatalf("ack failed for %s", msg.MessageID)
		}
	}
}

// BenchmarkBlockedHandoff measures waking parked consumers.
func BenchmarkBlockedHandoff(b *testing.B) {
	for _, consumers := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("consumers=%d", consumers), func(b *testing.B) {
			e := New(stats.New(nil), Config{})
			ctx := context.Background()

			var wg sync.WaitGroup
			per := b.N / consumers
			rest := b.N % consumers

			b.ResetTimer()
			for c := 0; c < consumers; c++ {
				n := per
				if c < rest {
					n++
				}
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					for i := 0; i < n; i++ {
						if _, err := e.Dequeue(ctx, "bench"); err != nil {
							return
						}
					}
				}(n)
			}
			for i := 0; i < b.N; i++ {
				e.Enqueue("bench", NewMessage("bench", "text", benchPayload))
			}
			wg.Wait()
		})
	}
}

// BenchmarkChannels measures enqueue spread over many channels.
func BenchmarkChannels(b *testing.B) {
	e := New(stats.New(nil), Config{})
	names := make([]string, 256)
	for i := range names {
		names[i] = fmt.Sprintf("ch-%d", i)
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			name := names[i%len(names)]
			e.Enqueue(name, NewMessage(name, "text", benchPayload))
			i++
		}
	})
}
