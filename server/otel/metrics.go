// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/chanq/stats"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ stats.Recorder = (*Metrics)(nil)

// Metrics mirrors queue statistics into OpenTelemetry instruments.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesEnqueued  metric.Int64Counter
	messagesDequeued  metric.Int64Counter
	messagesAcked     metric.Int64Counter
	replicationErrors metric.Int64Counter

	// Histograms
	messageDelay metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter("chanq"))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.messagesEnqueued, err = m.meter.Int64Counter(
		"chanq.messages.enqueued.total",
		metric.WithDescription("Total messages appended to channels"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesEnqueued counter: %w", err)
	}

	m.messagesDequeued, err = m.meter.Int64Counter(
		"chanq.messages.dequeued.total",
		metric.WithDescription("Total messages handed to consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDequeued counter: %w", err)
	}

	m.messagesAcked, err = m.meter.Int64Counter(
		"chanq.messages.acked.total",
		metric.WithDescription("Total messages acknowledged by consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesAcked counter: %w", err)
	}

	m.replicationErrors, err = m.meter.Int64Counter(
		"chanq.replication.errors.total",
		metric.WithDescription("Total failed backup operations by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replicationErrors counter: %w", err)
	}

	m.messageDelay, err = m.meter.Float64Histogram(
		"chanq.message.delay.ms",
		metric.WithDescription("Time between enqueue and dequeue in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageDelay histogram: %w", err)
	}

	return m, nil
}

// RegisterDepth reports channel depths as an observable gauge.
func (m *Metrics) RegisterDepth(depths func() map[string]int) error {
	_, err := m.meter.Int64ObservableGauge(
		"chanq.channel.depth",
		metric.WithDescription("Messages waiting in a channel"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for ch, n := range depths() {
				o.Observe(int64(n), metric.WithAttributes(attribute.String("channel", ch)))
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create channel depth gauge: %w", err)
	}
	return nil
}

// RecordEnqueue records a message appended to channel.
func (m *Metrics) RecordEnqueue(channel string) {
	m.messagesEnqueued.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("channel", channel),
	))
}

// RecordDequeue records a message handed to a consumer.
func (m *Metrics) RecordDequeue(channel string, delay time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("channel", channel))
	m.messagesDequeued.Add(ctx, 1, attrs)
	m.messageDelay.Record(ctx, float64(delay)/float64(time.Millisecond), attrs)
}

// RecordAck records an acknowledged message.
func (m *Metrics) RecordAck(channel string) {
	m.messagesAcked.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("channel", channel),
	))
}

// RecordReplicationError records a failed backup operation.
func (m *Metrics) RecordReplicationError(op string) {
	m.replicationErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
	))
}
