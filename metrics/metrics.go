// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the OpenTelemetry instruments and provider
// setup for a queue node.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueStats is a point-in-time view of queue state, sampled through
// a local query for the observable instruments.
type QueueStats struct {
	Ready      int
	CheckedOut int
	Consumers  int
	Usage      float64
}

// Metrics holds OpenTelemetry metric instruments for a queue node.
type Metrics struct {
	meter metric.Meter

	// Counters
	commandsApplied  metric.Int64Counter
	commandsRejected metric.Int64Counter
	commandsShed     metric.Int64Counter
	enqueuedTotal    metric.Int64Counter
	settledTotal     metric.Int64Counter
	returnedTotal    metric.Int64Counter
	deadLettered     metric.Int64Counter

	// Histograms
	deliveryBatchSize metric.Int64Histogram
}

// New creates a Metrics instance with all instruments initialized and
// registers observable gauges fed by stats. The stats callback runs on
// the exporter's collection schedule and must be safe to call from any
// goroutine.
func New(queue string, stats func() QueueStats) (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fifoq"),
	}

	var err error

	m.commandsApplied, err = m.meter.Int64Counter(
		"fifoq.commands.applied.total",
		metric.WithDescription("Total commands applied to the state machine"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandsApplied counter: %w", err)
	}

	m.commandsRejected, err = m.meter.Int64Counter(
		"fifoq.commands.rejected.total",
		metric.WithDescription("Total commands rejected as protocol violations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandsRejected counter: %w", err)
	}

	m.commandsShed, err = m.meter.Int64Counter(
		"fifoq.commands.shed.total",
		metric.WithDescription("Total pipelined commands dropped under overload"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandsShed counter: %w", err)
	}

	m.enqueuedTotal, err = m.meter.Int64Counter(
		"fifoq.messages.enqueued.total",
		metric.WithDescription("Total messages added to the queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueuedTotal counter: %w", err)
	}

	m.settledTotal, err = m.meter.Int64Counter(
		"fifoq.messages.settled.total",
		metric.WithDescription("Total messages settled by consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create settledTotal counter: %w", err)
	}

	m.returnedTotal, err = m.meter.Int64Counter(
		"fifoq.messages.returned.total",
		metric.WithDescription("Total messages returned for redelivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create returnedTotal counter: %w", err)
	}

	m.deadLettered, err = m.meter.Int64Counter(
		"fifoq.messages.dead_lettered.total",
		metric.WithDescription("Total messages routed to the dead-letter handler"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deadLettered counter: %w", err)
	}

	m.deliveryBatchSize, err = m.meter.Int64Histogram(
		"fifoq.delivery.batch.size",
		metric.WithDescription("Messages per delivery batch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryBatchSize histogram: %w", err)
	}

	if stats != nil {
		if err := m.registerObservers(queue, stats); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) registerObservers(queue string, stats func() QueueStats) error {
	attrs := metric.WithAttributes(attribute.String("queue", queue))

	ready, err := m.meter.Int64ObservableGauge(
		"fifoq.messages.ready",
		metric.WithDescription("Messages waiting for delivery"),
	)
	if err != nil {
		return fmt.Errorf("failed to create ready gauge: %w", err)
	}
	checkedOut, err := m.meter.Int64ObservableGauge(
		"fifoq.messages.checked_out",
		metric.WithDescription("Delivered but unsettled messages"),
	)
	if err != nil {
		return fmt.Errorf("failed to create checkedOut gauge: %w", err)
	}
	consumers, err := m.meter.Int64ObservableGauge(
		"fifoq.consumers.active",
		metric.WithDescription("Registered consumer checkouts"),
	)
	if err != nil {
		return fmt.Errorf("failed to create consumers gauge: %w", err)
	}
	usage, err := m.meter.Float64ObservableGauge(
		"fifoq.queue.usage",
		metric.WithDescription("Fraction of observed time the queue had pending work"),
	)
	if err != nil {
		return fmt.Errorf("failed to create usage gauge: %w", err)
	}

	_, err = m.meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			s := stats()
			o.ObserveInt64(ready, int64(s.Ready), attrs)
			o.ObserveInt64(checkedOut, int64(s.CheckedOut), attrs)
			o.ObserveInt64(consumers, int64(s.Consumers), attrs)
			o.ObserveFloat64(usage, s.Usage, attrs)
			return nil
		},
		ready, checkedOut, consumers, usage,
	)
	if err != nil {
		return fmt.Errorf("failed to register stats callback: %w", err)
	}
	return nil
}

// RecordApplied records one applied command by type.
func (m *Metrics) RecordApplied(commandType string) {
	m.commandsApplied.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("command", commandType),
	))
}

// RecordRejected records a rejected command by type.
func (m *Metrics) RecordRejected(commandType string) {
	m.commandsRejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("command", commandType),
	))
}

// RecordShed records a pipelined command dropped by the rate limiter.
func (m *Metrics) RecordShed() {
	m.commandsShed.Add(context.Background(), 1)
}

// RecordEnqueued records messages added to the queue.
func (m *Metrics) RecordEnqueued(n int64) {
	m.enqueuedTotal.Add(context.Background(), n)
}

// RecordSettled records messages settled by consumers.
func (m *Metrics) RecordSettled(n int64) {
	m.settledTotal.Add(context.Background(), n)
}

// RecordReturned records messages returned for redelivery.
func (m *Metrics) RecordReturned(n int64) {
	m.returnedTotal.Add(context.Background(), n)
}

// RecordDeadLettered records messages routed to the dead-letter
// handler, attributed by reason.
func (m *Metrics) RecordDeadLettered(n int64, reason string) {
	m.deadLettered.Add(context.Background(), n, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordDeliveryBatch records the size of one delivery batch.
func (m *Metrics) RecordDeliveryBatch(size int64) {
	m.deliveryBatchSize.Record(context.Background(), size)
}
