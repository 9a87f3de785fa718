// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the OpenTelemetry instruments of a bucketd node.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for bucket action distribution.
type Metrics struct {
	meter metric.Meter

	// Counters
	distributionsTotal metric.Int64Counter
	repliesTotal       metric.Int64Counter
	timeoutsTotal      metric.Int64Counter
	handledTotal       metric.Int64Counter
	retryEnqueued      metric.Int64Counter
	retryRedelivered   metric.Int64Counter
	deadLettersTotal   metric.Int64Counter
	rejectedUpdates    metric.Int64Counter

	// UpDownCounters (Gauges)
	coordinatorsActive metric.Int64UpDownCounter

	// Histograms
	candidates           metric.Int64Histogram
	distributionDuration metric.Float64Histogram
}

// New creates a Metrics instance with all instruments initialized on the
// global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(MeterName))
}

// NewWithMeter creates a Metrics instance on meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.distributionsTotal, err = m.meter.Int64Counter(
		"bucketd.distributions.total",
		metric.WithDescription("Total number of distributed action messages by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create distributionsTotal counter: %w", err)
	}

	m.repliesTotal, err = m.meter.Int64Counter(
		"bucketd.replies.total",
		metric.WithDescription("Total worker replies collected by coordinators"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create repliesTotal counter: %w", err)
	}

	m.timeoutsTotal, err = m.meter.Int64Counter(
		"bucketd.timeouts.total",
		metric.WithDescription("Total candidates that did not reply before the coordinator timed out"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeoutsTotal counter: %w", err)
	}

	m.handledTotal, err = m.meter.Int64Counter(
		"bucketd.worker.handled.total",
		metric.WithDescription("Total action messages handled by the local worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handledTotal counter: %w", err)
	}

	m.retryEnqueued, err = m.meter.Int64Counter(
		"bucketd.retry.enqueued.total",
		metric.WithDescription("Total retry entries created for unconfirmed hosts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retryEnqueued counter: %w", err)
	}

	m.retryRedelivered, err = m.meter.Int64Counter(
		"bucketd.retry.redelivered.total",
		metric.WithDescription("Total redelivery attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retryRedelivered counter: %w", err)
	}

	m.deadLettersTotal, err = m.meter.Int64Counter(
		"bucketd.retry.dead_letters.total",
		metric.WithDescription("Total retry entries moved to the dead letter store"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deadLettersTotal counter: %w", err)
	}

	m.rejectedUpdates, err = m.meter.Int64Counter(
		"bucketd.status.rejected.total",
		metric.WithDescription("Total status updates rejected by validation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rejectedUpdates counter: %w", err)
	}

	m.coordinatorsActive, err = m.meter.Int64UpDownCounter(
		"bucketd.coordinators.active",
		metric.WithDescription("Number of in-flight distribution coordinators"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinatorsActive gauge: %w", err)
	}

	m.candidates, err = m.meter.Int64Histogram(
		"bucketd.distribution.candidates",
		metric.WithDescription("Candidate set size per distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create candidates histogram: %w", err)
	}

	m.distributionDuration, err = m.meter.Float64Histogram(
		"bucketd.distribution.duration.ms",
		metric.WithDescription("Time from broadcast to collected replies in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create distributionDuration histogram: %w", err)
	}

	return m, nil
}

// RecordDistributionStarted records a coordinator starting for kind.
func (m *Metrics) RecordDistributionStarted(kind string, candidates int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.distributionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.candidates.Record(ctx, int64(candidates))
	m.coordinatorsActive.Add(ctx, 1)
}

// RecordDistributionFinished records a coordinator finalizing.
func (m *Metrics) RecordDistributionFinished(kind string, replies, timedOut int, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.repliesTotal.Add(ctx, int64(replies), attrs)
	m.timeoutsTotal.Add(ctx, int64(timedOut), attrs)
	m.distributionDuration.Record(ctx, durationMs, attrs)
	m.coordinatorsActive.Add(ctx, -1)
}

// RecordHandled records the local worker handling a message.
func (m *Metrics) RecordHandled(kind string, success bool) {
	if m == nil {
		return
	}
	m.handledTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	))
}

// RecordRetryEnqueued records hosts pushed to the retry queue.
func (m *Metrics) RecordRetryEnqueued(hosts int) {
	if m == nil {
		return
	}
	m.retryEnqueued.Add(context.Background(), int64(hosts))
}

// RecordRedelivery records a redelivery attempt outcome: confirmed, partial or failed.
func (m *Metrics) RecordRedelivery(outcome string) {
	if m == nil {
		return
	}
	m.retryRedelivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordDeadLetter records a retry entry being dead-lettered.
func (m *Metrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.deadLettersTotal.Add(context.Background(), 1)
}

// RecordRejectedUpdate records a status update rejected by validation.
func (m *Metrics) RecordRejectedUpdate() {
	if m == nil {
		return
	}
	m.rejectedUpdates.Add(context.Background(), 1)
}
