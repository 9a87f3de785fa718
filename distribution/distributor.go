// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package distribution fans a bucket action message out to every registered
// worker node and collects their replies within a bounded time window.
//
// Each call to Distribute creates one coordinator. A coordinator looks up the
// candidate nodes once, publishes the message once and then waits until every
// candidate replied or its timer fired, whichever comes first. It produces
// exactly one CollectedReplies and drops anything that arrives afterwards.
package distribution

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bus"
	"github.com/absmach/bucketd/cluster"
	"github.com/absmach/bucketd/metrics"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a coordinator's lifetime when the caller passes zero.
const DefaultTimeout = 5 * time.Second

// ErrOfferNotDistributable is returned for Offer messages, which workers
// answer point-to-point instead.
var ErrOfferNotDistributable = errors.New("offer messages are not distributed")

// Result is the single outcome of a coordinator.
type Result struct {
	Replies *action.CollectedReplies
	Err     error
}

// Distributor creates coordinators.
type Distributor struct {
	dir     cluster.Directory
	bus     bus.Bus
	path    string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithPath sets the registration path candidates are looked up under.
func WithPath(path string) Option {
	return func(d *Distributor) { d.path = path }
}

// WithDefaultTimeout replaces DefaultTimeout for calls that pass zero.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(d *Distributor) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Distributor) { d.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Distributor) { d.metrics = m }
}

// WithTracer sets the tracer. Defaults to the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(d *Distributor) { d.tracer = t }
}

// New creates a Distributor that looks candidates up in dir and talks to
// them over b.
func New(dir cluster.Directory, b bus.Bus, opts ...Option) *Distributor {
	d := &Distributor{
		dir:     dir,
		bus:     b,
		path:    cluster.BucketActionPath,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.tracer == nil {
		d.tracer = metrics.Tracer()
	}
	return d
}

// DistributeAsync starts a coordinator for msg and returns a channel that
// receives exactly one Result. A zero timeout means the default. ctx bounds
// the membership lookup and the publish, not the collection window.
func (d *Distributor) DistributeAsync(ctx context.Context, msg action.Message, timeout time.Duration) <-chan Result {
	out := make(chan Result, 1)
	if msg.Kind() == action.KindOffer {
		out <- Result{Err: ErrOfferNotDistributable}
		return out
	}
	if timeout <= 0 {
		timeout = d.timeout
	}

	c := newCoordinator(d, msg, timeout, out)
	go c.run(ctx)
	return out
}

// Distribute runs a coordinator for msg and waits for its CollectedReplies.
// If ctx ends first the coordinator keeps running to completion on its own.
func (d *Distributor) Distribute(ctx context.Context, msg action.Message, timeout time.Duration) (*action.CollectedReplies, error) {
	select {
	case res := <-d.DistributeAsync(ctx, msg, timeout):
		return res.Replies, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
