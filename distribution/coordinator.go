// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/cluster"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is a coordinator lifecycle state.
type State int

const (
	Idle State = iota
	AwaitingReplies
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingReplies:
		return "awaiting_replies"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// coordinator is owned by the goroutine running run. Bus callbacks and the
// timer only ever hand replies over through inbox.
type coordinator struct {
	id      string
	d       *Distributor
	msg     action.Message
	timeout time.Duration
	out     chan<- Result
	logger  *slog.Logger

	state   State
	pending map[string]struct{}
	replied map[string]struct{}
	replies []bucket.Message
	started time.Time
	span    trace.Span

	inbox chan action.Reply
	done  chan struct{}
}

func newCoordinator(d *Distributor, msg action.Message, timeout time.Duration, out chan<- Result) *coordinator {
	id := uuid.NewString()
	return &coordinator{
		id:      id,
		d:       d,
		msg:     msg,
		timeout: timeout,
		out:     out,
		logger:  d.logger.With(slog.String("coordinator", id), slog.String("kind", string(msg.Kind()))),
		state:   Idle,
		replies: []bucket.Message{},
		replied: make(map[string]struct{}),
		inbox:   make(chan action.Reply),
		done:    make(chan struct{}),
	}
}

func (c *coordinator) run(ctx context.Context) {
	ctx, c.span = c.d.tracer.Start(ctx, "distribution.Distribute", trace.WithAttributes(
		attribute.String("bucketd.coordinator", c.id),
		attribute.String("bucketd.action", string(c.msg.Kind())),
	))
	defer c.span.End()

	c.started = time.Now()

	candidates, err := c.d.dir.ListChildren(ctx, c.d.path)
	switch {
	case errors.Is(err, cluster.ErrNoNode):
		c.logger.Info("no bucket action candidates registered", slog.String("path", c.d.path))
		candidates = nil
	case err != nil:
		c.fail(fmt.Errorf("failed to look up candidates: %w", err))
		return
	}

	c.d.metrics.RecordDistributionStarted(string(c.msg.Kind()), len(candidates))
	c.span.SetAttributes(attribute.Int("bucketd.candidates", len(candidates)))

	if len(candidates) == 0 {
		c.finalize()
		return
	}

	c.pending = make(map[string]struct{}, len(candidates))
	for _, n := range candidates {
		c.pending[n] = struct{}{}
	}

	stopListening, err := c.d.bus.Listen(c.id, c.deliver)
	if err != nil {
		c.fail(fmt.Errorf("failed to listen for replies: %w", err))
		return
	}
	defer stopListening()

	c.state = AwaitingReplies
	timer := time.AfterFunc(c.timeout, func() { c.deliver(action.Timeout{}) })
	defer timer.Stop()

	if err := c.d.bus.Publish(ctx, action.Envelope{ReplyTo: c.id, Message: c.msg}); err != nil {
		c.fail(fmt.Errorf("failed to publish: %w", err))
		return
	}
	c.logger.Info("broadcast action", slog.Int("candidates", len(candidates)), slog.Duration("timeout", c.timeout))

	for {
		if c.handle(<-c.inbox) {
			return
		}
	}
}

// deliver hands r to the coordinator goroutine, or drops it once closed.
func (c *coordinator) deliver(r action.Reply) {
	select {
	case c.inbox <- r:
	case <-c.done:
		c.logger.Debug("dropping reply after close", slog.String("reply", string(r.ReplyKind())))
	}
}

// handle applies r and reports whether the coordinator closed.
func (c *coordinator) handle(r action.Reply) bool {
	switch v := r.(type) {
	case action.Handled:
		if _, dup := c.replied[v.NodeID]; dup {
			c.logger.Debug("dropping duplicate reply", slog.String("node", v.NodeID))
			return false
		}
		c.replied[v.NodeID] = struct{}{}
		res := v.Result
		if res.Source == "" {
			res.Source = v.NodeID
		}
		c.replies = append(c.replies, res)
		delete(c.pending, v.NodeID)
	case action.Ignored:
		c.replied[v.NodeID] = struct{}{}
		delete(c.pending, v.NodeID)
	case action.Timeout:
		c.finalize()
		return true
	default:
		c.logger.Warn("unexpected reply", slog.String("reply", string(r.ReplyKind())))
		return false
	}

	if len(c.pending) == 0 {
		c.finalize()
		return true
	}
	return false
}

func (c *coordinator) finalize() {
	if !c.close() {
		return
	}

	timedOut := make([]string, 0, len(c.pending))
	for n := range c.pending {
		timedOut = append(timedOut, n)
	}
	sort.Strings(timedOut)

	var replied []string
	for n := range c.replied {
		replied = append(replied, n)
	}
	sort.Strings(replied)

	cr := &action.CollectedReplies{
		Replies:       c.replies,
		TimedOutCount: len(timedOut),
		TimedOut:      timedOut,
		Replied:       replied,
	}
	if len(timedOut) == 0 {
		cr.TimedOut = nil
	}

	elapsed := time.Since(c.started)
	c.d.metrics.RecordDistributionFinished(string(c.msg.Kind()), len(c.replies), len(timedOut), float64(elapsed.Milliseconds()))
	c.span.SetAttributes(
		attribute.Int("bucketd.replies", len(c.replies)),
		attribute.Int("bucketd.timed_out", len(timedOut)),
	)
	if len(timedOut) > 0 {
		c.logger.Info("collected replies with timeouts",
			slog.Int("replies", len(c.replies)),
			slog.Any("timed_out", timedOut),
			slog.Duration("elapsed", elapsed))
	} else {
		c.logger.Info("collected replies", slog.Int("replies", len(c.replies)), slog.Duration("elapsed", elapsed))
	}

	c.out <- Result{Replies: cr}
}

func (c *coordinator) fail(err error) {
	wasStarted := c.pending != nil
	if !c.close() {
		return
	}
	if wasStarted {
		c.d.metrics.RecordDistributionFinished(string(c.msg.Kind()), 0, 0, float64(time.Since(c.started).Milliseconds()))
	}
	c.span.RecordError(err)
	c.span.SetStatus(codes.Error, err.Error())
	c.logger.Error("distribution failed", slog.String("error", err.Error()))
	c.out <- Result{Err: err}
}

// close moves to Closed exactly once.
func (c *coordinator) close() bool {
	if c.state == Closed {
		return false
	}
	c.state = Closed
	close(c.done)
	return true
}
