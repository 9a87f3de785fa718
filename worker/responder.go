// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package worker is the node side of bucket action distribution. A Responder
// registers the node as a candidate, receives broadcast actions, hands the
// ones addressed to it to an Engine and replies with the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/bus"
	"github.com/absmach/bucketd/cluster"
	"github.com/absmach/bucketd/metrics"
)

// DefaultMaxConcurrent bounds how many actions a node handles at once.
const DefaultMaxConcurrent = 16

var (
	// ErrAlreadyStarted is returned by Start on a running responder.
	ErrAlreadyStarted = errors.New("responder already started")

	errPanic = errors.New("engine panicked")
)

// Engine runs bucket actions on this node.
type Engine interface {
	// Accepts reports whether the node is willing to own b.
	Accepts(ctx context.Context, b *bucket.Bucket) bool

	// Handle applies a lifecycle action. A returned error is reported to the
	// coordinator as a failed result.
	Handle(ctx context.Context, msg action.Message) (bucket.Message, error)
}

// Responder answers bucket actions on behalf of one node.
type Responder struct {
	nodeID  string
	path    string
	reg     cluster.Registrar
	bus     bus.Bus
	engine  Engine
	logger  *slog.Logger
	metrics *metrics.Metrics
	sem     chan struct{}

	mu           sync.Mutex
	registration cluster.Registration
	unsubscribe  func()
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// Option configures a Responder.
type Option func(*Responder)

// WithPath sets the registration path.
func WithPath(path string) Option {
	return func(r *Responder) { r.path = path }
}

// WithMaxConcurrent bounds concurrent actions.
func WithMaxConcurrent(n int) Option {
	return func(r *Responder) {
		if n > 0 {
			r.sem = make(chan struct{}, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Responder) { r.metrics = m }
}

// New creates a responder for nodeID.
func New(nodeID string, reg cluster.Registrar, b bus.Bus, engine Engine, opts ...Option) *Responder {
	r := &Responder{
		nodeID: nodeID,
		path:   cluster.BucketActionPath,
		reg:    reg,
		bus:    b,
		engine: engine,
		logger: slog.Default(),
		sem:    make(chan struct{}, DefaultMaxConcurrent),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NodeID returns the id the responder answers as.
func (r *Responder) NodeID() string {
	return r.nodeID
}

// Start subscribes to the bus and then registers the node, so the node is
// listening by the time coordinators count it as a candidate.
func (r *Responder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unsubscribe != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	unsub, err := r.bus.Subscribe(func(_ context.Context, env action.Envelope) {
		r.receive(runCtx, env)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	reg, err := r.reg.Register(ctx, r.path, r.nodeID)
	if err != nil {
		unsub()
		cancel()
		return fmt.Errorf("failed to register %s under %s: %w", r.nodeID, r.path, err)
	}

	r.registration = reg
	r.unsubscribe = unsub
	r.cancel = cancel
	r.logger.Info("worker registered", slog.String("node_id", r.nodeID), slog.String("path", r.path))
	return nil
}

// Stop deregisters the node, stops receiving and waits for in-flight actions.
func (r *Responder) Stop(ctx context.Context) error {
	r.mu.Lock()
	reg, unsub, cancel := r.registration, r.unsubscribe, r.cancel
	r.registration, r.unsubscribe, r.cancel = nil, nil, nil
	r.mu.Unlock()

	if unsub == nil {
		return nil
	}

	var err error
	if reg != nil {
		err = reg.Close(ctx)
	}
	unsub()
	cancel()
	r.wg.Wait()
	return err
}

func (r *Responder) receive(ctx context.Context, env action.Envelope) {
	if env.Message == nil || !action.Addressed(env.Message, r.nodeID) {
		return
	}

	r.mu.Lock()
	if r.unsubscribe == nil {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-r.sem }()

	r.respond(ctx, env)
}

func (r *Responder) respond(ctx context.Context, env action.Envelope) {
	reply := r.process(ctx, env.Message)
	if err := r.bus.Reply(ctx, env.ReplyTo, reply); err != nil && !errors.Is(err, bus.ErrClosed) {
		r.logger.Warn("failed to reply",
			slog.String("reply_to", env.ReplyTo),
			slog.String("kind", string(env.Message.Kind())),
			slog.String("error", err.Error()))
	}
}

func (r *Responder) process(ctx context.Context, msg action.Message) action.Reply {
	if msg.Kind() == action.KindOffer {
		if r.accepts(ctx, msg.Target()) {
			return action.WillAccept{NodeID: r.nodeID}
		}
		return action.Ignored{NodeID: r.nodeID}
	}

	kind := string(msg.Kind())
	result, err := r.handle(ctx, msg)
	if err != nil {
		r.logger.Warn("action failed",
			slog.String("kind", kind),
			slog.String("bucket", bucketID(msg)),
			slog.String("error", err.Error()))
		result = bucket.Failure(r.nodeID, kind, err.Error())
	}
	result.Source = r.nodeID
	if result.Command == "" {
		result.Command = kind
	}
	r.metrics.RecordHandled(kind, result.Success)
	return action.Handled{NodeID: r.nodeID, Result: result}
}

func (r *Responder) accepts(ctx context.Context, b *bucket.Bucket) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("engine panicked on offer", slog.Any("panic", p))
			ok = false
		}
	}()
	return r.engine.Accepts(ctx, b)
}

func (r *Responder) handle(ctx context.Context, msg action.Message) (res bucket.Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errPanic, p)
		}
	}()
	return r.engine.Handle(ctx, msg)
}

func bucketID(msg action.Message) string {
	if b := msg.Target(); b != nil {
		return b.ID
	}
	return ""
}
