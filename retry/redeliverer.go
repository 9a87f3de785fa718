// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry drains the retry queue by distributing every due entry
// again until all of its hosts confirm delivery or its budget runs out.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/metrics"
	"github.com/absmach/bucketd/storage"
	"golang.org/x/time/rate"
)

// Redelivery outcomes.
const (
	OutcomeConfirmed    = "confirmed"
	OutcomeRescheduled  = "rescheduled"
	OutcomeDeadLettered = "dead_lettered"
)

// Distributor fans a message out to the cluster and collects the replies.
type Distributor interface {
	Distribute(ctx context.Context, msg action.Message, timeout time.Duration) (*action.CollectedReplies, error)
}

// Config holds the redelivery policy.
type Config struct {
	// Interval between scans of the retry queue.
	Interval time.Duration

	// BaseDelay is the backoff after the first failed redelivery. It doubles
	// with every further attempt up to MaxDelay.
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64

	// Rate and Burst pace redeliveries across all entries.
	Rate  float64
	Burst int

	// Timeout of each distribution. Zero uses the distributor default.
	Timeout time.Duration
}

// DefaultConfig returns the default redelivery policy.
func DefaultConfig() Config {
	return Config{
		Interval:   10 * time.Second,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2.0,
		Rate:       10,
		Burst:      5,
	}
}

// Redeliverer monitors the retry queue and redistributes due entries.
type Redeliverer struct {
	dist        Distributor
	retries     storage.RetryStore
	deadLetters storage.DeadLetterStore
	cfg         Config
	limiter     *rate.Limiter
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Redeliverer.
type Option func(*Redeliverer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Redeliverer) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Redeliverer) { r.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Redeliverer) { r.now = now }
}

// New creates a redeliverer. Zero config values fall back to DefaultConfig.
func New(dist Distributor, retries storage.RetryStore, deadLetters storage.DeadLetterStore, cfg Config, opts ...Option) *Redeliverer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}

	r := &Redeliverer{
		dist:        dist,
		retries:     retries,
		deadLetters: deadLetters,
		cfg:         cfg,
		limiter:     rate.NewLimiter(limit, cfg.Burst),
		logger:      slog.Default(),
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start starts the background scan loop.
func (r *Redeliverer) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop stops the scan loop and waits for the current scan to finish.
func (r *Redeliverer) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Redeliverer) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("retry scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce redistributes every entry due now and returns how many entries
// were attempted.
func (r *Redeliverer) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.retries.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list retry entries: %w", err)
	}

	now := r.now()
	attempted := 0
	var errs []error
	for _, e := range entries {
		if !e.Due(now) {
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return attempted, err
		}
		attempted++
		if err := r.redeliver(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
		}
	}
	return attempted, errors.Join(errs...)
}

func (r *Redeliverer) redeliver(ctx context.Context, e *storage.RetryEntry) error {
	hosts, lastErr := r.attempt(ctx, e)
	if len(hosts) == 0 {
		r.metrics.RecordRedelivery(OutcomeConfirmed)
		r.logger.Info("retry entry confirmed", slog.String("entry", e.ID), slog.Int("attempts", e.Attempts+1))
		return r.retries.Delete(ctx, e.ID)
	}

	narrowed, err := action.Rescope(e.Message, hosts)
	if err != nil {
		return err
	}
	e.Message = narrowed
	e.Attempts++
	e.LastError = lastErr

	if e.Exhausted() {
		return r.deadLetter(ctx, e)
	}

	e.NextAttemptAt = r.now().Add(r.backoff(e.Attempts))
	if err := r.retries.Store(ctx, e); err != nil {
		return fmt.Errorf("failed to reschedule: %w", err)
	}
	r.metrics.RecordRedelivery(OutcomeRescheduled)
	r.logger.Debug("retry entry rescheduled",
		slog.String("entry", e.ID),
		slog.Int("attempts", e.Attempts),
		slog.Any("hosts", hosts),
		slog.Time("next_attempt_at", e.NextAttemptAt))
	return nil
}

// attempt distributes the entry and returns the hosts that are still
// unconfirmed. A failed distribution leaves every host unconfirmed.
func (r *Redeliverer) attempt(ctx context.Context, e *storage.RetryEntry) ([]string, string) {
	cr, err := r.dist.Distribute(ctx, e.Message, r.cfg.Timeout)
	if err != nil {
		return e.Hosts(), err.Error()
	}
	hosts := action.Unconfirmed(e.Message, cr)
	return hosts, fmt.Sprintf("%d hosts unconfirmed", len(hosts))
}

func (r *Redeliverer) deadLetter(ctx context.Context, e *storage.RetryEntry) error {
	dl := storage.NewDeadLetter(e, "retry budget exhausted")
	if err := r.deadLetters.Push(ctx, dl); err != nil {
		return fmt.Errorf("failed to dead-letter: %w", err)
	}
	if err := r.retries.Delete(ctx, e.ID); err != nil {
		// The entry is in both stores; the next scan dead-letters it again.
		return fmt.Errorf("failed to delete dead-lettered entry: %w", err)
	}
	r.metrics.RecordRedelivery(OutcomeDeadLettered)
	r.metrics.RecordDeadLetter()
	r.logger.Warn("retry entry dead-lettered",
		slog.String("entry", e.ID),
		slog.String("kind", string(e.Message.Kind())),
		slog.Any("hosts", e.Hosts()),
		slog.Int("attempts", e.Attempts),
		slog.String("last_error", e.LastError))
	return nil
}

// backoff returns BaseDelay * Multiplier^(attempts-1), capped at MaxDelay.
func (r *Redeliverer) backoff(attempts int) time.Duration {
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Multiplier, float64(attempts-1))
	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	return time.Duration(d)
}
