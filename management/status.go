// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package management

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/metrics"
	"github.com/absmach/bucketd/status"
	"github.com/absmach/bucketd/storage"
)

// DefaultMaxAttempts is the retry budget of queued entries.
const DefaultMaxAttempts = 10

// Result is the outcome of a status update.
type Result struct {
	// Updated is true when a record was found and changed.
	Updated  bool
	Messages []bucket.Message
}

// StatusService updates bucket status records and propagates suspend and
// quarantine changes to the nodes owning the bucket.
type StatusService struct {
	statuses storage.StatusStore
	buckets  storage.BucketStore
	op       retriable
}

// Option configures a StatusService.
type Option func(*StatusService)

// WithTimeout sets the distribution timeout. Zero uses the distributor default.
func WithTimeout(d time.Duration) Option {
	return func(s *StatusService) { s.op.timeout = d }
}

// WithMaxAttempts sets the retry budget of queued entries.
func WithMaxAttempts(n int) Option {
	return func(s *StatusService) { s.op.maxAttempts = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *StatusService) {
		if l != nil {
			s.op.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *StatusService) { s.op.metrics = m }
}

// NewStatusService creates a status service.
func NewStatusService(statuses storage.StatusStore, buckets storage.BucketStore, retries storage.RetryStore, dist Distributor, opts ...Option) *StatusService {
	s := &StatusService{
		statuses: statuses,
		buckets:  buckets,
		op: retriable{
			dist:        dist,
			retries:     retries,
			maxAttempts: DefaultMaxAttempts,
			logger:      slog.Default(),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyRetriableUpdate runs updateFn and tells the owners of the updated
// bucket whether to hold it suspended, as decided by suspended. A missing
// record or bucket yields a single failure message and nothing is sent.
func (s *StatusService) ApplyRetriableUpdate(ctx context.Context, updateFn func(context.Context) (*status.Record, error), suspended func(*status.Record) bool) ([]bucket.Message, error) {
	rec, err := updateFn(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return s.propagate(ctx, rec, suspended)
}

// UpdateOption modifies a single update call.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	upsert bool
}

// WithUpsert requests that a missing record be created. Status records are
// never upserted, so a true value fails the call.
func WithUpsert(upsert bool) UpdateOption {
	return func(o *updateOptions) { o.upsert = upsert }
}

// UpdateByID validates u, applies it to the record with id and propagates
// any suspend or quarantine change. An illegal update is reported in the
// result messages and never reaches the store or the cluster.
func (s *StatusService) UpdateByID(ctx context.Context, id string, u *status.Update, opts ...UpdateOption) (Result, error) {
	if err := checkOptions(opts); err != nil {
		return Result{}, err
	}
	if errs := u.Validate(); len(errs) > 0 {
		s.op.metrics.RecordRejectedUpdate()
		return Result{Messages: errs}, nil
	}
	return s.update(ctx, id, u)
}

// UpdateMany applies u to every record in ids. Results are merged in ids
// order; Updated is true if any record changed.
func (s *StatusService) UpdateMany(ctx context.Context, ids []string, u *status.Update, opts ...UpdateOption) (Result, error) {
	if err := checkOptions(opts); err != nil {
		return Result{}, err
	}
	if errs := u.Validate(); len(errs) > 0 {
		s.op.metrics.RecordRejectedUpdate()
		return Result{Messages: errs}, nil
	}

	results := make([]Result, len(ids))
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], errs[i] = s.update(ctx, id, u)
		}(i, id)
	}
	wg.Wait()

	var merged Result
	for _, r := range results {
		merged.Updated = merged.Updated || r.Updated
		merged.Messages = append(merged.Messages, r.Messages...)
	}
	return merged, errors.Join(errs...)
}

func checkOptions(opts []UpdateOption) error {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.upsert {
		return status.ErrUpsertNotSupported
	}
	return nil
}

func (s *StatusService) update(ctx context.Context, id string, u *status.Update) (Result, error) {
	rec, err := s.statuses.Update(ctx, id, u)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rec = nil
	case err != nil:
		return Result{}, fmt.Errorf("failed to update status %s: %w", id, err)
	}

	res := Result{Updated: rec != nil}
	propagations := []func(*status.Record) bool{}
	if u.Touches(status.FieldSuspended) {
		propagations = append(propagations, status.Suspended)
	}
	if u.Touches(status.FieldQuarantinedUntil) {
		propagations = append(propagations, status.Quarantined)
	}

	msgs := make([][]bucket.Message, len(propagations))
	errs := make([]error, len(propagations))
	var wg sync.WaitGroup
	for i, pred := range propagations {
		wg.Add(1)
		go func(i int, pred func(*status.Record) bool) {
			defer wg.Done()
			msgs[i], errs[i] = s.propagate(ctx, rec, pred)
		}(i, pred)
	}
	wg.Wait()

	for _, m := range msgs {
		res.Messages = append(res.Messages, m...)
	}
	return res, errors.Join(errs...)
}

func (s *StatusService) propagate(ctx context.Context, rec *status.Record, suspended func(*status.Record) bool) ([]bucket.Message, error) {
	if rec == nil {
		return []bucket.Message{missing("(unknown)")}, nil
	}

	b, err := s.buckets.Get(ctx, rec.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return []bucket.Message{missing(rec.ID)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket %s: %w", rec.ID, err)
	}

	hosts := slices.Clone(rec.NodeAffinity)
	slices.Sort(hosts)
	msg := &action.UpdateState{
		Bucket:          b,
		Suspended:       suspended(rec),
		HandlingClients: slices.Compact(hosts),
	}
	return s.op.apply(ctx, msg)
}

func missing(id string) bucket.Message {
	return bucket.Failure(Source, string(action.KindUpdateState), "missing status bean or bucket for id "+id)
}
