// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"

	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/status"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the composite storage interface providing access to all storage backends.
type Store interface {
	// Buckets returns the bucket definition store.
	Buckets() BucketStore

	// Statuses returns the bucket status store.
	Statuses() StatusStore

	// Retries returns the retry queue.
	Retries() RetryStore

	// DeadLetters returns the store for retry entries that exhausted their budget.
	DeadLetters() DeadLetterStore

	// Close closes all storage backends.
	Close() error
}

// BucketStore holds bucket definitions keyed by id.
type BucketStore interface {
	Get(ctx context.Context, id string) (*bucket.Bucket, error)
	Save(ctx context.Context, b *bucket.Bucket) error
	Delete(ctx context.Context, id string) error
}

// StatusStore holds bucket status records keyed by bucket id.
type StatusStore interface {
	Get(ctx context.Context, id string) (*status.Record, error)
	Save(ctx context.Context, r *status.Record) error
	Delete(ctx context.Context, id string) error

	// Update atomically applies u to the record with id and returns the
	// record as stored afterwards. Returns ErrNotFound if there is no record.
	Update(ctx context.Context, id string, u *status.Update) (*status.Record, error)

	// IDs returns the ids of all records.
	IDs(ctx context.Context) ([]string, error)
}

// RetryStore is the retry queue. Implementations must allow concurrent
// appends from many coordinators.
type RetryStore interface {
	// Store creates or replaces e by id.
	Store(ctx context.Context, e *RetryEntry) error
	Get(ctx context.Context, id string) (*RetryEntry, error)

	// List returns all entries, oldest first.
	List(ctx context.Context) ([]*RetryEntry, error)
	Delete(ctx context.Context, id string) error

	// DeleteAll removes every entry for which match returns true and reports
	// how many were removed.
	DeleteAll(ctx context.Context, match func(*RetryEntry) bool) (int, error)
	Count(ctx context.Context) (int, error)
}

// DeadLetterStore keeps retry entries that will not be retried again.
type DeadLetterStore interface {
	Push(ctx context.Context, dl *DeadLetter) error

	// List returns all dead letters, oldest first.
	List(ctx context.Context) ([]*DeadLetter, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}
