// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/absmach/bucketd/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	buckets     *BucketStore
	statuses    *StatusStore
	retries     *RetryStore
	deadLetters *DeadLetterStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		buckets:     NewBucketStore(),
		statuses:    NewStatusStore(),
		retries:     NewRetryStore(),
		deadLetters: NewDeadLetterStore(),
	}
}

// Buckets returns the bucket store.
func (s *Store) Buckets() storage.BucketStore {
	return s.buckets
}

// Statuses returns the status store.
func (s *Store) Statuses() storage.StatusStore {
	return s.statuses
}

// Retries returns the retry queue.
func (s *Store) Retries() storage.RetryStore {
	return s.retries
}

// DeadLetters returns the dead letter store.
func (s *Store) DeadLetters() storage.DeadLetterStore {
	return s.deadLetters
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
