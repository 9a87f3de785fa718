// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/status"
	"github.com/absmach/bucketd/storage"
)

var (
	_ storage.BucketStore = (*BucketStore)(nil)
	_ storage.StatusStore = (*StatusStore)(nil)
)

// BucketStore is an in-memory storage.BucketStore.
type BucketStore struct {
	mu   sync.RWMutex
	data map[string]*bucket.Bucket
}

// NewBucketStore creates an empty bucket store.
func NewBucketStore() *BucketStore {
	return &BucketStore{data: make(map[string]*bucket.Bucket)}
}

// Get returns a copy of the bucket with id.
func (s *BucketStore) Get(_ context.Context, id string) (*bucket.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b.Clone(), nil
}

// Save stores a copy of b.
func (s *BucketStore) Save(_ context.Context, b *bucket.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[b.ID] = b.Clone()
	return nil
}

// Delete removes the bucket with id.
func (s *BucketStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}

// StatusStore is an in-memory storage.StatusStore.
type StatusStore struct {
	mu   sync.RWMutex
	data map[string]*status.Record
}

// NewStatusStore creates an empty status store.
func NewStatusStore() *StatusStore {
	return &StatusStore{data: make(map[string]*status.Record)}
}

// Get returns a copy of the record with id.
func (s *StatusStore) Get(_ context.Context, id string) (*status.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.Clone(), nil
}

// Save stores a copy of r.
func (s *StatusStore) Save(_ context.Context, r *status.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[r.ID] = r.Clone()
	return nil
}

// Delete removes the record with id.
func (s *StatusStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}

// Update applies u under the store lock.
func (s *StatusStore) Update(_ context.Context, id string, u *status.Update) (*status.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	updated := r.Clone()
	if err := u.Apply(updated); err != nil {
		return nil, err
	}
	s.data[id] = updated
	return updated.Clone(), nil
}

// IDs returns all record ids in order.
func (s *StatusStore) IDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
