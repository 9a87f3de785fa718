// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"strings"

	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/status"
	"github.com/absmach/bucketd/storage"
	"github.com/dgraph-io/badger/v4"
)

const maxTxnRetries = 64

var (
	_ storage.BucketStore = (*BucketStore)(nil)
	_ storage.StatusStore = (*StatusStore)(nil)
)

// BucketStore implements storage.BucketStore using BadgerDB.
//
// Key format: bucket/{id}
type BucketStore struct {
	db *badger.DB
}

// NewBucketStore creates a new BadgerDB bucket store.
func NewBucketStore(db *badger.DB) *BucketStore {
	return &BucketStore{db: db}
}

// Get retrieves a bucket by id.
func (s *BucketStore) Get(_ context.Context, id string) (*bucket.Bucket, error) {
	var b bucket.Bucket
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, bucketPrefix+id, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Save stores a bucket.
func (s *BucketStore) Save(_ context.Context, b *bucket.Bucket) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, bucketPrefix+b.ID, b)
	})
}

// Delete removes a bucket.
func (s *BucketStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(bucketPrefix + id))
	})
}

// StatusStore implements storage.StatusStore using BadgerDB.
//
// Key format: status/{id}
type StatusStore struct {
	db *badger.DB
}

// NewStatusStore creates a new BadgerDB status store.
func NewStatusStore(db *badger.DB) *StatusStore {
	return &StatusStore{db: db}
}

// Get retrieves a status record by bucket id.
func (s *StatusStore) Get(_ context.Context, id string) (*status.Record, error) {
	var r status.Record
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, statusPrefix+id, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Save stores a status record.
func (s *StatusStore) Save(_ context.Context, r *status.Record) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, statusPrefix+r.ID, r)
	})
}

// Delete removes a status record.
func (s *StatusStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(statusPrefix + id))
	})
}

// Update applies u inside a read-write transaction, retrying on conflicts
// with concurrent writers.
func (s *StatusStore) Update(ctx context.Context, id string, u *status.Update) (*status.Record, error) {
	key := statusPrefix + id

	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		var r status.Record
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := getJSON(txn, key, &r); err != nil {
				return err
			}
			if err := u.Apply(&r); err != nil {
				return err
			}
			return setJSON(txn, key, &r)
		})
		if errors.Is(err, badger.ErrConflict) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return &r, nil
	}
	return nil, badger.ErrConflict
}

// IDs returns the ids of all status records.
func (s *StatusStore) IDs(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(statusPrefix)
		opts.PrefetchValues = false // We only need keys
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), statusPrefix))
		}
		return nil
	})
	return ids, err
}
