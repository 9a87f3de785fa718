// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"

	"github.com/absmach/bucketd/storage"
	"github.com/dgraph-io/badger/v4"
)

var (
	_ storage.RetryStore      = (*RetryStore)(nil)
	_ storage.DeadLetterStore = (*DeadLetterStore)(nil)
)

// RetryStore implements storage.RetryStore using BadgerDB.
//
// Key format: retry/{id}
type RetryStore struct {
	db *badger.DB
}

// NewRetryStore creates a new BadgerDB retry queue.
func NewRetryStore(db *badger.DB) *RetryStore {
	return &RetryStore{db: db}
}

// Store creates or replaces an entry.
func (s *RetryStore) Store(_ context.Context, e *storage.RetryEntry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, retryPrefix+e.ID, e)
	})
}

// Get retrieves an entry by id.
func (s *RetryStore) Get(_ context.Context, id string) (*storage.RetryEntry, error) {
	var e storage.RetryEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, retryPrefix+id, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns all entries, oldest first.
func (s *RetryStore) List(_ context.Context) ([]*storage.RetryEntry, error) {
	var entries []*storage.RetryEntry
	err := listJSON(s.db, retryPrefix, func(val []byte) error {
		var e storage.RetryEntry
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		entries = append(entries, &e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	storage.SortRetryEntries(entries)
	return entries, nil
}

// Delete removes an entry.
func (s *RetryStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(retryPrefix + id))
	})
}

// DeleteAll removes all matching entries in a single transaction.
func (s *RetryStore) DeleteAll(_ context.Context, match func(*storage.RetryEntry) bool) (int, error) {
	n := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var e storage.RetryEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if match(&e) {
				keys = append(keys, item.KeyCopy(nil))
			}
		}

		// Delete all collected keys
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	return n, err
}

// Count returns the number of entries.
func (s *RetryStore) Count(_ context.Context) (int, error) {
	return countKeys(s.db, retryPrefix)
}

// DeadLetterStore implements storage.DeadLetterStore using BadgerDB.
//
// Key format: dlq/{id}
type DeadLetterStore struct {
	db *badger.DB
}

// NewDeadLetterStore creates a new BadgerDB dead letter store.
func NewDeadLetterStore(db *badger.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Push stores a dead letter.
func (s *DeadLetterStore) Push(_ context.Context, dl *storage.DeadLetter) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, deadLetterPrefix+dl.ID, dl)
	})
}

// List returns all dead letters, oldest first.
func (s *DeadLetterStore) List(_ context.Context) ([]*storage.DeadLetter, error) {
	var dls []*storage.DeadLetter
	err := listJSON(s.db, deadLetterPrefix, func(val []byte) error {
		var dl storage.DeadLetter
		if err := json.Unmarshal(val, &dl); err != nil {
			return err
		}
		dls = append(dls, &dl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	storage.SortDeadLetters(dls)
	return dls, nil
}

// Delete removes a dead letter.
func (s *DeadLetterStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(deadLetterPrefix + id))
	})
}

// Count returns the number of dead letters.
func (s *DeadLetterStore) Count(_ context.Context) (int, error) {
	return countKeys(s.db, deadLetterPrefix)
}
