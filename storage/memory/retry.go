// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/absmach/bucketd/storage"
)

var (
	_ storage.RetryStore      = (*RetryStore)(nil)
	_ storage.DeadLetterStore = (*DeadLetterStore)(nil)
)

// RetryStore is an in-memory retry queue. Entries are kept encoded so
// callers never share message state with the store.
type RetryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewRetryStore creates an empty retry queue.
func NewRetryStore() *RetryStore {
	return &RetryStore{entries: make(map[string][]byte)}
}

// Store implements storage.RetryStore.
func (s *RetryStore) Store(_ context.Context, e *storage.RetryEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = data
	return nil
}

// Get implements storage.RetryStore.
func (s *RetryStore) Get(_ context.Context, id string) (*storage.RetryEntry, error) {
	s.mu.RLock()
	data, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return decodeEntry(data)
}

// List implements storage.RetryStore.
func (s *RetryStore) List(_ context.Context) ([]*storage.RetryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.RetryEntry, 0, len(s.entries))
	for _, data := range s.entries {
		e, err := decodeEntry(data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	storage.SortRetryEntries(out)
	return out, nil
}

// Delete implements storage.RetryStore.
func (s *RetryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// DeleteAll implements storage.RetryStore.
func (s *RetryStore) DeleteAll(_ context.Context, match func(*storage.RetryEntry) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, data := range s.entries {
		e, err := decodeEntry(data)
		if err != nil {
			return n, err
		}
		if match(e) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

// Count implements storage.RetryStore.
func (s *RetryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func decodeEntry(data []byte) (*storage.RetryEntry, error) {
	var e storage.RetryEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeadLetterStore is an in-memory storage.DeadLetterStore.
type DeadLetterStore struct {
	mu      sync.RWMutex
	letters map[string][]byte
}

// NewDeadLetterStore creates an empty dead letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{letters: make(map[string][]byte)}
}

// Push implements storage.DeadLetterStore.
func (s *DeadLetterStore) Push(_ context.Context, dl *storage.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters[dl.ID] = data
	return nil
}

// List implements storage.DeadLetterStore.
func (s *DeadLetterStore) List(_ context.Context) ([]*storage.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.DeadLetter, 0, len(s.letters))
	for _, data := range s.letters {
		var dl storage.DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			return nil, err
		}
		out = append(out, &dl)
	}
	storage.SortDeadLetters(out)
	return out, nil
}

// Delete implements storage.DeadLetterStore.
func (s *DeadLetterStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.letters, id)
	return nil
}

// Count implements storage.DeadLetterStore.
func (s *DeadLetterStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.letters), nil
}
