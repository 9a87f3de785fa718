// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/status"
	"github.com/absmach/bucketd/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunBucketStoreTests checks the storage.BucketStore contract.
func RunBucketStoreTests(t *testing.T, s storage.BucketStore) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	b := &bucket.Bucket{ID: "b1", FullName: "/acme/a", Config: json.RawMessage(`{"k":1}`)}
	require.NoError(t, s.Save(ctx, b))

	got, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "/acme/a", got.FullName)
	assert.JSONEq(t, `{"k":1}`, string(got.Config))

	require.NoError(t, s.Delete(ctx, "b1"))
	_, err = s.Get(ctx, "b1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// RunStatusStoreTests checks the storage.StatusStore contract.
func RunStatusStoreTests(t *testing.T, s storage.StatusStore) {
	ctx := context.Background()

	_, err := s.Update(ctx, "missing", status.NewUpdate().Set(status.FieldSuspended, true))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Save(ctx, &status.Record{ID: "b1", NodeAffinity: []string{"a", "b"}, NumObjects: 1}))
	require.NoError(t, s.Save(ctx, &status.Record{ID: "b2"}))

	r, err := s.Update(ctx, "b1", status.NewUpdate().Set(status.FieldSuspended, true).Increment(status.FieldNumObjects, 4))
	require.NoError(t, err)
	assert.True(t, r.Suspended)
	assert.Equal(t, int64(5), r.NumObjects)
	assert.Equal(t, []string{"a", "b"}, r.NodeAffinity)

	stored, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, r, stored)

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, ids)

	// Concurrent increments must not be lost.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "b2", status.NewUpdate().Increment(status.FieldNumObjects, 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	stored, err = s.Get(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, int64(20), stored.NumObjects)

	require.NoError(t, s.Delete(ctx, "b1"))
	_, err = s.Get(ctx, "b1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// RunRetryStoreTests checks the storage.RetryStore contract.
func RunRetryStoreTests(t *testing.T, s storage.RetryStore) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	first := storage.NewRetryEntry(&action.UpdateState{
		Bucket:          &bucket.Bucket{ID: "b1"},
		Suspended:       true,
		HandlingClients: []string{"b"},
	}, 10)
	second := storage.NewRetryEntry(&action.Delete{
		Bucket:          &bucket.Bucket{ID: "b2"},
		HandlingClients: []string{"c"},
	}, 10)
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	require.NoError(t, s.Store(ctx, second))
	require.NoError(t, s.Store(ctx, first))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	us, ok := entries[0].Message.(*action.UpdateState)
	require.True(t, ok)
	assert.True(t, us.Suspended)
	assert.Equal(t, []string{"b"}, entries[0].Hosts())

	first.Attempts = 3
	first.LastError = "timed out"
	require.NoError(t, s.Store(ctx, first))
	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "timed out", got.LastError)

	removed, err := s.DeleteAll(ctx, func(e *storage.RetryEntry) bool {
		return e.Message.Kind() == action.KindDelete
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, s.Delete(ctx, first.ID))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Concurrent appends must all land.
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := storage.NewRetryEntry(&action.Purge{
				Bucket:          &bucket.Bucket{ID: fmt.Sprintf("b%d", i)},
				HandlingClients: []string{"a"},
			}, 1)
			errs <- s.Store(ctx, e)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

// RunDeadLetterStoreTests checks the storage.DeadLetterStore contract.
func RunDeadLetterStoreTests(t *testing.T, s storage.DeadLetterStore) {
	ctx := context.Background()

	e := storage.NewRetryEntry(&action.UpdateState{Bucket: &bucket.Bucket{ID: "b1"}, HandlingClients: []string{"b"}}, 2)
	e.Attempts = 2
	dl := storage.NewDeadLetter(e, "retry budget exhausted")
	require.NoError(t, s.Push(ctx, dl))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dls, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, dl.ID, dls[0].ID)
	assert.Equal(t, 2, dls[0].Entry.Attempts)
	assert.Equal(t, "retry budget exhausted", dls[0].Reason)
	assert.Equal(t, []string{"b"}, dls[0].Entry.Hosts())

	require.NoError(t, s.Delete(ctx, dl.ID))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// ErrInjected is returned by failing fakes.
var ErrInjected = errors.New("injected failure")
