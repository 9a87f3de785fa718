// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"os"
	"testing"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/status"
	"github.com/absmach/bucketd/storage"
	"github.com/absmach/bucketd/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "badger-store-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(Config{Dir: tmpDir})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Getters(t *testing.T) {
	store := newTestStore(t)

	assert.NotNil(t, store.Buckets())
	assert.NotNil(t, store.Statuses())
	assert.NotNil(t, store.Retries())
	assert.NotNil(t, store.DeadLetters())

	// Verify they're the same instances on repeated calls
	assert.Equal(t, store.Retries(), store.Retries())
}

func TestStore_Close(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "badger-store-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	store, err := New(Config{Dir: tmpDir})
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	// Second close should not panic (idempotent)
	assert.NoError(t, store.Close())
}

func TestBucketStore(t *testing.T) {
	testutil.RunBucketStoreTests(t, newTestStore(t).Buckets())
}

func TestStatusStore(t *testing.T) {
	testutil.RunStatusStoreTests(t, newTestStore(t).Statuses())
}

func TestRetryStore(t *testing.T) {
	testutil.RunRetryStoreTests(t, newTestStore(t).Retries())
}

func TestDeadLetterStore(t *testing.T) {
	testutil.RunDeadLetterStoreTests(t, newTestStore(t).DeadLetters())
}

func TestStore_IntegrationSurvivesReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "badger-integration-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)
	ctx := context.Background()

	store, err := New(Config{Dir: tmpDir})
	require.NoError(t, err)

	entry := storage.NewRetryEntry(&action.UpdateState{
		Bucket:          &bucket.Bucket{ID: "b1", FullName: "/acme/a"},
		Suspended:       true,
		HandlingClients: []string{"b"},
	}, 10)
	require.NoError(t, store.Retries().Store(ctx, entry))
	require.NoError(t, store.Statuses().Save(ctx, &status.Record{ID: "b1", Suspended: true}))
	require.NoError(t, store.Close())

	store, err = New(Config{Dir: tmpDir})
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Retries().Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, action.KindUpdateState, got.Message.Kind())
	assert.Equal(t, []string{"b"}, got.Hosts())
	assert.Equal(t, "/acme/a", got.Message.Target().FullName)

	r, err := store.Statuses().Get(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, r.Suspended)
}
