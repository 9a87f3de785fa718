// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/storage"
	"github.com/absmach/bucketd/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketStore(t *testing.T) {
	testutil.RunBucketStoreTests(t, New().Buckets())
}

func TestStatusStore(t *testing.T) {
	testutil.RunStatusStoreTests(t, New().Statuses())
}

func TestRetryStore(t *testing.T) {
	testutil.RunRetryStoreTests(t, New().Retries())
}

func TestDeadLetterStore(t *testing.T) {
	testutil.RunDeadLetterStoreTests(t, New().DeadLetters())
}

func TestRetryEntriesAreIsolated(t *testing.T) {
	s := NewRetryStore()
	msg := &action.Purge{Bucket: &bucket.Bucket{ID: "b1"}, HandlingClients: []string{"a"}}
	e := storage.NewRetryEntry(msg, 3)
	require.NoError(t, s.Store(context.Background(), e))

	msg.HandlingClients[0] = "mutated"

	got, err := s.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Hosts())
}

func TestStore_Getters(t *testing.T) {
	s := New()
	assert.NotNil(t, s.Buckets())
	assert.NotNil(t, s.Statuses())
	assert.NotNil(t, s.Retries())
	assert.NotNil(t, s.DeadLetters())
	assert.NoError(t, s.Close())
}
