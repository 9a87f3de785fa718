// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/storage"
	"github.com/absmach/bucketd/testutil"
)

func TestKeys(t *testing.T) {
	k := keys("bucketd:")
	assert.Equal(t, "bucketd:retry:r1", k.retry("r1"))
	assert.Equal(t, "bucketd:retry_ids", k.retryIDs())
	assert.Equal(t, "bucketd:dlq:d1", k.deadLetter("d1"))
	assert.Equal(t, "bucketd:dlq_ids", k.deadLetterIDs())
}

func TestRetryMapping(t *testing.T) {
	e := storage.NewRetryEntry(&action.Delete{
		Bucket:          &bucket.Bucket{ID: "b1", FullName: "/acme/a"},
		HandlingClients: []string{"n2", "n3"},
	}, 5)
	e.Attempts = 2
	e.LastError = "2 hosts unconfirmed"

	m, err := retryToMap(e)
	require.NoError(t, err)

	vals := make(map[string]string, len(m))
	for k, v := range m {
		vals[k] = v.(string)
	}
	got, err := mapToRetry(vals)
	require.NoError(t, err)

	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, action.KindDelete, got.Message.Kind())
	assert.Equal(t, []string{"n2", "n3"}, got.Hosts())
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, "2 hosts unconfirmed", got.LastError)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, e.NextAttemptAt.Equal(got.NextAttemptAt))
}

func TestMapToRetry_BadMessage(t *testing.T) {
	_, err := mapToRetry(map[string]string{"id": "x", "message": "{"})
	assert.Error(t, err)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("BUCKETD_TEST_REDIS")
	if addr == "" {
		t.Skip("BUCKETD_TEST_REDIS not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	prefix := "bucketd-test:" + time.Now().Format("150405.000000000") + ":"
	s := New(client, WithKeyPrefix(prefix))
	require.NoError(t, s.Ping(context.Background()))

	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestRetryStore(t *testing.T) {
	testutil.RunRetryStoreTests(t, newTestStore(t).Retries())
}

func TestDeadLetterStore(t *testing.T) {
	testutil.RunDeadLetterStoreTests(t, newTestStore(t).DeadLetters())
}
