// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/cluster"
	"github.com/absmach/bucketd/storage"
	"github.com/absmach/bucketd/storage/memory"
	"github.com/absmach/bucketd/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, nil, nil, nil, testutil.Logger())
	assert.Empty(t, server.Addr())
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, nil, nil, nil, testutil.Logger())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET request returns healthy", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST request not allowed", method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
		{name: "PUT request not allowed", method: http.MethodPut, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.Handler().ServeHTTP(rec, req)

			require.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
				assert.Equal(t, "healthy", response.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	failing := cluster.NewMemoryDirectory()
	failing.Fail(errors.New("etcd unavailable"))

	registered := cluster.NewMemoryDirectory()
	_, err := registered.Register(context.Background(), cluster.BucketActionPath, "A")
	require.NoError(t, err)

	tests := []struct {
		name           string
		dir            cluster.Directory
		expectedStatus int
		expectedReady  string
		expectedReason string
	}{
		{
			name:           "directory nil - not ready",
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  "not_ready",
			expectedReason: "membership directory not initialized",
		},
		{
			name:           "nobody registered yet - ready",
			dir:            cluster.NewMemoryDirectory(),
			expectedStatus: http.StatusOK,
			expectedReady:  "ready",
		},
		{
			name:           "registered nodes - ready",
			dir:            registered,
			expectedStatus: http.StatusOK,
			expectedReady:  "ready",
		},
		{
			name:           "lookup failure - not ready",
			dir:            failing,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  "not_ready",
			expectedReason: "etcd unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.dir, nil, nil, testutil.Logger())
			req := httptest.NewRequest(http.MethodGet, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.Handler().ServeHTTP(rec, req)

			require.Equal(t, tt.expectedStatus, rec.Code)
			var response ReadyResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
			assert.Equal(t, tt.expectedReady, response.Status)
			assert.Equal(t, tt.expectedReason, response.Details)
		})
	}
}

func TestClusterStatusEndpoint(t *testing.T) {
	ctx := context.Background()
	dir := cluster.NewMemoryDirectory()
	for _, id := range []string{"B", "A"} {
		_, err := dir.Register(ctx, cluster.BucketActionPath, id)
		require.NoError(t, err)
	}

	retries := memory.NewRetryStore()
	deadLetters := memory.NewDeadLetterStore()
	entry := storage.NewRetryEntry(&action.Purge{
		Bucket:          &bucket.Bucket{ID: "b1"},
		HandlingClients: []string{"A"},
	}, 3)
	require.NoError(t, retries.Store(ctx, entry))
	require.NoError(t, deadLetters.Push(ctx, storage.NewDeadLetter(entry, "retry budget exhausted")))

	server := New(Config{NodeID: "A"}, dir, retries, deadLetters, testutil.Logger())
	req := httptest.NewRequest(http.MethodGet, "http://test/cluster/status", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var response ClusterStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, "A", response.NodeID)
	assert.Equal(t, []string{"A", "B"}, response.Candidates)
	assert.Equal(t, 2, response.NodeCount)
	assert.Equal(t, 1, response.RetryQueue)
	assert.Equal(t, 1, response.DeadLetters)
	assert.Empty(t, response.Details)
}

func TestClusterStatusLookupFailure(t *testing.T) {
	dir := cluster.NewMemoryDirectory()
	dir.Fail(errors.New("etcd unavailable"))

	server := New(Config{NodeID: "A"}, dir, memory.NewRetryStore(), nil, testutil.Logger())
	req := httptest.NewRequest(http.MethodGet, "http://test/cluster/status", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var response ClusterStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Empty(t, response.Candidates)
	assert.Contains(t, response.Details, "etcd unavailable")
}

func TestListenAndShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second},
		cluster.NewMemoryDirectory(), nil, nil, testutil.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(ctx) }()

	require.Eventually(t, func() bool { return server.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
