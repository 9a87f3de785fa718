// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package management

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/distribution"
	"github.com/absmach/bucketd/status"
	"github.com/absmach/bucketd/storage"
	memstore "github.com/absmach/bucketd/storage/memory"
	"github.com/absmach/bucketd/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 200 * time.Millisecond

type fixture struct {
	tc    *testutil.TestCluster
	store *memstore.Store
	dist  *distribution.Distributor
	svc   *StatusService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tc := testutil.NewTestCluster(t)
	store := memstore.New()
	dist := distribution.New(tc.Dir, tc.Bus, distribution.WithLogger(testutil.Logger()))
	svc := NewStatusService(store.Statuses(), store.Buckets(), store.Retries(), dist,
		WithTimeout(testTimeout),
		WithMaxAttempts(3),
		WithLogger(testutil.Logger()))
	return &fixture{tc: tc, store: store, dist: dist, svc: svc}
}

func (f *fixture) seed(t *testing.T, id string, affinity ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Buckets().Save(ctx, &bucket.Bucket{ID: id, FullName: "/acme/" + id}))
	require.NoError(t, f.store.Statuses().Save(ctx, &status.Record{ID: id, NodeAffinity: affinity}))
}

func sources(msgs []bucket.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Source)
	}
	return out
}

func TestRetriableUpdateRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.tc.AddNode("A", testutil.Behavior{})
	f.tc.AddNode("B", testutil.Behavior{Silent: true})
	f.seed(t, "b1", "A", "B")
	ctx := context.Background()

	res, err := f.svc.UpdateByID(ctx, "b1", status.NewUpdate().Set(status.FieldSuspended, true))
	require.NoError(t, err)
	assert.True(t, res.Updated)

	require.Len(t, res.Messages, 2)
	assert.Equal(t, "A", res.Messages[0].Source)
	assert.True(t, res.Messages[0].Success)
	assert.Equal(t, "B", res.Messages[1].Source)
	assert.Equal(t, "queued for retry", res.Messages[1].Message)

	entries, err := f.store.Retries().List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"B"}, entries[0].Hosts())
	assert.Equal(t, 3, entries[0].MaxAttempts)
	assert.Equal(t, entries[0].ID, res.Messages[1].Details["retry_entry"])

	msg, ok := entries[0].Message.(*action.UpdateState)
	require.True(t, ok)
	assert.True(t, msg.Suspended)
	assert.Equal(t, "b1", msg.Bucket.ID)

	rec, err := f.store.Statuses().Get(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, rec.Suspended)
}

func TestReplyWithEngineSourceIsNotQueued(t *testing.T) {
	f := newFixture(t)
	f.tc.AddNode("A", testutil.Behavior{Source: "harvest-engine"})
	f.tc.AddNode("B", testutil.Behavior{Silent: true})
	f.seed(t, "b1", "A", "B")
	ctx := context.Background()

	res, err := f.svc.UpdateByID(ctx, "b1", status.NewUpdate().Set(status.FieldSuspended, true))
	require.NoError(t, err)
	assert.Equal(t, []string{"harvest-engine", "B"}, sources(res.Messages))

	entries, err := f.store.Retries().List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"B"}, entries[0].Hosts())
	assert.Equal(t, "1 of 2 hosts unconfirmed", entries[0].LastError)
}

func TestUnregisteredAffinityIsQueued(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "b1", "B")
	ctx := context.Background()

	res, err := f.svc.UpdateByID(ctx, "b1", status.NewUpdate().Set(status.FieldSuspended, true))
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "queued for retry", res.Messages[0].Message)

	entries, err := f.store.Retries().List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"B"}, entries[0].Hosts())
}

func TestBusinessFailureIsNotQueued(t *testing.T) {
	f := newFixture(t)
	f.tc.AddNode("A", testutil.Behavior{Fail: true})
	f.seed(t, "b1", "A")

	res, err := f.svc.UpdateByID(context.Background(), "b1", status.NewUpdate().Set(status.FieldSuspended, false))
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.False(t, res.Messages[0].Success)

	n, err := f.store.Retries().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestValidationGate(t *testing.T) {
	f := newFixture(t)
	f.tc.AddNode("A", testutil.Behavior{})
	f.seed(t, "b1", "A")

	res, err := f.svc.UpdateByID(context.Background(), "b1",
		status.NewUpdate().Set(status.FieldSuspended, true).Set("owner_id", "x"))
	require.NoError(t, err)
	assert.False(t, res.Updated)
	require.Len(t, res.Messages, 1)
	assert.False(t, res.Messages[0].Success)
	assert.Contains(t, res.Messages[0].Message, "owner_id")

	assert.Zero(t, f.tc.Published())
	rec, err := f.store.Statuses().Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.False(t, rec.Suspended)
}

func TestMistypedStatusMessageIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "b1", "A")

	res, err := f.svc.UpdateByID(context.Background(), "b1",
		status.NewUpdate().Set(status.FieldLastHarvestMessages+".A", "harvest finished"))
	require.NoError(t, err)
	assert.False(t, res.Updated)
	require.Len(t, res.Messages, 1)
	assert.False(t, res.Messages[0].Success)
	assert.Zero(t, f.tc.Published())
}

func TestUpsertIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdateByID(context.Background(), "b1",
		status.NewUpdate().Set(status.FieldSuspended, true), WithUpsert(true))
	assert.ErrorIs(t, err, status.ErrUpsertNotSupported)

	_, err = f.svc.UpdateMany(context.Background(), []string{"b1"},
		status.NewUpdate().Set(status.FieldSuspended, true), WithUpsert(true))
	assert.ErrorIs(t, err, status.ErrUpsertNotSupported)
}

func TestMissingBucket(t *testing.T) {
	f := newFixture(t)
	f.tc.AddNode("A", testutil.Behavior{})
	require.NoError(t, f.store.Statuses().Save(context.Background(), &status.Record{ID: "orphan", NodeAffinity: []string{"A"}}))

	res, err := f.svc.UpdateByID(context.Background(), "orphan", status.NewUpdate().Set(status.FieldSuspended, true))
	require.NoError(t, err)
	assert.True(t, res.Updated)
	require.Len(t, res.Messages, 1)
	assert.False(t, res.Messages[0].Success)
	assert.Contains(t, res.Messages[0].Message, "missing status bean or bucket")
	assert.Zero(t, f.tc.Published())
}

func TestMissingRecord(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.UpdateByID(context.Background(), "nope", status.NewUpdate().Set(status.FieldSuspended, true))
	require.NoError(t, err)
	assert.False(t, res.Updated)
	require.Len(t, res.Messages, 1)
	assert.Contains(t, res.Messages[0].Message, "(unknown)")
}

func TestUpdateWithoutPropagation(t *testing.T) {
	f := newFixture(t)
	f.tc.AddNode("A", testutil.Behavior{})
	f.seed(t, "b1", "A")

	res, err := f.svc.UpdateByID(context.Background(), "b1", status.NewUpdate().Increment(status.FieldNumObjects, 5))
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Empty(t, res.Messages)
	assert.Zero(t, f.tc.Published())

	rec, err := f.store.Statuses().Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.NumObjects)
}

func TestSuspendAndQuarantinePropagateTogether(t *testing.T) {
	f := newFixture(t)
	f.tc.AddNode("A", testutil.Behavior{})
	f.seed(t, "b1", "A")

	u := status.NewUpdate().
		Set(status.FieldSuspended, true).
		Set(status.FieldQuarantinedUntil, time.Now().Add(time.Hour))
	res, err := f.svc.UpdateByID(context.Background(), "b1", u)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "A"}, sources(res.Messages))
	assert.Eventually(t, func() bool { return f.tc.Published() == 2 }, time.Second, 10*time.Millisecond)
}

func TestUpdateMany(t *testing.T) {
	f := newFixture(t)
	f.tc.AddNode("A", testutil.Behavior{})
	f.tc.AddNode("B", testutil.Behavior{})
	f.seed(t, "b1", "A")
	f.seed(t, "b2", "B")

	res, err := f.svc.UpdateMany(context.Background(), []string{"b1", "b2", "missing"},
		status.NewUpdate().Set(status.FieldSuspended, true))
	require.NoError(t, err)
	assert.True(t, res.Updated)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, "A", res.Messages[0].Source)
	assert.Equal(t, "B", res.Messages[1].Source)
	assert.False(t, res.Messages[2].Success)
}

func TestApplyRetriableUpdateWithCustomPredicate(t *testing.T) {
	f := newFixture(t)
	f.tc.AddNode("A", testutil.Behavior{})
	f.seed(t, "b1", "A")

	var seen bool
	msgs, err := f.svc.ApplyRetriableUpdate(context.Background(),
		func(ctx context.Context) (*status.Record, error) {
			return f.store.Statuses().Get(ctx, "b1")
		},
		func(r *status.Record) bool {
			seen = true
			return !r.Suspended
		})
	require.NoError(t, err)
	assert.True(t, seen)
	require.Len(t, msgs, 1)
	assert.Equal(t, "A", msgs[0].Source)
}

type fakeDistributor struct {
	cr  *action.CollectedReplies
	err error
}

func (d fakeDistributor) Distribute(context.Context, action.Message, time.Duration) (*action.CollectedReplies, error) {
	return d.cr, d.err
}

func TestApplyRetriableOperation(t *testing.T) {
	b := &bucket.Bucket{ID: "b1"}
	errDist := errors.New("membership unavailable")

	cases := []struct {
		desc     string
		dist     fakeDistributor
		msg      action.Message
		wantErr  error
		msgs     int
		queued   int
		queuedTo []string
	}{
		{
			desc: "all confirmed",
			dist: fakeDistributor{cr: &action.CollectedReplies{
				Replies: []bucket.Message{bucket.Success("A", "purge", "ok")},
				Replied: []string{"A"},
			}},
			msg:  &action.Purge{Bucket: b, HandlingClients: []string{"A"}},
			msgs: 1,
		},
		{
			desc: "broadcast to all scoped by timed out nodes",
			dist: fakeDistributor{cr: &action.CollectedReplies{
				Replies:       []bucket.Message{bucket.Success("A", "delete", "ok")},
				TimedOutCount: 2,
				TimedOut:      []string{"C", "B"},
				Replied:       []string{"A"},
			}},
			msg:      &action.Delete{Bucket: b},
			msgs:     3,
			queued:   1,
			queuedTo: []string{"B", "C"},
		},
		{
			desc: "not rescopable",
			dist: fakeDistributor{cr: &action.CollectedReplies{
				TimedOutCount: 1,
				TimedOut:      []string{"A"},
			}},
			msg:  &action.New{Bucket: b},
			msgs: 1,
		},
		{
			desc:    "distribution error",
			dist:    fakeDistributor{err: errDist},
			msg:     &action.Purge{Bucket: b},
			wantErr: errDist,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			retries := memstore.NewRetryStore()
			msgs, err := ApplyRetriableOperation(context.Background(), tc.dist, retries, tc.msg, 0, 5)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, msgs, tc.msgs)

			entries, err := retries.List(context.Background())
			require.NoError(t, err)
			require.Len(t, entries, tc.queued)
			if tc.queued > 0 {
				assert.Equal(t, tc.queuedTo, entries[0].Hosts())
				assert.Equal(t, tc.msg.Kind(), entries[0].Message.Kind())
			}
		})
	}
}

type failingRetryStore struct {
	storage.RetryStore
}

func (failingRetryStore) Store(context.Context, *storage.RetryEntry) error {
	return testutil.ErrInjected
}

func TestApplyRetriableOperationStoreFailure(t *testing.T) {
	dist := fakeDistributor{cr: &action.CollectedReplies{TimedOutCount: 1, TimedOut: []string{"A"}}}
	msg := &action.Purge{Bucket: &bucket.Bucket{ID: "b1"}, HandlingClients: []string{"A"}}

	_, err := ApplyRetriableOperation(context.Background(), dist, failingRetryStore{}, msg, 0, 5)
	assert.ErrorIs(t, err, testutil.ErrInjected)
}
