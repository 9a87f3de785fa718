// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
	memorybus "github.com/absmach/bucketd/bus/memory"
	"github.com/absmach/bucketd/cluster"
	"github.com/absmach/bucketd/distribution"
	"github.com/absmach/bucketd/storage"
	memstore "github.com/absmach/bucketd/storage/memory"
	"github.com/absmach/bucketd/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDistributor answers each call with the next scripted reply.
type scriptedDistributor struct {
	mu      sync.Mutex
	replies []func(action.Message) (*action.CollectedReplies, error)
	calls   []action.Message
}

func (d *scriptedDistributor) Distribute(_ context.Context, msg action.Message, _ time.Duration) (*action.CollectedReplies, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, msg)
	if len(d.replies) == 0 {
		return &action.CollectedReplies{}, nil
	}
	next := d.replies[0]
	d.replies = d.replies[1:]
	return next(msg)
}

func (d *scriptedDistributor) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// replyFrom confirms hosts and times out everything else the message targets.
func replyFrom(hosts ...string) func(action.Message) (*action.CollectedReplies, error) {
	return func(msg action.Message) (*action.CollectedReplies, error) {
		cr := &action.CollectedReplies{}
		confirmed := make(map[string]bool)
		for _, h := range hosts {
			confirmed[h] = true
			cr.Replied = append(cr.Replied, h)
			cr.Replies = append(cr.Replies, bucket.Success(h, string(msg.Kind()), "ok"))
		}
		for _, h := range msg.Clients() {
			if !confirmed[h] {
				cr.TimedOut = append(cr.TimedOut, h)
			}
		}
		cr.TimedOutCount = len(cr.TimedOut)
		return cr, nil
	}
}

func failWith(err error) func(action.Message) (*action.CollectedReplies, error) {
	return func(action.Message) (*action.CollectedReplies, error) {
		return nil, err
	}
}

type fixture struct {
	dist  *scriptedDistributor
	store *memstore.Store
	now   time.Time
	r     *Redeliverer
}

func newFixture(t *testing.T, replies ...func(action.Message) (*action.CollectedReplies, error)) *fixture {
	t.Helper()
	f := &fixture{
		dist:  &scriptedDistributor{replies: replies},
		store: memstore.New(),
		now:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.r = New(f.dist, f.store.Retries(), f.store.DeadLetters(), Config{Rate: 1000, Burst: 10},
		WithLogger(testutil.Logger()),
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) enqueue(t *testing.T, maxAttempts int, hosts ...string) *storage.RetryEntry {
	t.Helper()
	e := storage.NewRetryEntry(&action.UpdateState{
		Bucket:          &bucket.Bucket{ID: "b1"},
		Suspended:       true,
		HandlingClients: hosts,
	}, maxAttempts)
	e.NextAttemptAt = f.now
	require.NoError(t, f.store.Retries().Store(context.Background(), e))
	return e
}

func TestConfirmedEntryIsDeleted(t *testing.T) {
	f := newFixture(t, replyFrom("A", "B"))
	f.enqueue(t, 5, "A", "B")

	n, err := f.r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := f.store.Retries().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPartialConfirmationNarrowsEntry(t *testing.T) {
	f := newFixture(t, replyFrom("A"))
	e := f.enqueue(t, 5, "A", "B", "C")

	_, err := f.r.RunOnce(context.Background())
	require.NoError(t, err)

	got, err := f.store.Retries().Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, got.Hosts())
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, f.now.Add(time.Second).Equal(got.NextAttemptAt))
	assert.Equal(t, "2 hosts unconfirmed", got.LastError)
}

func TestEntryNotDueIsSkipped(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 5, "A")
	e.NextAttemptAt = f.now.Add(time.Minute)
	require.NoError(t, f.store.Retries().Store(context.Background(), e))

	n, err := f.r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.dist.Calls())
}

func TestDistributionErrorReschedules(t *testing.T) {
	f := newFixture(t, failWith(errors.New("etcd unavailable")))
	e := f.enqueue(t, 5, "A", "B")

	_, err := f.r.RunOnce(context.Background())
	require.NoError(t, err)

	got, err := f.store.Retries().Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, got.Hosts())
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "etcd unavailable", got.LastError)
}

func TestExhaustedEntryIsDeadLettered(t *testing.T) {
	f := newFixture(t, replyFrom(), replyFrom())
	e := f.enqueue(t, 2, "B")
	ctx := context.Background()

	_, err := f.r.RunOnce(ctx)
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	_, err = f.r.RunOnce(ctx)
	require.NoError(t, err)

	count, err := f.store.Retries().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	dls, err := f.store.DeadLetters().List(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, e.ID, dls[0].Entry.ID)
	assert.Equal(t, 2, dls[0].Entry.Attempts)
	assert.Equal(t, []string{"B"}, dls[0].Entry.Hosts())
	assert.Equal(t, "retry budget exhausted", dls[0].Reason)
}

func TestUnregisteredHostsAreNotConfirmed(t *testing.T) {
	dir := cluster.NewMemoryDirectory()
	b := memorybus.New(testutil.Logger())
	t.Cleanup(func() { b.Close() })
	dist := distribution.New(dir, b, distribution.WithLogger(testutil.Logger()))

	store := memstore.New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(dist, store.Retries(), store.DeadLetters(), Config{Rate: 1000, Burst: 10, Timeout: 50 * time.Millisecond},
		WithLogger(testutil.Logger()),
		WithClock(func() time.Time { return now }))

	e := storage.NewRetryEntry(&action.UpdateState{
		Bucket:          &bucket.Bucket{ID: "b1"},
		Suspended:       true,
		HandlingClients: []string{"B"},
	}, 2)
	e.NextAttemptAt = now
	ctx := context.Background()
	require.NoError(t, store.Retries().Store(ctx, e))

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Retries().Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, got.Hosts())
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "1 hosts unconfirmed", got.LastError)

	now = now.Add(time.Hour)
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	count, err := store.Retries().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	dls, err := store.DeadLetters().List(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, []string{"B"}, dls[0].Entry.Hosts())
}

func TestBackoff(t *testing.T) {
	r := New(nil, nil, nil, Config{BaseDelay: time.Second, MaxDelay: 5 * time.Minute})

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},
		{40, 5 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, r.backoff(tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestDefaults(t *testing.T) {
	r := New(nil, nil, nil, Config{})
	assert.Equal(t, DefaultConfig().Interval, r.cfg.Interval)
	assert.Equal(t, DefaultConfig().MaxDelay, r.cfg.MaxDelay)
	assert.Equal(t, 2.0, r.cfg.Multiplier)
}

func TestRedeliveryEndToEnd(t *testing.T) {
	tc := testutil.NewTestCluster(t)
	tc.AddNode("A", testutil.Behavior{})
	b := tc.AddNode("B", testutil.Behavior{Silent: true})

	store := memstore.New()
	dist := distribution.New(tc.Dir, tc.Bus, distribution.WithLogger(testutil.Logger()))
	e := storage.NewRetryEntry(&action.Purge{
		Bucket:          &bucket.Bucket{ID: "b1"},
		HandlingClients: []string{"B"},
	}, 10)
	require.NoError(t, store.Retries().Store(context.Background(), e))

	r := New(dist, store.Retries(), store.DeadLetters(), Config{
		Interval:  20 * time.Millisecond,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
		Timeout:   50 * time.Millisecond,
	}, WithLogger(testutil.Logger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	assert.Eventually(t, func() bool { return b.Received() > 0 }, 2*time.Second, 10*time.Millisecond)
	b.SetBehavior(testutil.Behavior{})

	assert.Eventually(t, func() bool {
		n, err := store.Retries().Count(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)

	dls, err := store.DeadLetters().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, dls)
	assert.Zero(t, tc.Node("A").Received())
}
