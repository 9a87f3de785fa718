// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"testing"
	"time"

	"github.com/absmach/bucketd/bucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	until := time.Now().Add(time.Hour)

	cases := []struct {
		desc   string
		update *Update
		errs   int
	}{
		{desc: "set num objects", update: NewUpdate().Set(FieldNumObjects, 10)},
		{desc: "increment num objects", update: NewUpdate().Increment(FieldNumObjects, int64(-2))},
		{desc: "num objects not numeric", update: NewUpdate().Set(FieldNumObjects, "ten"), errs: 1},
		{desc: "unset num objects", update: NewUpdate().Unset(FieldNumObjects), errs: 1},
		{desc: "suspend", update: NewUpdate().Set(FieldSuspended, true)},
		{desc: "suspend with string", update: NewUpdate().Set(FieldSuspended, "yes"), errs: 1},
		{desc: "increment suspended", update: NewUpdate().Increment(FieldSuspended, 1), errs: 1},
		{desc: "quarantine", update: NewUpdate().Set(FieldQuarantinedUntil, until)},
		{desc: "quarantine pointer", update: NewUpdate().Set(FieldQuarantinedUntil, &until)},
		{desc: "lift quarantine", update: NewUpdate().Unset(FieldQuarantinedUntil)},
		{desc: "quarantine with number", update: NewUpdate().Set(FieldQuarantinedUntil, 12), errs: 1},
		{desc: "status message key", update: NewUpdate().Set(FieldLastHarvestMessages+".host-a", bucket.Message{})},
		{desc: "unset status map", update: NewUpdate().Unset(FieldLastStorageMessages)},
		{desc: "status message key with string", update: NewUpdate().Set(FieldLastHarvestMessages+".host-a", "ok"), errs: 1},
		{
			desc:   "replace status map",
			update: NewUpdate().Set(FieldLastEnrichmentMessages, map[string]bucket.Message{"host-a": {}}),
		},
		{
			desc:   "replace status map with message",
			update: NewUpdate().Set(FieldLastEnrichmentMessages, bucket.Message{}),
			errs:   1,
		},
		{desc: "increment status map", update: NewUpdate().Increment(FieldLastEnrichmentMessages, 1), errs: 1},
		{desc: "node affinity is not updatable", update: NewUpdate().Set(FieldNodeAffinity, []string{"a"}), errs: 1},
		{
			desc:   "one error per illegal field",
			update: NewUpdate().Set(FieldSuspended, true).Set("owner_id", "x").Set(FieldID, "y"),
			errs:   2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			errs := tc.update.Validate()
			assert.Len(t, errs, tc.errs)
			for _, e := range errs {
				assert.False(t, e.Success)
				assert.Equal(t, ValidationSource, e.Source)
				assert.Equal(t, "update_state", e.Command)
			}
		})
	}
}

func TestApply(t *testing.T) {
	until := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &Record{ID: "b1", NumObjects: 5}

	u := NewUpdate().
		Increment(FieldNumObjects, 3).
		Set(FieldSuspended, true).
		Set(FieldQuarantinedUntil, until).
		Set(FieldLastHarvestMessages+".host-a", bucket.Success("host-a", "harvest", "ok"))
	require.NoError(t, u.Apply(r))

	assert.Equal(t, int64(8), r.NumObjects)
	assert.True(t, r.Suspended)
	require.NotNil(t, r.QuarantinedUntil)
	assert.Equal(t, until, *r.QuarantinedUntil)
	assert.Equal(t, "ok", r.LastHarvestMessages["host-a"].Message)

	require.NoError(t, NewUpdate().Unset(FieldQuarantinedUntil).Unset(FieldLastHarvestMessages+".host-a").Apply(r))
	assert.Nil(t, r.QuarantinedUntil)
	assert.Empty(t, r.LastHarvestMessages)

	err := NewUpdate().Set("owner_id", "x").Apply(r)
	assert.ErrorIs(t, err, ErrInvalidChange)
}

func TestTouches(t *testing.T) {
	u := NewUpdate().Set(FieldSuspended, false).Unset(FieldLastStorageMessages + ".k")
	assert.True(t, u.Touches(FieldSuspended))
	assert.True(t, u.Touches(FieldLastStorageMessages))
	assert.False(t, u.Touches(FieldQuarantinedUntil))
}

func TestPredicates(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, QuarantinedAt(&Record{}, now))
	assert.False(t, QuarantinedAt(&Record{QuarantinedUntil: &past}, now))
	assert.True(t, QuarantinedAt(&Record{QuarantinedUntil: &future}, now))

	assert.True(t, Suspended(&Record{Suspended: true}))
	assert.False(t, Suspended(&Record{}))
}

func TestCloneIsDeep(t *testing.T) {
	until := time.Now()
	r := &Record{
		ID:                  "b1",
		QuarantinedUntil:    &until,
		NodeAffinity:        []string{"a"},
		LastHarvestMessages: map[string]bucket.Message{"a": {Message: "x"}},
	}
	cp := r.Clone()
	cp.NodeAffinity[0] = "b"
	cp.LastHarvestMessages["a"] = bucket.Message{Message: "y"}
	*cp.QuarantinedUntil = until.Add(time.Hour)

	assert.Equal(t, "a", r.NodeAffinity[0])
	assert.Equal(t, "x", r.LastHarvestMessages["a"].Message)
	assert.Equal(t, until, *r.QuarantinedUntil)
}
