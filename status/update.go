// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
)

// ValidationSource is the source of messages produced by the validation gate.
const ValidationSource = "bucketd.status"

// Op is an update operator.
type Op string

const (
	OpSet       Op = "set"
	OpIncrement Op = "increment"
	OpUnset     Op = "unset"
)

// Change is one field operation of an Update. Field may address a single
// key of a status message map as "<map>.<key>".
type Change struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Update is an ordered list of field changes.
type Update struct {
	changes []Change
}

// NewUpdate returns an empty update.
func NewUpdate() *Update {
	return &Update{}
}

// Set sets field to v.
func (u *Update) Set(field string, v any) *Update {
	u.changes = append(u.changes, Change{Field: field, Op: OpSet, Value: v})
	return u
}

// Increment adds n to field.
func (u *Update) Increment(field string, n any) *Update {
	u.changes = append(u.changes, Change{Field: field, Op: OpIncrement, Value: n})
	return u
}

// Unset clears field.
func (u *Update) Unset(field string) *Update {
	u.changes = append(u.changes, Change{Field: field, Op: OpUnset})
	return u
}

// Changes returns the changes in the order they were added.
func (u *Update) Changes() []Change {
	return append([]Change(nil), u.changes...)
}

// Touches reports whether any change addresses field or one of its keys.
func (u *Update) Touches(field string) bool {
	for _, c := range u.changes {
		if root(c.Field) == field {
			return true
		}
	}
	return false
}

// Validate returns one failure message per change that falls outside the
// permitted set. An empty result means the update may be applied.
func (u *Update) Validate() []bucket.Message {
	var errs []bucket.Message
	for _, c := range u.changes {
		if !permitted(c) {
			errs = append(errs, bucket.Failure(
				ValidationSource,
				string(action.KindUpdateState),
				fmt.Sprintf("illegal update command: %s %s", c.Op, c.Field),
			))
		}
	}
	return errs
}

func permitted(c Change) bool {
	switch c.Field {
	case FieldNumObjects:
		_, numeric := toInt64(c.Value)
		return (c.Op == OpSet || c.Op == OpIncrement) && numeric
	case FieldSuspended:
		_, ok := c.Value.(bool)
		return c.Op == OpSet && ok
	case FieldQuarantinedUntil:
		if c.Op == OpUnset {
			return true
		}
		_, ok := toTime(c.Value)
		return c.Op == OpSet && ok
	}

	name, _, hasKey := strings.Cut(c.Field, ".")
	switch name {
	case FieldLastHarvestMessages, FieldLastEnrichmentMessages, FieldLastStorageMessages:
		switch {
		case c.Op == OpUnset:
			return true
		case c.Op != OpSet:
			return false
		case hasKey:
			_, ok := c.Value.(bucket.Message)
			return ok
		default:
			_, ok := c.Value.(map[string]bucket.Message)
			return ok
		}
	}
	return false
}

// Apply applies u to r. Only validated updates should be applied.
func (u *Update) Apply(r *Record) error {
	for _, c := range u.changes {
		if err := apply(r, c); err != nil {
			return err
		}
	}
	return nil
}

func apply(r *Record, c Change) error {
	switch c.Field {
	case FieldNumObjects:
		n, ok := toInt64(c.Value)
		if !ok {
			return fmt.Errorf("%s %s: %w", c.Op, c.Field, ErrInvalidChange)
		}
		if c.Op == OpIncrement {
			r.NumObjects += n
		} else {
			r.NumObjects = n
		}
		return nil
	case FieldSuspended:
		b, ok := c.Value.(bool)
		if !ok {
			return fmt.Errorf("%s %s: %w", c.Op, c.Field, ErrInvalidChange)
		}
		r.Suspended = b
		return nil
	case FieldQuarantinedUntil:
		if c.Op == OpUnset {
			r.QuarantinedUntil = nil
			return nil
		}
		t, ok := toTime(c.Value)
		if !ok {
			return fmt.Errorf("%s %s: %w", c.Op, c.Field, ErrInvalidChange)
		}
		r.QuarantinedUntil = &t
		return nil
	}

	name, key, hasKey := strings.Cut(c.Field, ".")
	var target *map[string]bucket.Message
	switch name {
	case FieldLastHarvestMessages:
		target = &r.LastHarvestMessages
	case FieldLastEnrichmentMessages:
		target = &r.LastEnrichmentMessages
	case FieldLastStorageMessages:
		target = &r.LastStorageMessages
	default:
		return fmt.Errorf("%s %s: %w", c.Op, c.Field, ErrInvalidChange)
	}

	switch {
	case c.Op == OpUnset && hasKey:
		delete(*target, key)
	case c.Op == OpUnset:
		*target = nil
	case c.Op == OpSet && hasKey:
		m, ok := c.Value.(bucket.Message)
		if !ok {
			return fmt.Errorf("%s %s: %w", c.Op, c.Field, ErrInvalidChange)
		}
		if *target == nil {
			*target = make(map[string]bucket.Message)
		}
		(*target)[key] = m
	case c.Op == OpSet:
		m, ok := c.Value.(map[string]bucket.Message)
		if !ok {
			return fmt.Errorf("%s %s: %w", c.Op, c.Field, ErrInvalidChange)
		}
		*target = cloneMessages(m)
	default:
		return fmt.Errorf("%s %s: %w", c.Op, c.Field, ErrInvalidChange)
	}
	return nil
}

func root(field string) string {
	name, _, _ := strings.Cut(field, ".")
	return name
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	default:
		return time.Time{}, false
	}
}
