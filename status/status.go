// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package status models the mutable runtime status of a bucket and the
// restricted set of updates management callers may apply to it.
package status

import (
	"errors"
	"time"

	"github.com/absmach/bucketd/bucket"
)

// Record field names as used by update commands.
const (
	FieldID                     = "_id"
	FieldNumObjects             = "num_objects"
	FieldSuspended              = "suspended"
	FieldQuarantinedUntil       = "quarantined_until"
	FieldNodeAffinity           = "node_affinity"
	FieldLastHarvestMessages    = "last_harvest_status_messages"
	FieldLastEnrichmentMessages = "last_enrichment_status_messages"
	FieldLastStorageMessages    = "last_storage_status_messages"
)

var (
	// ErrUpsertNotSupported is returned when a caller asks for an upsert.
	ErrUpsertNotSupported = errors.New("upsert is not supported for status updates")

	// ErrInvalidChange is returned when an update cannot be applied to a record.
	ErrInvalidChange = errors.New("invalid status change")
)

// Record is the status of one bucket. NodeAffinity lists the nodes currently
// believed to own the bucket.
type Record struct {
	ID                     string                    `json:"_id"`
	Suspended              bool                      `json:"suspended"`
	QuarantinedUntil       *time.Time                `json:"quarantined_until,omitempty"`
	NodeAffinity           []string                  `json:"node_affinity,omitempty"`
	NumObjects             int64                     `json:"num_objects"`
	LastHarvestMessages    map[string]bucket.Message `json:"last_harvest_status_messages,omitempty"`
	LastEnrichmentMessages map[string]bucket.Message `json:"last_enrichment_status_messages,omitempty"`
	LastStorageMessages    map[string]bucket.Message `json:"last_storage_status_messages,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.QuarantinedUntil != nil {
		t := *r.QuarantinedUntil
		cp.QuarantinedUntil = &t
	}
	if r.NodeAffinity != nil {
		cp.NodeAffinity = append([]string(nil), r.NodeAffinity...)
	}
	cp.LastHarvestMessages = cloneMessages(r.LastHarvestMessages)
	cp.LastEnrichmentMessages = cloneMessages(r.LastEnrichmentMessages)
	cp.LastStorageMessages = cloneMessages(r.LastStorageMessages)
	return &cp
}

func cloneMessages(in map[string]bucket.Message) map[string]bucket.Message {
	if in == nil {
		return nil
	}
	out := make(map[string]bucket.Message, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Suspended reports whether workers should hold the bucket suspended.
func Suspended(r *Record) bool {
	return r.Suspended
}

// Quarantined reports whether r is quarantined right now.
func Quarantined(r *Record) bool {
	return QuarantinedAt(r, time.Now())
}

// QuarantinedAt reports whether r has a quarantine deadline after now.
func QuarantinedAt(r *Record, now time.Time) bool {
	return r.QuarantinedUntil != nil && now.Before(*r.QuarantinedUntil)
}
