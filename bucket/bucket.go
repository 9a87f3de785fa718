// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bucket

import (
	"encoding/json"
	"strings"
	"time"
)

// TestPrefix is prepended to the full name of buckets created for test runs.
const TestPrefix = "/aleph2_testing/"

// Bucket is a managed data source. The configuration payload is owned by the
// bucket store and is carried through the cluster untouched.
type Bucket struct {
	ID                string          `json:"_id"`
	FullName          string          `json:"full_name"`
	DisplayName       string          `json:"display_name,omitempty"`
	OwnerID           string          `json:"owner_id,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	PollFrequency     string          `json:"poll_frequency,omitempty"`
	HarvestTechnology string          `json:"harvest_technology_name_or_id,omitempty"`
	MultiNode         bool            `json:"multi_node_enabled,omitempty"`
	Config            json.RawMessage `json:"config,omitempty"`
}

// TestSpec bounds a validation pass run against a bucket.
type TestSpec struct {
	RequestedNumObjects   int64         `json:"requested_num_objects,omitempty"`
	MaxRunTime            time.Duration `json:"max_run_time,omitempty"`
	MaxStartupTime        time.Duration `json:"max_startup_time,omitempty"`
	OverwriteExistingData bool          `json:"overwrite_existing_data,omitempty"`
}

// Clone returns a deep copy of the bucket.
func (b *Bucket) Clone() *Bucket {
	if b == nil {
		return nil
	}
	cp := *b
	if b.Tags != nil {
		cp.Tags = append([]string(nil), b.Tags...)
	}
	if b.Config != nil {
		cp.Config = append(json.RawMessage(nil), b.Config...)
	}
	return &cp
}

// IsTest reports whether the bucket was created for a test run.
func IsTest(b *Bucket) bool {
	return b != nil && strings.HasPrefix(b.FullName, TestPrefix)
}

// ToTest returns a copy of b whose full name lives under the test prefix of
// the given user. Buckets that are already test buckets are returned as copies.
func ToTest(b *Bucket, userID string) *Bucket {
	cp := b.Clone()
	if cp == nil || IsTest(cp) {
		return cp
	}
	cp.FullName = TestPrefix + userID + "/" + strings.TrimPrefix(cp.FullName, "/")
	return cp
}
