// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/google/uuid"
)

// RetryEntry is an action message whose delivery could not be confirmed on
// every target host. The message is already scoped to the unconfirmed hosts.
type RetryEntry struct {
	ID            string
	Message       action.Message
	CreatedAt     time.Time
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
}

// NewRetryEntry creates an entry that is due immediately.
func NewRetryEntry(msg action.Message, maxAttempts int) *RetryEntry {
	now := time.Now().UTC()
	return &RetryEntry{
		ID:            uuid.NewString(),
		Message:       msg,
		CreatedAt:     now,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
	}
}

// Due reports whether the entry should be attempted at now.
func (e *RetryEntry) Due(now time.Time) bool {
	return !now.Before(e.NextAttemptAt)
}

// Exhausted reports whether the retry budget is spent. A zero MaxAttempts
// means unlimited.
func (e *RetryEntry) Exhausted() bool {
	return e.MaxAttempts > 0 && e.Attempts >= e.MaxAttempts
}

// Hosts returns the hosts the entry is scoped to.
func (e *RetryEntry) Hosts() []string {
	if e.Message == nil {
		return nil
	}
	return e.Message.Clients()
}

type retryEntryJSON struct {
	ID            string          `json:"id"`
	Message       json.RawMessage `json:"message"`
	CreatedAt     time.Time       `json:"created_at"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// MarshalJSON encodes the message with its variant tag.
func (e RetryEntry) MarshalJSON() ([]byte, error) {
	msg, err := action.MarshalMessage(e.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retry message: %w", err)
	}
	return json.Marshal(retryEntryJSON{
		ID:            e.ID,
		Message:       msg,
		CreatedAt:     e.CreatedAt,
		Attempts:      e.Attempts,
		MaxAttempts:   e.MaxAttempts,
		NextAttemptAt: e.NextAttemptAt,
		LastError:     e.LastError,
	})
}

// UnmarshalJSON decodes an entry encoded by MarshalJSON.
func (e *RetryEntry) UnmarshalJSON(data []byte) error {
	var w retryEntryJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	msg, err := action.UnmarshalMessage(w.Message)
	if err != nil {
		return fmt.Errorf("failed to unmarshal retry message: %w", err)
	}
	*e = RetryEntry{
		ID:            w.ID,
		Message:       msg,
		CreatedAt:     w.CreatedAt,
		Attempts:      w.Attempts,
		MaxAttempts:   w.MaxAttempts,
		NextAttemptAt: w.NextAttemptAt,
		LastError:     w.LastError,
	}
	return nil
}

// DeadLetter is a retry entry that exhausted its budget.
type DeadLetter struct {
	ID       string     `json:"id"`
	Entry    RetryEntry `json:"entry"`
	Reason   string     `json:"reason"`
	FailedAt time.Time  `json:"failed_at"`
}

// NewDeadLetter wraps e.
func NewDeadLetter(e *RetryEntry, reason string) *DeadLetter {
	return &DeadLetter{
		ID:       uuid.NewString(),
		Entry:    *e,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}
}

// SortRetryEntries orders entries oldest first.
func SortRetryEntries(entries []*RetryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// SortDeadLetters orders dead letters oldest first.
func SortDeadLetters(dls []*DeadLetter) {
	sort.SliceStable(dls, func(i, j int) bool {
		return dls[i].FailedAt.Before(dls[j].FailedAt)
	})
}
