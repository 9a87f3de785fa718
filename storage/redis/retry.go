// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/storage"
)

var (
	_ storage.RetryStore      = (*RetryStore)(nil)
	_ storage.DeadLetterStore = (*DeadLetterStore)(nil)
)

// RetryStore implements storage.RetryStore on Redis.
type RetryStore struct {
	client goredis.Cmdable
	keys   keys
	logger *slog.Logger
}

// Store creates or replaces an entry.
func (s *RetryStore) Store(ctx context.Context, e *storage.RetryEntry) error {
	m, err := retryToMap(e)
	if err != nil {
		return fmt.Errorf("bucketd/redis: store retry: %w", err)
	}
	key := s.keys.retry(e.ID)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, m)
	pipe.SAdd(ctx, s.keys.retryIDs(), e.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bucketd/redis: store retry: %w", err)
	}
	return nil
}

// Get retrieves an entry by id.
func (s *RetryStore) Get(ctx context.Context, id string) (*storage.RetryEntry, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.retry(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("bucketd/redis: get retry: %w", err)
	}
	if len(vals) == 0 {
		return nil, storage.ErrNotFound
	}
	return mapToRetry(vals)
}

// List returns all entries, oldest first. Entries that fail to decode are
// skipped.
func (s *RetryStore) List(ctx context.Context) ([]*storage.RetryEntry, error) {
	ids, err := s.client.SMembers(ctx, s.keys.retryIDs()).Result()
	if err != nil {
		return nil, fmt.Errorf("bucketd/redis: list retries: %w", err)
	}

	entries := make([]*storage.RetryEntry, 0, len(ids))
	for _, id := range ids {
		vals, getErr := s.client.HGetAll(ctx, s.keys.retry(id)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToRetry(vals)
		if convErr != nil {
			s.logger.Warn("skipping undecodable retry entry", slog.String("id", id), slog.String("error", convErr.Error()))
			continue
		}
		entries = append(entries, e)
	}
	storage.SortRetryEntries(entries)
	return entries, nil
}

// Delete removes an entry.
func (s *RetryStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keys.retry(id))
	pipe.SRem(ctx, s.keys.retryIDs(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bucketd/redis: delete retry: %w", err)
	}
	return nil
}

// DeleteAll removes all matching entries.
func (s *RetryStore) DeleteAll(ctx context.Context, match func(*storage.RetryEntry) bool) (int, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if !match(e) {
			continue
		}
		if err := s.Delete(ctx, e.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Count returns the number of entries.
func (s *RetryStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.keys.retryIDs()).Result()
	if err != nil {
		return 0, fmt.Errorf("bucketd/redis: count retries: %w", err)
	}
	return int(n), nil
}

// DeadLetterStore implements storage.DeadLetterStore on Redis.
type DeadLetterStore struct {
	client goredis.Cmdable
	keys   keys
	logger *slog.Logger
}

// Push adds a dead letter.
func (s *DeadLetterStore) Push(ctx context.Context, dl *storage.DeadLetter) error {
	m, err := deadLetterToMap(dl)
	if err != nil {
		return fmt.Errorf("bucketd/redis: push dlq: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keys.deadLetter(dl.ID), m)
	pipe.SAdd(ctx, s.keys.deadLetterIDs(), dl.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bucketd/redis: push dlq: %w", err)
	}
	return nil
}

// List returns all dead letters, oldest first.
func (s *DeadLetterStore) List(ctx context.Context) ([]*storage.DeadLetter, error) {
	ids, err := s.client.SMembers(ctx, s.keys.deadLetterIDs()).Result()
	if err != nil {
		return nil, fmt.Errorf("bucketd/redis: list dlq: %w", err)
	}

	dls := make([]*storage.DeadLetter, 0, len(ids))
	for _, id := range ids {
		vals, getErr := s.client.HGetAll(ctx, s.keys.deadLetter(id)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		dl, convErr := mapToDeadLetter(vals)
		if convErr != nil {
			s.logger.Warn("skipping undecodable dead letter", slog.String("id", id), slog.String("error", convErr.Error()))
			continue
		}
		dls = append(dls, dl)
	}
	storage.SortDeadLetters(dls)
	return dls, nil
}

// Delete removes a dead letter.
func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keys.deadLetter(id))
	pipe.SRem(ctx, s.keys.deadLetterIDs(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bucketd/redis: delete dlq: %w", err)
	}
	return nil
}

// Count returns the number of dead letters.
func (s *DeadLetterStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.keys.deadLetterIDs()).Result()
	if err != nil {
		return 0, fmt.Errorf("bucketd/redis: count dlq: %w", err)
	}
	return int(n), nil
}

// ── helpers ──

func retryToMap(e *storage.RetryEntry) (map[string]interface{}, error) {
	msg, err := action.MarshalMessage(e.Message)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":              e.ID,
		"message":         string(msg),
		"created_at":      e.CreatedAt.Format(time.RFC3339Nano),
		"attempts":        strconv.Itoa(e.Attempts),
		"max_attempts":    strconv.Itoa(e.MaxAttempts),
		"next_attempt_at": e.NextAttemptAt.Format(time.RFC3339Nano),
		"last_error":      e.LastError,
	}, nil
}

func mapToRetry(m map[string]string) (*storage.RetryEntry, error) {
	msg, err := action.UnmarshalMessage([]byte(m["message"]))
	if err != nil {
		return nil, fmt.Errorf("bucketd/redis: parse retry message: %w", err)
	}
	attempts, _ := strconv.Atoi(m["attempts"])                              //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])                       //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])           //nolint:errcheck // best-effort parse from trusted Redis data
	nextAttemptAt, _ := time.Parse(time.RFC3339Nano, m["next_attempt_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &storage.RetryEntry{
		ID:            m["id"],
		Message:       msg,
		CreatedAt:     createdAt,
		Attempts:      attempts,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: nextAttemptAt,
		LastError:     m["last_error"],
	}, nil
}

func deadLetterToMap(dl *storage.DeadLetter) (map[string]interface{}, error) {
	entry, err := json.Marshal(dl.Entry)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":        dl.ID,
		"entry":     string(entry),
		"reason":    dl.Reason,
		"failed_at": dl.FailedAt.Format(time.RFC3339Nano),
	}, nil
}

func mapToDeadLetter(m map[string]string) (*storage.DeadLetter, error) {
	var entry storage.RetryEntry
	if err := json.Unmarshal([]byte(m["entry"]), &entry); err != nil {
		return nil, fmt.Errorf("bucketd/redis: parse dlq entry: %w", err)
	}
	failedAt, _ := time.Parse(time.RFC3339Nano, m["failed_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &storage.DeadLetter{
		ID:       m["id"],
		Entry:    entry,
		Reason:   m["reason"],
		FailedAt: failedAt,
	}, nil
}
