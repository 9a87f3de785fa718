// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis implements the retry queue and dead letter store on Redis so
// several management nodes can share one queue. Every entry is a Redis Hash
// and a Set per kind tracks the ids for enumeration.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client, redis.WithKeyPrefix("bucketd:"))
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/absmach/bucketd/storage"
)

// DefaultKeyPrefix is prepended to every key.
const DefaultKeyPrefix = "bucketd:"

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.keys = keys(prefix)
		}
	}
}

// Store holds the Redis-backed retry queue and dead letter store.
type Store struct {
	client goredis.Cmdable
	keys   keys
	logger *slog.Logger

	retries     *RetryStore
	deadLetters *DeadLetterStore
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, keys: keys(DefaultKeyPrefix), logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.retries = &RetryStore{client: client, keys: s.keys, logger: s.logger}
	s.deadLetters = &DeadLetterStore{client: client, keys: s.keys, logger: s.logger}
	return s
}

// Retries returns the retry queue.
func (s *Store) Retries() storage.RetryStore {
	return s.retries
}

// DeadLetters returns the dead letter store.
func (s *Store) DeadLetters() storage.DeadLetterStore {
	return s.deadLetters
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// keys is the key namespace.
type keys string

// retry returns the hash key of a retry entry: {prefix}retry:{id}
func (k keys) retry(id string) string {
	return string(k) + "retry:" + id
}

// retryIDs is the Set tracking all retry entry ids.
func (k keys) retryIDs() string {
	return string(k) + "retry_ids"
}

// deadLetter returns the hash key of a dead letter: {prefix}dlq:{id}
func (k keys) deadLetter(id string) string {
	return string(k) + "dlq:" + id
}

// deadLetterIDs is the Set tracking all dead letter ids.
func (k keys) deadLetterIDs() string {
	return string(k) + "dlq_ids"
}
