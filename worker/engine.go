// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
)

// BucketState is what a LogEngine knows about one bucket.
type BucketState struct {
	Bucket    *bucket.Bucket
	Suspended bool
	Purges    int
	Tests     int
}

// LogEngine is an Engine that keeps bucket state in memory and logs every
// action. It backs nodes that have no harvest runtime attached.
type LogEngine struct {
	nodeID string
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*BucketState
}

var _ Engine = (*LogEngine)(nil)

// NewLogEngine creates a LogEngine.
func NewLogEngine(nodeID string, logger *slog.Logger) *LogEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEngine{
		nodeID:  nodeID,
		logger:  logger,
		buckets: make(map[string]*BucketState),
	}
}

// Accepts accepts every bucket with an id.
func (e *LogEngine) Accepts(_ context.Context, b *bucket.Bucket) bool {
	return b != nil && b.ID != ""
}

// Handle applies msg to the in-memory state.
func (e *LogEngine) Handle(_ context.Context, msg action.Message) (bucket.Message, error) {
	b := msg.Target()
	if b == nil || b.ID == "" {
		return bucket.Message{}, fmt.Errorf("%s: missing bucket", msg.Kind())
	}
	kind := string(msg.Kind())

	e.mu.Lock()
	defer e.mu.Unlock()

	st, known := e.buckets[b.ID]
	switch m := msg.(type) {
	case *action.New:
		if known {
			return bucket.Failure(e.nodeID, kind, "bucket "+b.ID+" already exists"), nil
		}
		e.buckets[b.ID] = &BucketState{Bucket: b.Clone(), Suspended: m.Suspended}
	case *action.Update:
		if !known {
			st = &BucketState{}
			e.buckets[b.ID] = st
		}
		st.Bucket = b.Clone()
		st.Suspended = !m.Enabled
	case *action.UpdateState:
		if !known {
			return bucket.Failure(e.nodeID, kind, "unknown bucket "+b.ID), nil
		}
		st.Suspended = m.Suspended
	case *action.Purge:
		if !known {
			return bucket.Failure(e.nodeID, kind, "unknown bucket "+b.ID), nil
		}
		st.Purges++
	case *action.Delete:
		delete(e.buckets, b.ID)
	case *action.Test:
		if !bucket.IsTest(b) {
			return bucket.Failure(e.nodeID, kind, "bucket "+b.FullName+" is not a test bucket"), nil
		}
		if !known {
			st = &BucketState{Bucket: b.Clone()}
			e.buckets[b.ID] = st
		}
		st.Tests++
	default:
		return bucket.Message{}, fmt.Errorf("unsupported action %s", kind)
	}

	e.logger.Info("bucket action applied",
		slog.String("kind", kind),
		slog.String("bucket", b.ID),
		slog.String("full_name", b.FullName))
	return bucket.Success(e.nodeID, kind, kind+" applied to "+b.ID), nil
}

// State returns a copy of what the engine knows about id.
func (e *LogEngine) State(id string) (BucketState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.buckets[id]
	if !ok {
		return BucketState{}, false
	}
	cp := *st
	cp.Bucket = st.Bucket.Clone()
	return cp, true
}
