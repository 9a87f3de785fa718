// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides an in-process cluster of fake worker nodes for
// tests that exercise distribution end to end.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/bus/memory"
	"github.com/absmach/bucketd/cluster"
	"github.com/stretchr/testify/require"
)

// Behavior controls how a test node answers addressed messages.
type Behavior struct {
	Delay  time.Duration
	Silent bool // never reply
	Fail   bool // reply with a failure result
	Source string // result source, defaults to the node id
}

// TestNode is a fake worker.
type TestNode struct {
	ID string

	mu       sync.Mutex
	behavior Behavior
	received atomic.Int32
}

// Received returns how many addressed messages the node saw.
func (n *TestNode) Received() int {
	return int(n.received.Load())
}

// SetBehavior changes how the node answers from now on.
func (n *TestNode) SetBehavior(b Behavior) {
	n.mu.Lock()
	n.behavior = b
	n.mu.Unlock()
}

func (n *TestNode) currentBehavior() Behavior {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.behavior
}

// TestCluster is a membership directory and bus shared by test nodes.
type TestCluster struct {
	t   *testing.T
	Dir *cluster.MemoryDirectory
	Bus *memory.Bus

	mu        sync.Mutex
	nodes     map[string]*TestNode
	published atomic.Int32
}

// Logger returns a logger that discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestCluster creates an empty cluster that is torn down with t.
func NewTestCluster(t *testing.T) *TestCluster {
	t.Helper()

	tc := &TestCluster{
		t:     t,
		Dir:   cluster.NewMemoryDirectory(),
		Bus:   memory.New(Logger()),
		nodes: make(map[string]*TestNode),
	}

	_, err := tc.Bus.Subscribe(func(context.Context, action.Envelope) {
		tc.published.Add(1)
	})
	require.NoError(t, err)

	t.Cleanup(func() { tc.Bus.Close() })
	return tc
}

// Published returns how many envelopes were broadcast.
func (tc *TestCluster) Published() int {
	return int(tc.published.Load())
}

// AddNode registers a node and starts answering as b describes.
func (tc *TestCluster) AddNode(id string, b Behavior) *TestNode {
	tc.t.Helper()

	node := &TestNode{ID: id, behavior: b}
	_, err := tc.Dir.Register(context.Background(), cluster.BucketActionPath, id)
	require.NoError(tc.t, err)

	_, err = tc.Bus.Subscribe(func(ctx context.Context, env action.Envelope) {
		if !action.Addressed(env.Message, id) {
			return
		}
		node.received.Add(1)

		b := node.currentBehavior()
		if b.Silent {
			return
		}

		go func() {
			if b.Delay > 0 {
				time.Sleep(b.Delay)
			}
			source := id
			if b.Source != "" {
				source = b.Source
			}
			result := bucket.Success(source, string(env.Message.Kind()), "handled")
			if b.Fail {
				result = bucket.Failure(source, string(env.Message.Kind()), "rejected")
			}
			_ = tc.Bus.Reply(ctx, env.ReplyTo, action.Handled{NodeID: id, Result: result})
		}()
	})
	require.NoError(tc.t, err)

	tc.mu.Lock()
	tc.nodes[id] = node
	tc.mu.Unlock()
	return node
}

// Node returns the node with id, or nil.
func (tc *TestCluster) Node(id string) *TestNode {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.nodes[id]
}
