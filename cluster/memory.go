// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"sort"
	"sync"
)

var _ Membership = (*MemoryDirectory)(nil)

// MemoryDirectory is an in-process Membership for single-node deployments
// and tests. A path exists once somebody registered under it, even after all
// registrations are gone.
type MemoryDirectory struct {
	mu    sync.RWMutex
	paths map[string]map[string]struct{}
	err   error
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{paths: make(map[string]map[string]struct{})}
}

// ListChildren implements Directory.
func (d *MemoryDirectory) ListChildren(_ context.Context, path string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.err != nil {
		return nil, d.err
	}
	nodes, ok := d.paths[path]
	if !ok {
		return nil, ErrNoNode
	}

	out := make([]string, 0, len(nodes))
	for n := range nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// Register implements Registrar.
func (d *MemoryDirectory) Register(_ context.Context, path, nodeID string) (Registration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nodes, ok := d.paths[path]
	if !ok {
		nodes = make(map[string]struct{})
		d.paths[path] = nodes
	}
	nodes[nodeID] = struct{}{}
	return &memoryRegistration{dir: d, path: path, nodeID: nodeID}, nil
}

// Fail makes every subsequent lookup return err. A nil err restores lookups.
func (d *MemoryDirectory) Fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

type memoryRegistration struct {
	dir    *MemoryDirectory
	path   string
	nodeID string
}

func (r *memoryRegistration) Close(context.Context) error {
	r.dir.mu.Lock()
	defer r.dir.mu.Unlock()
	delete(r.dir.paths[r.path], r.nodeID)
	return nil
}
