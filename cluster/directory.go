// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
)

// BucketActionPath is the registration root under which worker nodes that
// handle bucket actions register themselves.
const BucketActionPath = "/bucketd/bucket_actions"

// ErrNoNode is returned by ListChildren when nobody ever registered under the path.
var ErrNoNode = errors.New("no such path")

// Directory lists the nodes registered under a path.
type Directory interface {
	// ListChildren returns the node ids registered under path, or ErrNoNode.
	ListChildren(ctx context.Context, path string) ([]string, error)
}

// Registrar registers the local node under a path. Registrations are
// ephemeral: they disappear when the node is lost.
type Registrar interface {
	Register(ctx context.Context, path, nodeID string) (Registration, error)
}

// Membership combines both sides of the directory.
type Membership interface {
	Directory
	Registrar
}

// Registration is a live node registration.
type Registration interface {
	// Close removes the registration.
	Close(ctx context.Context) error
}
