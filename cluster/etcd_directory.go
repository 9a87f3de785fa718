// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	defaultLeaseTTL         = 10 // seconds
	defaultFailureThreshold = 5
	defaultResetTimeout     = 10 * time.Second
)

var _ Membership = (*EtcdDirectory)(nil)

// EtcdDirectory is a Membership backed by etcd. Registrations are keys
// "<path>/<nodeID>" attached to a lease that is kept alive for as long as the
// registration is open, so a lost node disappears after the lease TTL.
type EtcdDirectory struct {
	kv       clientv3.KV
	lease    clientv3.Lease
	leaseTTL int64
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// EtcdOption configures an EtcdDirectory.
type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	leaseTTL         int64
	failureThreshold uint32
	resetTimeout     time.Duration
	logger           *slog.Logger
}

// WithLeaseTTL sets the registration lease TTL in seconds.
func WithLeaseTTL(seconds int64) EtcdOption {
	return func(o *etcdOptions) { o.leaseTTL = seconds }
}

// WithBreaker configures the circuit breaker guarding directory lookups.
func WithBreaker(failureThreshold uint32, resetTimeout time.Duration) EtcdOption {
	return func(o *etcdOptions) {
		o.failureThreshold = failureThreshold
		o.resetTimeout = resetTimeout
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EtcdOption {
	return func(o *etcdOptions) { o.logger = l }
}

// NewEtcdDirectory creates a directory on top of an etcd client.
func NewEtcdDirectory(client *clientv3.Client, opts ...EtcdOption) *EtcdDirectory {
	return newEtcdDirectory(client.KV, client.Lease, opts...)
}

func newEtcdDirectory(kv clientv3.KV, lease clientv3.Lease, opts ...EtcdOption) *EtcdDirectory {
	o := etcdOptions{
		leaseTTL:         defaultLeaseTTL,
		failureThreshold: defaultFailureThreshold,
		resetTimeout:     defaultResetTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	logger := o.logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "etcd-directory",
		MaxRequests: 1,
		Timeout:     o.resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.failureThreshold
		},
		// Abandoned callers say nothing about etcd health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("directory circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &EtcdDirectory{
		kv:       kv,
		lease:    lease,
		leaseTTL: o.leaseTTL,
		breaker:  breaker,
		logger:   logger,
	}
}

// ListChildren implements Directory.
func (d *EtcdDirectory) ListChildren(ctx context.Context, path string) ([]string, error) {
	prefix := dirPrefix(path)

	res, err := d.breaker.Execute(func() (interface{}, error) {
		return d.kv.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", path, err)
	}

	resp := res.(*clientv3.GetResponse)
	seen := make(map[string]struct{}, len(resp.Kvs))
	children := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		child, _, _ := strings.Cut(strings.TrimPrefix(string(kv.Key), prefix), "/")
		if child == "" {
			continue
		}
		if _, ok := seen[child]; ok {
			continue
		}
		seen[child] = struct{}{}
		children = append(children, child)
	}

	if len(children) == 0 {
		return nil, ErrNoNode
	}
	sort.Strings(children)
	return children, nil
}

// Register implements Registrar. The returned registration keeps its lease
// alive in the background until closed.
func (d *EtcdDirectory) Register(ctx context.Context, path, nodeID string) (Registration, error) {
	grant, err := d.lease.Grant(ctx, d.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease: %w", err)
	}

	key := dirPrefix(path) + nodeID
	if _, err := d.kv.Put(ctx, key, nodeID, clientv3.WithLease(grant.ID)); err != nil {
		_, _ = d.lease.Revoke(ctx, grant.ID)
		return nil, fmt.Errorf("failed to register %s: %w", key, err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := d.lease.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		cancel()
		_, _ = d.lease.Revoke(ctx, grant.ID)
		return nil, fmt.Errorf("failed to keep lease alive: %w", err)
	}

	// Consume keepalive responses in background
	go func() {
		for range ch {
		}
	}()

	d.logger.Info("registered node", slog.String("key", key), slog.Int64("lease_ttl", d.leaseTTL))
	return &etcdRegistration{dir: d, key: key, id: grant.ID, cancel: cancel}, nil
}

type etcdRegistration struct {
	dir    *EtcdDirectory
	key    string
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

func (r *etcdRegistration) Close(ctx context.Context) error {
	r.cancel()
	if _, err := r.dir.lease.Revoke(ctx, r.id); err != nil {
		return fmt.Errorf("failed to revoke registration %s: %w", r.key, err)
	}
	r.dir.logger.Info("deregistered node", slog.String("key", r.key))
	return nil
}

func dirPrefix(path string) string {
	return strings.TrimSuffix(path, "/") + "/"
}
