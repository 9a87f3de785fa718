// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package management applies durable bucket changes and propagates them to
// the worker nodes that own the bucket. Delivery that cannot be confirmed is
// handed to the retry queue instead of failing the change.
package management

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bucket"
	"github.com/absmach/bucketd/metrics"
	"github.com/absmach/bucketd/storage"
)

// Source is the source of messages produced by this package.
const Source = "bucketd.management"

// Distributor fans a message out to the cluster and collects the replies.
type Distributor interface {
	Distribute(ctx context.Context, msg action.Message, timeout time.Duration) (*action.CollectedReplies, error)
}

// ApplyRetriableOperation distributes msg and queues a residual copy scoped
// to every host that did not confirm delivery. Hosts that replied, whether
// successfully or not, are never queued. The returned messages are the
// replies followed by one informational message per queued host.
func ApplyRetriableOperation(ctx context.Context, dist Distributor, retries storage.RetryStore, msg action.Message, timeout time.Duration, maxAttempts int) ([]bucket.Message, error) {
	op := retriable{dist: dist, retries: retries, timeout: timeout, maxAttempts: maxAttempts, logger: slog.Default()}
	return op.apply(ctx, msg)
}

type retriable struct {
	dist        Distributor
	retries     storage.RetryStore
	timeout     time.Duration
	maxAttempts int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func (r retriable) apply(ctx context.Context, msg action.Message) ([]bucket.Message, error) {
	cr, err := r.dist.Distribute(ctx, msg, r.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to distribute %s: %w", msg.Kind(), err)
	}

	out := append([]bucket.Message(nil), cr.Replies...)
	hosts := action.Unconfirmed(msg, cr)
	if len(hosts) == 0 {
		return out, nil
	}

	command := string(msg.Kind())
	residual, err := action.Rescope(msg, hosts)
	if errors.Is(err, action.ErrNotRescopable) {
		// Broadcast-to-all kinds carry no host list, so a residual cannot be
		// addressed to the missing hosts only.
		for _, host := range hosts {
			out = append(out, bucket.Failure(host, command, "delivery not confirmed, "+command+" messages are not retried"))
		}
		return out, nil
	}
	if err != nil {
		return out, err
	}

	entry := storage.NewRetryEntry(residual, r.maxAttempts)
	entry.LastError = fmt.Sprintf("%d of %d hosts unconfirmed", len(hosts), len(hosts)+len(cr.Replied))
	if err := r.retries.Store(ctx, entry); err != nil {
		return out, fmt.Errorf("failed to queue %s for retry: %w", command, err)
	}
	r.metrics.RecordRetryEnqueued(len(hosts))
	r.logger.Info("queued unconfirmed hosts for retry",
		slog.String("entry", entry.ID),
		slog.String("kind", command),
		slog.Any("hosts", hosts))

	for _, host := range hosts {
		out = append(out, bucket.Success(host, command, "queued for retry").WithDetail("retry_entry", entry.ID))
	}
	return out, nil
}
