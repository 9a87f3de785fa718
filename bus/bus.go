// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bus defines the broadcast transport that carries bucket action
// messages to every worker node and carries replies back to the coordinator
// that asked.
package bus

import (
	"context"
	"errors"

	"github.com/absmach/bucketd/action"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler receives broadcast envelopes. Handlers may run concurrently.
type Handler func(ctx context.Context, env action.Envelope)

// ReplyHandler receives replies sent to a reply address.
type ReplyHandler func(r action.Reply)

// Bus delivers envelopes to all subscribers and replies to a single listener.
type Bus interface {
	// Publish broadcasts env to every subscriber.
	Publish(ctx context.Context, env action.Envelope) error

	// Subscribe registers h for every broadcast envelope.
	Subscribe(h Handler) (unsubscribe func(), err error)

	// Reply sends r to the listener registered for replyTo. Replies for an
	// address nobody listens on are dropped.
	Reply(ctx context.Context, replyTo string, r action.Reply) error

	// Listen registers h as the listener for replyTo.
	Listen(replyTo string, h ReplyHandler) (cancel func(), err error)

	Close() error
}
