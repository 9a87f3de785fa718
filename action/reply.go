// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package action

import "github.com/absmach/bucketd/bucket"

// ReplyKind tags a Reply variant on the wire.
type ReplyKind string

// Reply kinds.
const (
	ReplyWillAccept ReplyKind = "will_accept"
	ReplyIgnored    ReplyKind = "ignored"
	ReplyHandled    ReplyKind = "handled"
	ReplyTimeout    ReplyKind = "timeout"
	ReplyCollected  ReplyKind = "collected"
)

// Reply is an answer to a Message. The set of implementations is closed.
type Reply interface {
	ReplyKind() ReplyKind
	isReply()
}

// WillAccept is a positive answer to an Offer.
type WillAccept struct {
	NodeID string
}

// Ignored is a negative answer to an Offer.
type Ignored struct {
	NodeID string
}

// Handled carries the outcome of a lifecycle command on one node.
type Handled struct {
	NodeID string
	Result bucket.Message
}

// Timeout is generated by a coordinator's own timer. Workers never send it.
type Timeout struct{}

// CollectedReplies is the aggregate a coordinator returns to its caller.
// TimedOut lists the candidates that had not replied at finalize time, so
// TimedOutCount always equals len(TimedOut). Replied lists the node ids that
// answered, taken from the reply envelope rather than the result source.
type CollectedReplies struct {
	Replies       []bucket.Message
	TimedOutCount int
	TimedOut      []string
	Replied       []string
}

// ReplyKind implements Reply.
func (WillAccept) ReplyKind() ReplyKind { return ReplyWillAccept }

// ReplyKind implements Reply.
func (Ignored) ReplyKind() ReplyKind { return ReplyIgnored }

// ReplyKind implements Reply.
func (Handled) ReplyKind() ReplyKind { return ReplyHandled }

// ReplyKind implements Reply.
func (Timeout) ReplyKind() ReplyKind { return ReplyTimeout }

// ReplyKind implements Reply.
func (CollectedReplies) ReplyKind() ReplyKind { return ReplyCollected }

func (WillAccept) isReply()       {}
func (Ignored) isReply()          {}
func (Handled) isReply()          {}
func (Timeout) isReply()          {}
func (CollectedReplies) isReply() {}
