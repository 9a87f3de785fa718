// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package action defines the commands exchanged between the management layer
// and the worker nodes that run buckets, together with their replies.
package action

import "github.com/absmach/bucketd/bucket"

// Kind tags a Message variant on the wire.
type Kind string

// Message kinds.
const (
	KindOffer       Kind = "offer"
	KindNew         Kind = "new"
	KindUpdate      Kind = "update"
	KindUpdateState Kind = "update_state"
	KindPurge       Kind = "purge"
	KindDelete      Kind = "delete"
	KindTest        Kind = "test"
)

// Message is a lifecycle command addressed to a bucket. The set of
// implementations is closed.
type Message interface {
	// Kind returns the variant tag.
	Kind() Kind

	// Target returns the bucket the command applies to.
	Target() *bucket.Bucket

	// Clients returns the nodes that should act on the command.
	// Empty means every candidate.
	Clients() []string

	isMessage()
}

var (
	_ Message = (*Offer)(nil)
	_ Message = (*New)(nil)
	_ Message = (*Update)(nil)
	_ Message = (*UpdateState)(nil)
	_ Message = (*Purge)(nil)
	_ Message = (*Delete)(nil)
	_ Message = (*Test)(nil)
)

// Offer asks candidates whether they are willing to take ownership of a bucket.
// Offers are answered point-to-point and never distributed by a coordinator.
type Offer struct {
	Bucket *bucket.Bucket
}

// New creates a bucket, optionally leaving it suspended.
type New struct {
	Bucket    *bucket.Bucket
	Suspended bool
}

// Update changes the configuration of an existing bucket.
type Update struct {
	Bucket          *bucket.Bucket
	Old             *bucket.Bucket
	Enabled         bool
	HandlingClients []string
}

// UpdateState suspends or resumes a bucket without touching its configuration.
type UpdateState struct {
	Bucket          *bucket.Bucket
	Suspended       bool
	HandlingClients []string
}

// Purge deletes the data of a bucket but keeps its metadata.
type Purge struct {
	Bucket          *bucket.Bucket
	HandlingClients []string
}

// Delete removes a bucket entirely.
type Delete struct {
	Bucket          *bucket.Bucket
	HandlingClients []string
}

// Test runs a bounded validation pass.
type Test struct {
	Bucket *bucket.Bucket
	Spec   bucket.TestSpec
}

// NewTest builds a Test message whose bucket is converted to a test bucket
// owned by userID.
func NewTest(b *bucket.Bucket, spec bucket.TestSpec, userID string) *Test {
	return &Test{Bucket: bucket.ToTest(b, userID), Spec: spec}
}

// Kind implements Message.
func (m *Offer) Kind() Kind {
	return KindOffer
}

// Target implements Message.
func (m *Offer) Target() *bucket.Bucket {
	return m.Bucket
}

// Clients implements Message.
func (m *Offer) Clients() []string {
	return nil
}

func (*Offer) isMessage() {}

// Kind implements Message.
func (m *New) Kind() Kind {
	return KindNew
}

// Target implements Message.
func (m *New) Target() *bucket.Bucket {
	return m.Bucket
}

// Clients implements Message.
func (m *New) Clients() []string {
	return nil
}

func (*New) isMessage() {}

// Kind implements Message.
func (m *Update) Kind() Kind {
	return KindUpdate
}

// Target implements Message.
func (m *Update) Target() *bucket.Bucket {
	return m.Bucket
}

// Clients implements Message.
func (m *Update) Clients() []string {
	return m.HandlingClients
}

func (*Update) isMessage() {}

// Kind implements Message.
func (m *UpdateState) Kind() Kind {
	return KindUpdateState
}

// Target implements Message.
func (m *UpdateState) Target() *bucket.Bucket {
	return m.Bucket
}

// Clients implements Message.
func (m *UpdateState) Clients() []string {
	return m.HandlingClients
}

func (*UpdateState) isMessage() {}

// Kind implements Message.
func (m *Purge) Kind() Kind {
	return KindPurge
}

// Target implements Message.
func (m *Purge) Target() *bucket.Bucket {
	return m.Bucket
}

// Clients implements Message.
func (m *Purge) Clients() []string {
	return m.HandlingClients
}

func (*Purge) isMessage() {}

// Kind implements Message.
func (m *Delete) Kind() Kind {
	return KindDelete
}

// Target implements Message.
func (m *Delete) Target() *bucket.Bucket {
	return m.Bucket
}

// Clients implements Message.
func (m *Delete) Clients() []string {
	return m.HandlingClients
}

func (*Delete) isMessage() {}

// Kind implements Message.
func (m *Test) Kind() Kind {
	return KindTest
}

// Target implements Message.
func (m *Test) Target() *bucket.Bucket {
	return m.Bucket
}

// Clients implements Message.
func (m *Test) Clients() []string {
	return nil
}

func (*Test) isMessage() {}

// Envelope wraps a broadcast message with the address replies must be sent to.
type Envelope struct {
	ReplyTo string
	Message Message
}
