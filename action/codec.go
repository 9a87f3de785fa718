// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package action

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/bucketd/bucket"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrUnknownKind is returned when decoding a message or reply with an unknown tag.
	ErrUnknownKind = errors.New("unknown kind")

	// ErrShortFrame is returned when a frame has no header byte.
	ErrShortFrame = errors.New("frame too short")
)

// Compression selects how frames are compressed on the wire.
type Compression byte

// Supported compression types.
const (
	CompressionNone Compression = 0
	CompressionS2   Compression = 1
	CompressionZstd Compression = 2
)

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

type wireMessage struct {
	Type            Kind             `json:"type"`
	Bucket          *bucket.Bucket   `json:"bucket,omitempty"`
	OldBucket       *bucket.Bucket   `json:"old_bucket,omitempty"`
	Suspended       bool             `json:"is_suspended,omitempty"`
	Enabled         bool             `json:"is_enabled,omitempty"`
	HandlingClients []string         `json:"handling_clients,omitempty"`
	TestSpec        *bucket.TestSpec `json:"test_spec,omitempty"`
}

type wireReply struct {
	Type          ReplyKind        `json:"type"`
	NodeID        string           `json:"node_id,omitempty"`
	Result        *bucket.Message  `json:"result,omitempty"`
	Replies       []bucket.Message `json:"replies,omitempty"`
	TimedOutCount int              `json:"timed_out_count,omitempty"`
	TimedOut      []string         `json:"timed_out,omitempty"`
	Replied       []string         `json:"replied,omitempty"`
}

type wireEnvelope struct {
	ReplyTo string          `json:"reply_to"`
	Message json.RawMessage `json:"message"`
}

// MarshalMessage encodes a message with its variant tag.
func MarshalMessage(m Message) ([]byte, error) {
	var w wireMessage
	switch v := m.(type) {
	case *Offer:
		w = wireMessage{Type: KindOffer, Bucket: v.Bucket}
	case *New:
		w = wireMessage{Type: KindNew, Bucket: v.Bucket, Suspended: v.Suspended}
	case *Update:
		w = wireMessage{Type: KindUpdate, Bucket: v.Bucket, OldBucket: v.Old, Enabled: v.Enabled, HandlingClients: v.HandlingClients}
	case *UpdateState:
		w = wireMessage{Type: KindUpdateState, Bucket: v.Bucket, Suspended: v.Suspended, HandlingClients: v.HandlingClients}
	case *Purge:
		w = wireMessage{Type: KindPurge, Bucket: v.Bucket, HandlingClients: v.HandlingClients}
	case *Delete:
		w = wireMessage{Type: KindDelete, Bucket: v.Bucket, HandlingClients: v.HandlingClients}
	case *Test:
		spec := v.Spec
		w = wireMessage{Type: KindTest, Bucket: v.Bucket, TestSpec: &spec}
	default:
		return nil, fmt.Errorf("marshal message %T: %w", m, ErrUnknownKind)
	}
	return json.Marshal(w)
}

// UnmarshalMessage decodes a message produced by MarshalMessage.
func UnmarshalMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	switch w.Type {
	case KindOffer:
		return &Offer{Bucket: w.Bucket}, nil
	case KindNew:
		return &New{Bucket: w.Bucket, Suspended: w.Suspended}, nil
	case KindUpdate:
		return &Update{Bucket: w.Bucket, Old: w.OldBucket, Enabled: w.Enabled, HandlingClients: w.HandlingClients}, nil
	case KindUpdateState:
		return &UpdateState{Bucket: w.Bucket, Suspended: w.Suspended, HandlingClients: w.HandlingClients}, nil
	case KindPurge:
		return &Purge{Bucket: w.Bucket, HandlingClients: w.HandlingClients}, nil
	case KindDelete:
		return &Delete{Bucket: w.Bucket, HandlingClients: w.HandlingClients}, nil
	case KindTest:
		m := &Test{Bucket: w.Bucket}
		if w.TestSpec != nil {
			m.Spec = *w.TestSpec
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unmarshal message type %q: %w", w.Type, ErrUnknownKind)
	}
}

// MarshalReply encodes a reply with its variant tag.
func MarshalReply(r Reply) ([]byte, error) {
	var w wireReply
	switch v := r.(type) {
	case WillAccept:
		w = wireReply{Type: ReplyWillAccept, NodeID: v.NodeID}
	case Ignored:
		w = wireReply{Type: ReplyIgnored, NodeID: v.NodeID}
	case Handled:
		res := v.Result
		w = wireReply{Type: ReplyHandled, NodeID: v.NodeID, Result: &res}
	case Timeout:
		w = wireReply{Type: ReplyTimeout}
	case CollectedReplies:
		w = wireReply{Type: ReplyCollected, Replies: v.Replies, TimedOutCount: v.TimedOutCount, TimedOut: v.TimedOut, Replied: v.Replied}
	default:
		return nil, fmt.Errorf("marshal reply %T: %w", r, ErrUnknownKind)
	}
	return json.Marshal(w)
}

// UnmarshalReply decodes a reply produced by MarshalReply.
func UnmarshalReply(data []byte) (Reply, error) {
	var w wireReply
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}

	switch w.Type {
	case ReplyWillAccept:
		return WillAccept{NodeID: w.NodeID}, nil
	case ReplyIgnored:
		return Ignored{NodeID: w.NodeID}, nil
	case ReplyHandled:
		h := Handled{NodeID: w.NodeID}
		if w.Result != nil {
			h.Result = *w.Result
		}
		return h, nil
	case ReplyTimeout:
		return Timeout{}, nil
	case ReplyCollected:
		return CollectedReplies{Replies: w.Replies, TimedOutCount: w.TimedOutCount, TimedOut: w.TimedOut, Replied: w.Replied}, nil
	default:
		return nil, fmt.Errorf("unmarshal reply type %q: %w", w.Type, ErrUnknownKind)
	}
}

// MarshalEnvelope encodes an envelope.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	msg, err := MarshalMessage(env.Message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{ReplyTo: env.ReplyTo, Message: msg})
}

// UnmarshalEnvelope decodes an envelope produced by MarshalEnvelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	msg, err := UnmarshalMessage(w.Message)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ReplyTo: w.ReplyTo, Message: msg}, nil
}

// Zstd encoder/decoder shared by all frames.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// Frame prefixes data with a compression header and compresses it.
func Frame(data []byte, c Compression) []byte {
	var body []byte
	switch c {
	case CompressionS2:
		body = s2.Encode(nil, data)
	case CompressionZstd:
		body = zstdEncoder.EncodeAll(data, nil)
	default:
		c = CompressionNone
		body = data
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(c))
	return append(out, body...)
}

// Unframe reverses Frame.
func Unframe(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrShortFrame
	}

	body := frame[1:]
	switch Compression(frame[0]) {
	case CompressionNone:
		return body, nil
	case CompressionS2:
		return s2.Decode(nil, body)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("unknown compression %d", frame[0])
	}
}
