// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt carries the bus over an MQTT broker. Envelopes are published
// to "<prefix>/actions" and replies to "<prefix>/replies/<replyTo>". Payloads
// are framed with the configured compression.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bus"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultQoS            = 1
	defaultPrefix         = "bucketd"
	defaultConnectTimeout = 5 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt operation timed out")

var _ bus.Bus = (*Bus)(nil)

// Config holds MQTT bus settings.
type Config struct {
	Broker         string
	ClientID       string
	TopicPrefix    string
	QoS            byte
	Compression    action.Compression
	ConnectTimeout time.Duration
}

// Bus is a bus.Bus on top of a paho MQTT client.
type Bus struct {
	client  paho.Client
	prefix  string
	qos     byte
	comp    action.Compression
	timeout time.Duration

	mu         sync.Mutex
	subs       map[uint64]bus.Handler
	nextID     uint64
	subscribed bool
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// New connects to the broker and returns a bus.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultPrefix
	}
	if cfg.QoS == 0 {
		cfg.QoS = defaultQoS
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetProtocolVersion(4).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
		})

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, ErrTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger.Info("mqtt bus connected", slog.String("broker", cfg.Broker), slog.String("client_id", cfg.ClientID))

	return &Bus{
		client:  client,
		prefix:  cfg.TopicPrefix,
		qos:     cfg.QoS,
		comp:    cfg.Compression,
		timeout: cfg.ConnectTimeout,
		subs:    make(map[uint64]bus.Handler),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}, nil
}

// ActionsTopic returns the broadcast topic for prefix.
func ActionsTopic(prefix string) string {
	return prefix + "/actions"
}

// ReplyTopic returns the reply topic of replyTo under prefix.
func ReplyTopic(prefix, replyTo string) string {
	return prefix + "/replies/" + replyTo
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, env action.Envelope) error {
	data, err := action.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	return b.publish(ctx, ActionsTopic(b.prefix), data)
}

// Subscribe implements bus.Bus. The broker subscription is shared by all
// local handlers and made on first use.
func (b *Bus) Subscribe(h bus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}

	if !b.subscribed {
		tok := b.client.Subscribe(ActionsTopic(b.prefix), b.qos, b.onAction)
		if err := b.wait(context.Background(), tok); err != nil {
			return nil, fmt.Errorf("subscribe to actions: %w", err)
		}
		b.subscribed = true
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = h
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

func (b *Bus) onAction(_ paho.Client, msg paho.Message) {
	data, err := action.Unframe(msg.Payload())
	if err != nil {
		b.logger.Error("failed to unframe envelope", slog.String("topic", msg.Topic()), slog.String("error", err.Error()))
		return
	}

	b.mu.Lock()
	handlers := make([]bus.Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		env, err := action.UnmarshalEnvelope(data)
		if err != nil {
			b.logger.Error("failed to decode envelope", slog.String("error", err.Error()))
			return
		}
		h(b.ctx, env)
	}
}

// Reply implements bus.Bus.
func (b *Bus) Reply(ctx context.Context, replyTo string, r action.Reply) error {
	data, err := action.MarshalReply(r)
	if err != nil {
		return err
	}
	return b.publish(ctx, ReplyTopic(b.prefix, replyTo), data)
}

// Listen implements bus.Bus.
func (b *Bus) Listen(replyTo string, h bus.ReplyHandler) (func(), error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, bus.ErrClosed
	}

	topic := ReplyTopic(b.prefix, replyTo)
	tok := b.client.Subscribe(topic, b.qos, func(_ paho.Client, msg paho.Message) {
		data, err := action.Unframe(msg.Payload())
		if err != nil {
			b.logger.Error("failed to unframe reply", slog.String("topic", topic), slog.String("error", err.Error()))
			return
		}
		r, err := action.UnmarshalReply(data)
		if err != nil {
			b.logger.Error("failed to decode reply", slog.String("topic", topic), slog.String("error", err.Error()))
			return
		}
		h(r)
	})
	if err := b.wait(context.Background(), tok); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	return func() {
		tok := b.client.Unsubscribe(topic)
		if err := b.wait(context.Background(), tok); err != nil {
			b.logger.Warn("failed to unsubscribe reply topic", slog.String("topic", topic), slog.String("error", err.Error()))
		}
	}, nil
}

// Close disconnects from the broker.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.client.Disconnect(disconnectQuiesce)
	return nil
}

func (b *Bus) publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}

	tok := b.client.Publish(topic, b.qos, false, action.Frame(data, b.comp))
	if err := b.wait(ctx, tok); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) wait(ctx context.Context, tok paho.Token) error {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
