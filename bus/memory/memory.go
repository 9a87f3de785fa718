// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process bus. Every delivery goes through the
// wire codec so subscribers never share message state with the publisher.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/bucketd/action"
	"github.com/absmach/bucketd/bus"
)

var _ bus.Bus = (*Bus)(nil)

// Bus is an in-process bus.Bus.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]bus.Handler
	listeners map[string]bus.ReplyHandler
	nextID    uint64
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates an in-process bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:      make(map[uint64]bus.Handler),
		listeners: make(map[string]bus.ReplyHandler),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Publish implements bus.Bus.
func (b *Bus) Publish(_ context.Context, env action.Envelope) error {
	data, err := action.MarshalEnvelope(env)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return bus.ErrClosed
	}

	for _, h := range b.subs {
		b.wg.Add(1)
		go func(h bus.Handler) {
			defer b.wg.Done()
			env, err := action.UnmarshalEnvelope(data)
			if err != nil {
				b.logger.Error("failed to decode envelope", slog.String("error", err.Error()))
				return
			}
			h(b.ctx, env)
		}(h)
	}
	return nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(h bus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
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

// Reply implements bus.Bus.
func (b *Bus) Reply(_ context.Context, replyTo string, r action.Reply) error {
	data, err := action.MarshalReply(r)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return bus.ErrClosed
	}

	h, ok := b.listeners[replyTo]
	if !ok {
		b.logger.Debug("dropping reply for unknown address", slog.String("reply_to", replyTo))
		return nil
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		r, err := action.UnmarshalReply(data)
		if err != nil {
			b.logger.Error("failed to decode reply", slog.String("error", err.Error()))
			return
		}
		h(r)
	}()
	return nil
}

// Listen implements bus.Bus.
func (b *Bus) Listen(replyTo string, h bus.ReplyHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	if _, ok := b.listeners[replyTo]; ok {
		return nil, fmt.Errorf("reply address %s already has a listener", replyTo)
	}

	b.listeners[replyTo] = h
	return func() {
		b.mu.Lock()
		delete(b.listeners, replyTo)
		b.mu.Unlock()
	}, nil
}

// Close stops deliveries and waits for in-flight handlers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
