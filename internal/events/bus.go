/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Payload generic header or body map.
type Payload map[string]any

// Message is one event on a slash-separated topic.
type Message struct {
	Topic   string  `json:"topic"`
	Headers Payload `json:"headers,omitempty"`
	Body    any     `json:"message"`
}

// Header returns a header value, or nil when absent.
func (m Message) Header(key string) any {
	if m.Headers == nil {
		return nil
	}
	return m.Headers[key]
}

// Publisher accepts messages for delivery.
type Publisher interface {
	Publish(msg Message)
}

// Subscriber receives messages.
type Subscriber chan Message

const defaultBuffer = 64

type subscription struct {
	prefix string
	ch     Subscriber
}

// Bus implements a simple in-process pubsub keyed by topic prefix.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscription
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber for every topic under prefix.
// An empty prefix receives everything.
func (b *Bus) Subscribe(prefix string) Subscriber {
	return b.SubscribeBuffered(prefix, defaultBuffer)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity.
func (b *Bus) SubscribeBuffered(prefix string, size int) Subscriber {
	if size < 1 {
		size = 1
	}
	ch := make(Subscriber, size)
	b.mu.Lock()
	b.subs = append(b.subs, subscription{prefix: strings.Trim(prefix, "/"), ch: ch})
	b.mu.Unlock()
	return ch
}

// Publish sends msg to matching subscribers without blocking.
// Messages for a full subscriber are dropped and counted.
func (b *Bus) Publish(msg Message) {
	// Sends never block, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !Matches(s.prefix, msg.Topic) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Unsubscribe removes the subscriber and closes it.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, candidate := range b.subs {
		if candidate.ch == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Matches reports whether topic sits at or below prefix on a segment boundary.
func Matches(prefix, topic string) bool {
	if prefix == "" {
		return true
	}
	topic = strings.Trim(topic, "/")
	if !strings.HasPrefix(topic, prefix) {
		return false
	}
	return len(topic) == len(prefix) || topic[len(prefix)] == '/'
}
