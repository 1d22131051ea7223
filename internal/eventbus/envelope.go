/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus bridges the in-process bus to NATS or Redis so agents on other
// hosts can reach the arbiter.
package eventbus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/actuator/internal/events"
)

// Bus publishes locally and, where configured, to a remote transport.
// Components subscribe through Local.
type Bus interface {
	events.Publisher
	Local() *events.Bus
	Close() error
}

// envelope is the wire form of a message on a remote transport.
type envelope struct {
	Topic     string         `json:"topic"`
	Headers   events.Payload `json:"headers,omitempty"`
	Message   any            `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	NodeID    string         `json:"node_id"`
	MessageID string         `json:"message_id"`
}

func marshalEnvelope(msg events.Message, nodeID string) ([]byte, error) {
	return json.Marshal(envelope{
		Topic:     msg.Topic,
		Headers:   msg.Headers,
		Message:   msg.Body,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

// unmarshalEnvelope decodes data. Payloads from agents that do not wrap their
// messages are accepted as a bare body on fallbackTopic. Numbers stay json.Number
// so large numeric identifiers keep their exact text.
func unmarshalEnvelope(data []byte, fallbackTopic string) (*envelope, error) {
	var env envelope
	if err := decodeJSON(data, &env); err == nil && env.Topic != "" {
		return &env, nil
	}
	var body any
	if err := decodeJSON(data, &body); err != nil {
		return nil, fmt.Errorf("unmarshal bus message: %w", err)
	}
	return &envelope{Topic: fallbackTopic, Message: body}, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

func (e *envelope) message() events.Message {
	return events.Message{Topic: e.Topic, Headers: e.Headers, Body: e.Message}
}

// NodeID returns id if set, otherwise hostname plus a random suffix.
func NodeID(id string) string {
	if id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "actuatord"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Memory is a Bus with no remote side.
type Memory struct {
	local *events.Bus
}

// NewMemory wraps a local bus.
func NewMemory(local *events.Bus) *Memory {
	return &Memory{local: local}
}

// Publish delivers msg to local subscribers.
func (m *Memory) Publish(msg events.Message) { m.local.Publish(msg) }

// Local returns the in-process bus.
func (m *Memory) Local() *events.Bus { return m.local }

// Close is a no-op.
func (m *Memory) Close() error { return nil }
