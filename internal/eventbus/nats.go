/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/actuator/internal/events"
	"github.com/friendsincode/actuator/internal/telemetry"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	Token         string
	SubjectPrefix string // subjects are <prefix>.<topic with / as .>
	ForwardRoot   string // only topics under this root cross the wire
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "actuator",
		ForwardRoot:   events.TopicRoot,
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

var _ Bus = (*NATSBus)(nil)

// NATSBus implements a NATS-backed event bus.
type NATSBus struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	local  *events.Bus
	cfg    NATSConfig
	nodeID string
	logger zerolog.Logger

	useFallback atomic.Bool
}

// NewNATSBus creates a NATS-backed event bus.
// Falls back to in-memory delivery if NATS is unavailable.
func NewNATSBus(local *events.Bus, cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultNATSConfig().SubjectPrefix
	}
	if cfg.ForwardRoot == "" {
		cfg.ForwardRoot = events.TopicRoot
	}
	nb := &NATSBus{
		local:  local,
		cfg:    cfg,
		nodeID: nodeID,
		logger: logger.With().Str("component", "nats_bus").Logger(),
	}

	opts := []nats.Option{
		nats.Name("actuatord-" + nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			nb.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			nb.logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		nb.logger.Warn().Err(err).Str("url", cfg.URL).Msg("NATS connection failed, using in-memory fallback")
		nb.useFallback.Store(true)
		return nb, nil
	}
	nb.conn = conn

	sub, err := conn.Subscribe(nb.subject(cfg.ForwardRoot)+".>", nb.receive)
	if err != nil {
		conn.Close()
		nb.conn = nil
		nb.logger.Warn().Err(err).Msg("NATS subscribe failed, using in-memory fallback")
		nb.useFallback.Store(true)
		return nb, nil
	}
	nb.sub = sub

	nb.logger.Info().Str("url", conn.ConnectedUrl()).Str("subject", sub.Subject).Msg("NATS event bus initialized")
	return nb, nil
}

func (nb *NATSBus) receive(m *nats.Msg) {
	env, err := unmarshalEnvelope(m.Data, nb.topic(m.Subject))
	if err != nil {
		nb.logger.Error().Err(err).Str("subject", m.Subject).Msg("failed to unmarshal NATS message")
		return
	}
	// Skip messages from ourselves (prevent echo)
	if env.NodeID == nb.nodeID {
		return
	}
	telemetry.BusMessagesTotal.WithLabelValues("nats", "in").Inc()
	nb.local.Publish(env.message())
}

// Publish delivers msg locally and forwards it to NATS when it is under the forward root.
func (nb *NATSBus) Publish(msg events.Message) {
	nb.local.Publish(msg)

	if nb.useFallback.Load() || nb.conn == nil || !events.Matches(nb.cfg.ForwardRoot, msg.Topic) {
		return
	}
	data, err := marshalEnvelope(msg, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Str("topic", msg.Topic).Msg("failed to marshal NATS message")
		return
	}
	if err := nb.conn.Publish(nb.subject(msg.Topic), data); err != nil {
		nb.logger.Error().Err(err).Str("topic", msg.Topic).Msg("failed to publish to NATS")
		return
	}
	telemetry.BusMessagesTotal.WithLabelValues("nats", "out").Inc()
}

// Local returns the in-process bus.
func (nb *NATSBus) Local() *events.Bus {
	return nb.local
}

// Close drains the subscription and closes the connection.
func (nb *NATSBus) Close() error {
	if nb.conn == nil {
		return nil
	}
	nb.logger.Info().Msg("closing NATS event bus")
	return nb.conn.Drain()
}

// subject maps a slash topic to a NATS subject.
func (nb *NATSBus) subject(topic string) string {
	topic = strings.Trim(topic, "/")
	if topic == "" {
		return nb.cfg.SubjectPrefix
	}
	return nb.cfg.SubjectPrefix + "." + strings.ReplaceAll(topic, "/", ".")
}

// topic maps a NATS subject back to a slash topic.
func (nb *NATSBus) topic(subject string) string {
	subject = strings.TrimPrefix(subject, nb.cfg.SubjectPrefix+".")
	return strings.ReplaceAll(subject, ".", "/")
}
