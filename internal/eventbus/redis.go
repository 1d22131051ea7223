/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/actuator/internal/events"
	"github.com/friendsincode/actuator/internal/telemetry"
)

var _ Bus = (*RedisBus)(nil)

// RedisBus implements a Redis-backed event bus for distributed systems.
type RedisBus struct {
	client *redis.Client
	pubsub *redis.PubSub
	local  *events.Bus
	cfg    RedisConfig
	nodeID string
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Circuit breaker state
	mu          sync.Mutex
	useFallback bool
	failCount   int
	lastCheck   time.Time
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	ChannelPrefix string // channels are <prefix><topic>
	ForwardRoot   string

	// Connection pooling
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Circuit breaker
	MaxFailures   int
	CheckInterval time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		ChannelPrefix: "actuator:",
		ForwardRoot:   events.TopicRoot,
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		MaxFailures:   5,
		CheckInterval: 30 * time.Second,
	}
}

// NewRedisBus creates a Redis-backed event bus.
// Falls back to local delivery if Redis is unavailable (circuit breaker pattern).
func NewRedisBus(local *events.Bus, cfg RedisConfig, nodeID string, logger zerolog.Logger) (*RedisBus, error) {
	def := DefaultRedisConfig()
	if cfg.ForwardRoot == "" {
		cfg.ForwardRoot = def.ForwardRoot
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	rb := &RedisBus{
		local:  local,
		cfg:    cfg,
		nodeID: nodeID,
		logger: logger.With().Str("component", "redis_bus").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	rb.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()

	if err := rb.client.Ping(pingCtx).Err(); err != nil {
		rb.logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis connection failed, using in-memory fallback")
		rb.useFallback = true
		rb.lastCheck = time.Now()
	} else {
		rb.subscribe()
		rb.logger.Info().Str("addr", cfg.Addr).Msg("Redis event bus initialized")
	}

	rb.wg.Add(1)
	go rb.reconnectLoop()

	return rb, nil
}

func (rb *RedisBus) pattern() string {
	return rb.cfg.ChannelPrefix + strings.Trim(rb.cfg.ForwardRoot, "/") + "/*"
}

func (rb *RedisBus) subscribe() {
	pubsub := rb.client.PSubscribe(rb.ctx, rb.pattern())
	rb.mu.Lock()
	rb.pubsub = pubsub
	rb.mu.Unlock()

	rb.wg.Add(1)
	go rb.receiveMessages(pubsub)
}

// receiveMessages handles incoming Redis pub/sub messages.
func (rb *RedisBus) receiveMessages(pubsub *redis.PubSub) {
	defer rb.wg.Done()

	ch := pubsub.Channel()
	rb.logger.Debug().Str("pattern", rb.pattern()).Msg("started Redis message receiver")

	for {
		select {
		case <-rb.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				rb.logger.Warn().Msg("Redis channel closed")
				rb.handleFailure()
				return
			}

			env, err := unmarshalEnvelope([]byte(msg.Payload), rb.topic(msg.Channel))
			if err != nil {
				rb.logger.Error().Err(err).Str("channel", msg.Channel).Msg("failed to unmarshal Redis message")
				continue
			}

			// Skip messages from ourselves (prevent echo)
			if env.NodeID == rb.nodeID {
				continue
			}

			telemetry.BusMessagesTotal.WithLabelValues("redis", "in").Inc()
			rb.local.Publish(env.message())
		}
	}
}

// Publish delivers msg locally and forwards it to Redis when it is under the forward root.
func (rb *RedisBus) Publish(msg events.Message) {
	rb.local.Publish(msg)

	if rb.fallback() || !events.Matches(rb.cfg.ForwardRoot, msg.Topic) {
		return
	}

	data, err := marshalEnvelope(msg, rb.nodeID)
	if err != nil {
		rb.logger.Error().Err(err).Str("topic", msg.Topic).Msg("failed to marshal Redis message")
		return
	}

	ctx, cancel := context.WithTimeout(rb.ctx, 2*time.Second)
	defer cancel()

	if err := rb.client.Publish(ctx, rb.channel(msg.Topic), data).Err(); err != nil {
		rb.logger.Error().Err(err).Str("topic", msg.Topic).Msg("failed to publish to Redis")
		rb.handleFailure()
		return
	}
	telemetry.BusMessagesTotal.WithLabelValues("redis", "out").Inc()

	rb.mu.Lock()
	rb.failCount = 0
	rb.mu.Unlock()
}

// Local returns the in-process bus.
func (rb *RedisBus) Local() *events.Bus {
	return rb.local
}

// Close closes the Redis connection and subscription.
func (rb *RedisBus) Close() error {
	rb.logger.Info().Msg("closing Redis event bus")
	rb.cancel()

	rb.mu.Lock()
	if rb.pubsub != nil {
		rb.pubsub.Close()
		rb.pubsub = nil
	}
	rb.mu.Unlock()

	rb.wg.Wait()

	if err := rb.client.Close(); err != nil {
		rb.logger.Error().Err(err).Msg("failed to close Redis client")
		return err
	}
	return nil
}

func (rb *RedisBus) fallback() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.useFallback
}

// handleFailure implements circuit breaker logic.
func (rb *RedisBus) handleFailure() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.failCount++

	if rb.failCount >= rb.cfg.MaxFailures && !rb.useFallback {
		rb.logger.Warn().
			Int("fail_count", rb.failCount).
			Msg("Redis failure threshold reached, switching to in-memory fallback")

		rb.useFallback = true
		rb.lastCheck = time.Now()
		if rb.pubsub != nil {
			rb.pubsub.Close()
			rb.pubsub = nil
		}
	}
}

func (rb *RedisBus) reconnectLoop() {
	defer rb.wg.Done()

	ticker := time.NewTicker(rb.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rb.ctx.Done():
			return
		case <-ticker.C:
			if err := rb.tryReconnect(); err != nil {
				rb.logger.Debug().Err(err).Msg("Redis reconnect attempt failed")
			}
		}
	}
}

// tryReconnect attempts to leave fallback mode.
func (rb *RedisBus) tryReconnect() error {
	rb.mu.Lock()
	if !rb.useFallback {
		rb.mu.Unlock()
		return nil
	}
	if time.Since(rb.lastCheck) < rb.cfg.CheckInterval {
		rb.mu.Unlock()
		return fmt.Errorf("too soon to retry")
	}
	rb.lastCheck = time.Now()
	rb.mu.Unlock()

	ctx, cancel := context.WithTimeout(rb.ctx, 5*time.Second)
	defer cancel()

	if err := rb.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis still unavailable: %w", err)
	}

	rb.mu.Lock()
	rb.useFallback = false
	rb.failCount = 0
	rb.mu.Unlock()

	rb.subscribe()
	rb.logger.Info().Msg("reconnected to Redis, disabling fallback")
	return nil
}

func (rb *RedisBus) channel(topic string) string {
	return rb.cfg.ChannelPrefix + strings.Trim(topic, "/")
}

func (rb *RedisBus) topic(channel string) string {
	return strings.TrimPrefix(channel, rb.cfg.ChannelPrefix)
}
