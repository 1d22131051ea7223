/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership keeps at most one actuatord instance authoritative.
package leadership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/actuator/internal/telemetry"
)

const (
	// Default election key in Redis
	defaultElectionKey = "actuator:leader:arbiter"

	// Default lease duration - leader must renew before this expires
	defaultLeaseDuration = 15 * time.Second

	// Default renewal interval - how often leader renews lease
	defaultRenewalInterval = 5 * time.Second

	// Default retry interval - how often followers check for leadership
	defaultRetryInterval = 2 * time.Second
)

// renewScript extends the lease only while we still own it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

// releaseScript deletes the key only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Election manages distributed leader election using Redis.
type Election struct {
	client     *redis.Client
	logger     zerolog.Logger
	config     ElectionConfig
	instanceID string

	isLeader atomic.Bool
	leaderCh chan bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// ElectionConfig configures leader election behavior.
type ElectionConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ElectionKey is the Redis key holding the leader's instance ID.
	ElectionKey string

	// LeaseDuration is how long the leader lease is valid.
	LeaseDuration time.Duration

	// RenewalInterval is how often the leader renews its lease.
	RenewalInterval time.Duration

	// RetryInterval is how often followers attempt to become leader.
	RetryInterval time.Duration

	InstanceID string
}

// DefaultConfig returns default election configuration.
func DefaultConfig() ElectionConfig {
	return ElectionConfig{
		RedisAddr:       "localhost:6379",
		ElectionKey:     defaultElectionKey,
		LeaseDuration:   defaultLeaseDuration,
		RenewalInterval: defaultRenewalInterval,
		RetryInterval:   defaultRetryInterval,
	}
}

func (c ElectionConfig) withDefaults() ElectionConfig {
	if c.ElectionKey == "" {
		c.ElectionKey = defaultElectionKey
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaultLeaseDuration
	}
	if c.RenewalInterval <= 0 {
		c.RenewalInterval = defaultRenewalInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return c
}

// NewElection connects to Redis and prepares a campaign. It fails if Redis is unreachable.
func NewElection(config ElectionConfig, logger zerolog.Logger) (*Election, error) {
	config = config.withDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info().
		Str("redis_addr", config.RedisAddr).
		Str("instance_id", config.InstanceID).
		Msg("connected to Redis for leader election")

	return &Election{
		client:     client,
		logger:     logger.With().Str("component", "leader_election").Logger(),
		config:     config,
		instanceID: config.InstanceID,
		leaderCh:   make(chan bool, 1),
	}, nil
}

// Start begins the leader election process.
func (e *Election) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.logger.Info().
		Str("instance_id", e.instanceID).
		Dur("lease_duration", e.config.LeaseDuration).
		Msg("starting leader election")

	e.wg.Add(1)
	go e.campaignLoop(ctx)
}

// Stop stops campaigning, releases leadership if held and closes the client.
func (e *Election) Stop() error {
	e.logger.Info().Msg("stopping leader election")
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if e.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := releaseScript.Run(ctx, e.client, []string{e.config.ElectionKey}, e.instanceID).Err(); err != nil {
			e.logger.Error().Err(err).Msg("failed to release leadership lock")
		}
		e.updateLeadershipStatus(false)
	}

	return e.client.Close()
}

// IsLeader returns whether this instance is currently the leader.
func (e *Election) IsLeader() bool {
	return e.isLeader.Load()
}

// LeaderCh returns a channel that receives leadership status changes.
func (e *Election) LeaderCh() <-chan bool {
	return e.leaderCh
}

// InstanceID identifies this campaigner.
func (e *Election) InstanceID() string {
	return e.instanceID
}

// GetLeader returns the current leader instance ID, or "" when there is none.
func (e *Election) GetLeader(ctx context.Context) (string, error) {
	leaderID, err := e.client.Get(ctx, e.config.ElectionKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get leader: %w", err)
	}
	return leaderID, nil
}

func (e *Election) campaignLoop(ctx context.Context) {
	defer e.wg.Done()

	e.attemptLeadership(ctx)
	for {
		interval := e.config.RetryInterval
		if e.isLeader.Load() {
			interval = e.config.RenewalInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			e.attemptLeadership(ctx)
		}
	}
}

func (e *Election) attemptLeadership(ctx context.Context) {
	acquired, err := e.acquireLock(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("failed to acquire leadership lock")
		}
		e.updateLeadershipStatus(false)
		return
	}
	e.updateLeadershipStatus(acquired)
}

// acquireLock takes the lease with SET NX, or renews it if we already hold it.
func (e *Election) acquireLock(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.config.ElectionKey, e.instanceID, e.config.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("set lock: %w", err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, e.client, []string{e.config.ElectionKey}, e.instanceID, e.config.LeaseDuration.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	return renewed == 1, nil
}

func (e *Election) updateLeadershipStatus(isLeader bool) {
	if e.isLeader.Swap(isLeader) == isLeader {
		return
	}

	if isLeader {
		e.logger.Info().Str("instance_id", e.instanceID).Msg("acquired leadership")
		telemetry.LeaderElectionStatus.WithLabelValues(e.instanceID).Set(1)
		telemetry.LeaderElectionChanges.WithLabelValues(e.instanceID, "acquired").Inc()
	} else {
		e.logger.Warn().Str("instance_id", e.instanceID).Msg("lost leadership")
		telemetry.LeaderElectionStatus.WithLabelValues(e.instanceID).Set(0)
		telemetry.LeaderElectionChanges.WithLabelValues(e.instanceID, "lost").Inc()
	}

	// Keep only the latest status in the channel.
	select {
	case <-e.leaderCh:
	default:
	}
	e.leaderCh <- isLeader
}
