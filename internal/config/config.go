/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// BusBackend selects how events reach agents on other hosts.
type BusBackend string

const (
	BusMemory BusBackend = "memory"
	BusNATS   BusBackend = "nats"
	BusRedis  BusBackend = "redis"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string // empty disables the lifecycle ledger

	// Scheduler
	AnnounceInterval time.Duration
	OutboxSize       int
	Timezone         string
	DevicesFile      string

	// Event bus
	BusBackend         BusBackend
	NATSURL            string
	NATSToken          string
	NATSSubjectPrefix  string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisChannelPrefix string
	InstanceID         string

	// LeaderElectionEnabled campaigns for the arbiter role through Redis.
	LeaderElectionEnabled bool

	JWTSigningKey string // empty disables HTTP auth

	// Lifecycle webhooks
	WebhookURLs   []string
	WebhookSecret string
	WebhookStates []string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"ACTUATOR_ENV", "ACT_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"ACTUATOR_HTTP_BIND", "ACT_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"ACTUATOR_HTTP_PORT", "ACT_HTTP_PORT"}, 8080),
		DBBackend:   DatabaseBackend(getEnvAny([]string{"ACTUATOR_DB_BACKEND", "ACT_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:       getEnvAny([]string{"ACTUATOR_DB_DSN", "ACT_DB_DSN"}, ""),

		AnnounceInterval: time.Duration(getEnvIntAny([]string{"ACTUATOR_ANNOUNCE_INTERVAL_SECONDS", "ACT_ANNOUNCE_INTERVAL_SECONDS"}, 30)) * time.Second,
		OutboxSize:       getEnvIntAny([]string{"ACTUATOR_OUTBOX_SIZE", "ACT_OUTBOX_SIZE"}, 256),
		Timezone:         getEnvAny([]string{"ACTUATOR_TIMEZONE", "TZ"}, "Local"),
		DevicesFile:      getEnvAny([]string{"ACTUATOR_DEVICES_FILE", "ACT_DEVICES_FILE"}, "devices.yaml"),

		BusBackend:         BusBackend(strings.ToLower(getEnvAny([]string{"ACTUATOR_BUS_BACKEND", "ACT_BUS_BACKEND"}, string(BusMemory)))),
		NATSURL:            getEnvAny([]string{"ACTUATOR_NATS_URL", "NATS_URL"}, "nats://127.0.0.1:4222"),
		NATSToken:          getEnvAny([]string{"ACTUATOR_NATS_TOKEN", "NATS_TOKEN"}, ""),
		NATSSubjectPrefix:  getEnvAny([]string{"ACTUATOR_NATS_SUBJECT_PREFIX", "ACT_NATS_SUBJECT_PREFIX"}, "actuator"),
		RedisAddr:          getEnvAny([]string{"ACTUATOR_REDIS_ADDR", "ACT_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword:      getEnvAny([]string{"ACTUATOR_REDIS_PASSWORD", "ACT_REDIS_PASSWORD"}, ""),
		RedisDB:            getEnvIntAny([]string{"ACTUATOR_REDIS_DB", "ACT_REDIS_DB"}, 0),
		RedisChannelPrefix: getEnvAny([]string{"ACTUATOR_REDIS_CHANNEL_PREFIX", "ACT_REDIS_CHANNEL_PREFIX"}, "actuator:"),
		InstanceID:         getEnvAny([]string{"ACTUATOR_INSTANCE_ID", "ACT_INSTANCE_ID"}, ""),

		LeaderElectionEnabled: getEnvBoolAny([]string{"ACTUATOR_LEADER_ELECTION_ENABLED", "ACT_LEADER_ELECTION_ENABLED"}, false),

		JWTSigningKey: getEnvAny([]string{"ACTUATOR_JWT_SIGNING_KEY", "ACT_JWT_SIGNING_KEY"}, ""),

		WebhookURLs:   getEnvListAny([]string{"ACTUATOR_WEBHOOK_URLS", "ACT_WEBHOOK_URLS"}, ""),
		WebhookSecret: getEnvAny([]string{"ACTUATOR_WEBHOOK_SECRET", "ACT_WEBHOOK_SECRET"}, ""),
		WebhookStates: getEnvListAny([]string{"ACTUATOR_WEBHOOK_STATES", "ACT_WEBHOOK_STATES"}, "PREEMPTED,CANCELED"),

		TracingEnabled:    getEnvBoolAny([]string{"ACTUATOR_TRACING_ENABLED", "ACT_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"ACTUATOR_OTLP_ENDPOINT", "ACT_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"ACTUATOR_TRACING_SAMPLE_RATE", "ACT_TRACING_SAMPLE_RATE"}, 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.BusBackend != BusMemory && cfg.BusBackend != BusNATS && cfg.BusBackend != BusRedis {
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.BusBackend)
	}

	if cfg.AnnounceInterval <= 0 {
		return nil, fmt.Errorf("ACTUATOR_ANNOUNCE_INTERVAL_SECONDS must be positive")
	}

	if cfg.OutboxSize <= 0 {
		return nil, fmt.Errorf("ACTUATOR_OUTBOX_SIZE must be positive")
	}

	if _, err := cfg.Location(); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	if cfg.TracingSampleRate < 0 || cfg.TracingSampleRate > 1 {
		return nil, fmt.Errorf("ACTUATOR_TRACING_SAMPLE_RATE must be between 0 and 1")
	}

	for _, u := range cfg.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return nil, fmt.Errorf("webhook URL %q must be http or https", u)
		}
	}

	if strings.EqualFold(cfg.Environment, "production") && cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("ACTUATOR_JWT_SIGNING_KEY or ACT_JWT_SIGNING_KEY must be provided in production")
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// Location resolves the zone used for timestamps that carry no offset.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// HTTPAddr returns the listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":             "use ACTUATOR_ENV (or ACT_ENV)",
		"JWT_SIGNING_KEY":         "use ACTUATOR_JWT_SIGNING_KEY (or ACT_JWT_SIGNING_KEY)",
		"TRACING_ENABLED":         "use ACTUATOR_TRACING_ENABLED (or ACT_TRACING_ENABLED)",
		"OTLP_ENDPOINT":           "use ACTUATOR_OTLP_ENDPOINT (or ACT_OTLP_ENDPOINT)",
		"TRACING_SAMPLE_RATE":     "use ACTUATOR_TRACING_SAMPLE_RATE (or ACT_TRACING_SAMPLE_RATE)",
		"ANNOUNCE_INTERVAL":       "use ACTUATOR_ANNOUNCE_INTERVAL_SECONDS",
		"LEADER_ELECTION_ENABLED": "use ACTUATOR_LEADER_ELECTION_ENABLED",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvListAny splits a comma-separated value, dropping empty items.
func getEnvListAny(keys []string, def string) []string {
	var out []string
	for _, item := range strings.Split(getEnvAny(keys, def), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
