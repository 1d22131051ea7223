package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.AnnounceInterval != 30*time.Second {
		t.Errorf("AnnounceInterval = %v, want 30s", cfg.AnnounceInterval)
	}
	if cfg.OutboxSize != 256 {
		t.Errorf("OutboxSize = %d, want 256", cfg.OutboxSize)
	}
	if cfg.BusBackend != BusMemory {
		t.Errorf("BusBackend = %q, want memory", cfg.BusBackend)
	}
	if cfg.DBDSN != "" {
		t.Errorf("DBDSN = %q, want empty (ledger disabled)", cfg.DBDSN)
	}
	if got := cfg.HTTPAddr(); got != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr() = %q", got)
	}
}

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	t.Setenv("ACTUATOR_DB_BACKEND", "postgres")
	t.Setenv("ACTUATOR_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("ACTUATOR_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("ACT_ANNOUNCE_INTERVAL_SECONDS", "5")
	t.Setenv("ACTUATOR_BUS_BACKEND", "NATS")
	t.Setenv("ACTUATOR_TIMEZONE", "UTC")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBBackend != DatabasePostgres || cfg.DBDSN == "" {
		t.Fatalf("unexpected database config: %q %q", cfg.DBBackend, cfg.DBDSN)
	}
	if cfg.JWTSigningKey != "supersecret" {
		t.Fatalf("unexpected jwt signing key: %q", cfg.JWTSigningKey)
	}
	if cfg.AnnounceInterval != 5*time.Second {
		t.Fatalf("alias key not honored: %v", cfg.AnnounceInterval)
	}
	if cfg.BusBackend != BusNATS {
		t.Fatalf("BusBackend = %q", cfg.BusBackend)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("Location() = %v, %v", loc, err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "db backend", key: "ACTUATOR_DB_BACKEND", value: "oracle"},
		{name: "bus backend", key: "ACTUATOR_BUS_BACKEND", value: "kafka"},
		{name: "announce interval", key: "ACTUATOR_ANNOUNCE_INTERVAL_SECONDS", value: "0"},
		{name: "outbox size", key: "ACTUATOR_OUTBOX_SIZE", value: "-1"},
		{name: "timezone", key: "ACTUATOR_TIMEZONE", value: "Mars/Olympus"},
		{name: "sample rate", key: "ACTUATOR_TRACING_SAMPLE_RATE", value: "2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoadProductionRequiresSigningKey(t *testing.T) {
	t.Setenv("ACTUATOR_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatal("expected production config load to fail without a signing key")
	}

	t.Setenv("ACTUATOR_JWT_SIGNING_KEY", "supersecret")
	if _, err := Load(); err != nil {
		t.Fatalf("expected production config load with signing key to succeed: %v", err)
	}
}

func TestLoadReportsLegacyEnvWarnings(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", "legacy")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.LegacyEnvWarnings) != 2 {
		t.Fatalf("expected 2 legacy env warnings, got %v", cfg.LegacyEnvWarnings)
	}
}

func TestLoadWebhookSettings(t *testing.T) {
	t.Setenv("ACTUATOR_WEBHOOK_URLS", " https://ops.example/hook, ,http://10.0.0.5/actuator ")
	t.Setenv("ACTUATOR_WEBHOOK_STATES", "PREEMPTED")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.WebhookURLs) != 2 || cfg.WebhookURLs[1] != "http://10.0.0.5/actuator" {
		t.Fatalf("WebhookURLs = %q", cfg.WebhookURLs)
	}
	if len(cfg.WebhookStates) != 1 || cfg.WebhookStates[0] != "PREEMPTED" {
		t.Fatalf("WebhookStates = %q", cfg.WebhookStates)
	}

	t.Setenv("ACTUATOR_WEBHOOK_URLS", "ftp://nope")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a non-http webhook URL")
	}
}
