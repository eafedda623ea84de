package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  consume_topic: search.results
  result_topic: scraper.fetched
  dead_letter_topic: scraper.dlq
  group_id: scraper-service
  workers: 8
http:
  user_agent: test-agent
  timeout_seconds: 45
  prefetch_bytes: 8192
  max_body_bytes: 1048576
limits:
  global_concurrency: 4
  per_domain_max: 1
  per_domain_delay_ms: 250
storage:
  endpoint: https://acct.r2.cloudflarestorage.com
  bucket: scrapes
db:
  dsn: postgres://scraper@localhost:5432/scraper
retry:
  fetch_attempts: 3
  backoff_initial_ms: 100
  backoff_max_ms: 500
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Workers != 8 {
		t.Fatalf("expected kafka overrides to apply: %+v", cfg.Kafka)
	}
	if cfg.HTTP.UserAgent != "test-agent" || cfg.HTTP.PrefetchBytes != 8192 {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if cfg.Limits.GlobalConcurrency != 4 || cfg.Limits.PerDomainMax != 1 {
		t.Fatalf("expected limit overrides to apply: %+v", cfg.Limits)
	}
	if cfg.Retry.FetchAttempts != 3 {
		t.Fatalf("expected retry override to apply: %+v", cfg.Retry)
	}
	if cfg.Retry.UpsertAttempts != 3 {
		t.Fatalf("expected retry defaults to survive partial override: %+v", cfg.Retry)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if got := cfg.PerDomainDelay(); got != 250*time.Millisecond {
		t.Fatalf("expected per-domain delay 250ms, got %v", got)
	}
	if got := cfg.RawTTL(); got != 30*24*time.Hour {
		t.Fatalf("expected default raw ttl 30d, got %v", got)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
	if cfg.Render.SettlePollMs != 100 || cfg.Render.SettleZeroHoldMs != 500 {
		t.Fatalf("expected settle defaults to apply: %+v", cfg.Render)
	}
	if len(cfg.Render.IgnoreHosts) != 0 {
		t.Fatalf("expected empty ignore_hosts default, got %v", cfg.Render.IgnoreHosts)
	}
	if cfg.Render.NoSandbox {
		t.Fatalf("expected chrome sandbox on by default: %+v", cfg.Render)
	}
}

func TestLoadRenderOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
storage:
  bucket: scrapes
db:
  dsn: postgres://scraper@localhost:5432/scraper
render:
  settle_poll_ms: 250
  settle_zero_hold_ms: 1000
  ignore_hosts: ["beacon.example.com", "metrics.example.net"]
  no_sandbox: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Render.SettlePollMs != 250 || cfg.Render.SettleZeroHoldMs != 1000 {
		t.Fatalf("expected settle overrides to apply: %+v", cfg.Render)
	}
	if len(cfg.Render.IgnoreHosts) != 2 || cfg.Render.IgnoreHosts[0] != "beacon.example.com" {
		t.Fatalf("expected ignore_hosts override to apply: %v", cfg.Render.IgnoreHosts)
	}
	if !cfg.Render.NoSandbox {
		t.Fatalf("expected no_sandbox override to apply: %+v", cfg.Render)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Kafka: KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			ConsumeTopic:    "search.results",
			ResultTopic:     "scraper.fetched",
			DeadLetterTopic: "scraper.dlq",
		},
		HTTP:    HTTPConfig{TimeoutSeconds: 10, MaxBodyBytes: 1 << 20},
		Limits:  LimitsConfig{GlobalConcurrency: 8, PerDomainMax: 2},
		Storage: StorageConfig{Bucket: "scrapes"},
		DB:      DBConfig{DSN: "postgres://localhost/scraper"},
		Retry:   RetryConfig{FetchAttempts: 2, UploadAttempts: 2, UpsertAttempts: 3},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "missing brokers",
			cfg: func() Config {
				c := base
				c.Kafka.Brokers = nil
				return c
			}(),
			want: "kafka.brokers",
		},
		{
			name: "missing topic",
			cfg: func() Config {
				c := base
				c.Kafka.DeadLetterTopic = ""
				return c
			}(),
			want: "kafka topics",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.HTTP.TimeoutSeconds = 0
				return c
			}(),
			want: "http.timeout_seconds",
		},
		{
			name: "invalid body cap",
			cfg: func() Config {
				c := base
				c.HTTP.MaxBodyBytes = 0
				return c
			}(),
			want: "http.max_body_bytes",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Limits.GlobalConcurrency = 0
				return c
			}(),
			want: "limits.global_concurrency",
		},
		{
			name: "missing bucket",
			cfg: func() Config {
				c := base
				c.Storage.Bucket = ""
				return c
			}(),
			want: "storage.bucket",
		},
		{
			name: "missing dsn",
			cfg: func() Config {
				c := base
				c.DB.DSN = ""
				return c
			}(),
			want: "db.dsn",
		},
		{
			name: "zero retry budget",
			cfg: func() Config {
				c := base
				c.Retry.UpsertAttempts = 0
				return c
			}(),
			want: "retry attempt budgets",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
