// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Render  RenderConfig  `mapstructure:"render"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the health/metrics HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// KafkaConfig names the brokers and topics.
type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	ConsumeTopic    string   `mapstructure:"consume_topic"`
	ResultTopic     string   `mapstructure:"result_topic"`
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"`
	GroupID         string   `mapstructure:"group_id"`
	Workers         int      `mapstructure:"workers"`
	RequiredAcks    int      `mapstructure:"required_acks"`
}

// HTTPConfig configures the streaming fetch client.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	PrefetchBytes  int    `mapstructure:"prefetch_bytes"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes"`
	ScratchDir     string `mapstructure:"scratch_dir"`
}

// LimitsConfig governs admission to the fetch stage.
type LimitsConfig struct {
	GlobalConcurrency  int `mapstructure:"global_concurrency"`
	PerDomainMax       int `mapstructure:"per_domain_max"`
	PerDomainDelayMs   int `mapstructure:"per_domain_delay_ms"`
	RenderedDomainQPS  int `mapstructure:"rendered_domain_qps"`
	RenderedConcurrent int `mapstructure:"rendered_concurrent"`
}

// RenderConfig configures the headless rendering subsystem.
type RenderConfig struct {
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	WaitSelector      string `mapstructure:"wait_selector"`
	MaxScrolls        int    `mapstructure:"max_scrolls"`
	ScrollPauseMs     int    `mapstructure:"scroll_pause_ms"`
	SettleWindowMs    int    `mapstructure:"settle_window_ms"`
	SettlePollMs      int    `mapstructure:"settle_poll_ms"`
	SettleZeroHoldMs  int    `mapstructure:"settle_zero_hold_ms"`
	// IgnoreHosts lists request hosts excluded from settlement counting,
	// typically analytics beacons that never stop firing. Empty selects the
	// built-in list.
	IgnoreHosts []string `mapstructure:"ignore_hosts"`
	Screenshots bool     `mapstructure:"screenshots"`
	// NoSandbox disables the Chrome sandbox for containerized root runs.
	NoSandbox bool `mapstructure:"no_sandbox"`
}

// StorageConfig locates the R2 bucket.
type StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
}

// DBConfig controls access to the metadata database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConns        int32  `mapstructure:"max_conns"`
	BootstrapSchema bool   `mapstructure:"bootstrap_schema"`
}

// RetryConfig sets per-stage attempt budgets and the backoff curve.
type RetryConfig struct {
	FetchAttempts    int `mapstructure:"fetch_attempts"`
	UploadAttempts   int `mapstructure:"upload_attempts"`
	UpsertAttempts   int `mapstructure:"upsert_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	RawTTLDays       int `mapstructure:"raw_ttl_days"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consume_topic", "search.results")
	v.SetDefault("kafka.result_topic", "scraper.fetched")
	v.SetDefault("kafka.dead_letter_topic", "scraper.dlq")
	v.SetDefault("kafka.group_id", "scraper-service")
	v.SetDefault("kafka.workers", 16)
	v.SetDefault("kafka.required_acks", 1)
	v.SetDefault("http.user_agent", "seya-scraper/1.0")
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.prefetch_bytes", 16*1024)
	v.SetDefault("http.max_body_bytes", int64(8*1024*1024))
	v.SetDefault("http.scratch_dir", "")
	v.SetDefault("limits.global_concurrency", 8)
	v.SetDefault("limits.per_domain_max", 2)
	v.SetDefault("limits.per_domain_delay_ms", 1000)
	v.SetDefault("limits.rendered_domain_qps", 1)
	v.SetDefault("limits.rendered_concurrent", 2)
	v.SetDefault("render.nav_timeout_seconds", 30)
	v.SetDefault("render.max_scrolls", 12)
	v.SetDefault("render.scroll_pause_ms", 400)
	v.SetDefault("render.settle_window_ms", 3000)
	v.SetDefault("render.settle_poll_ms", 100)
	v.SetDefault("render.settle_zero_hold_ms", 500)
	v.SetDefault("render.ignore_hosts", []string{})
	v.SetDefault("render.screenshots", false)
	v.SetDefault("render.no_sandbox", false)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.bootstrap_schema", false)
	v.SetDefault("retry.fetch_attempts", 2)
	v.SetDefault("retry.upload_attempts", 2)
	v.SetDefault("retry.upsert_attempts", 3)
	v.SetDefault("retry.backoff_initial_ms", 1000)
	v.SetDefault("retry.backoff_max_ms", 30000)
	v.SetDefault("retry.raw_ttl_days", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty")
	}
	if c.Kafka.ConsumeTopic == "" || c.Kafka.ResultTopic == "" || c.Kafka.DeadLetterTopic == "" {
		return fmt.Errorf("kafka topics must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be > 0")
	}
	if c.Limits.GlobalConcurrency <= 0 {
		return fmt.Errorf("limits.global_concurrency must be > 0")
	}
	if c.Limits.PerDomainMax <= 0 {
		return fmt.Errorf("limits.per_domain_max must be > 0")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set")
	}
	if c.Retry.FetchAttempts <= 0 || c.Retry.UploadAttempts <= 0 || c.Retry.UpsertAttempts <= 0 {
		return fmt.Errorf("retry attempt budgets must be > 0")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// PerDomainDelay converts the politeness delay into a duration.
func (c Config) PerDomainDelay() time.Duration {
	return time.Duration(c.Limits.PerDomainDelayMs) * time.Millisecond
}

// RawTTL converts the retention window into a duration.
func (c Config) RawTTL() time.Duration {
	return time.Duration(c.Retry.RawTTLDays) * 24 * time.Hour
}
