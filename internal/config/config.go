// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/media-validator/internal/repair"
	"github.com/JakeFAU/media-validator/internal/retry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig      `mapstructure:"server"`
	Auth         AuthConfig        `mapstructure:"auth"`
	Logging      LoggingConfig     `mapstructure:"logging"`
	Validation   ValidationConfig  `mapstructure:"validation"`
	Classifier   ClassifierConfig  `mapstructure:"classifier"`
	Retry        RetryConfig       `mapstructure:"retry"`
	Placeholders PlaceholderConfig `mapstructure:"placeholders"`
	Worker       WorkerConfig      `mapstructure:"worker"`
	Queue        QueueConfig       `mapstructure:"queue"`
	Documents    DocumentsConfig   `mapstructure:"documents"`
	Reports      ReportsConfig     `mapstructure:"reports"`
	Export       ExportConfig      `mapstructure:"export"`
	Events       EventsConfig      `mapstructure:"events"`
	Telemetry    TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ValidationConfig governs job shape and report bounds.
type ValidationConfig struct {
	TargetCollections []string `mapstructure:"target_collections"`
	DefaultBatchSize  int      `mapstructure:"default_batch_size"`
	MaxBatchSize      int      `mapstructure:"max_batch_size"`
	InvalidItemCap    int      `mapstructure:"invalid_item_cap"`
	MediaFields       []string `mapstructure:"media_fields"`
	EphemeralSchemes  []string `mapstructure:"ephemeral_schemes"`
}

// ClassifierConfig tunes probing.
type ClassifierConfig struct {
	Probe          bool          `mapstructure:"probe"`
	Concurrency    int           `mapstructure:"concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RatePerHost    float64       `mapstructure:"rate_per_host"`
	BurstPerHost   int           `mapstructure:"burst_per_host"`
}

// RetryConfig is the shared retry policy for probes and repair writes.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// PlaceholderConfig names the replacement URL per field context.
type PlaceholderConfig struct {
	Profile  string          `mapstructure:"profile"`
	Vessel   string          `mapstructure:"vessel"`
	AddOn    string          `mapstructure:"addon"`
	Generic  string          `mapstructure:"generic"`
	Keywords repair.Keywords `mapstructure:"keywords"`
}

// WorkerConfig sizes the task consumers.
type WorkerConfig struct {
	Count      int `mapstructure:"count"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// QueueConfig selects the task transport.
type QueueConfig struct {
	Backend      string `mapstructure:"backend"`
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// SurrealConfig holds SurrealDB connection settings.
type SurrealConfig struct {
	URL       string `mapstructure:"url"`
	Namespace string `mapstructure:"namespace"`
	Database  string `mapstructure:"database"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	AuthLevel string `mapstructure:"auth_level"`
}

// DocumentsConfig selects the document store.
type DocumentsConfig struct {
	Backend  string        `mapstructure:"backend"`
	Surreal  SurrealConfig `mapstructure:"surreal"`
	SeedFile string        `mapstructure:"seed_file"`
}

// ReportsConfig selects report and repair persistence.
type ReportsConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ExportConfig selects where completed reports are exported.
type ExportConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// EventsConfig names the lifecycle event topic; empty disables publishing.
type EventsConfig struct {
	Topic string `mapstructure:"topic"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	Version        string `mapstructure:"version"`
	ProjectID      string `mapstructure:"project_id"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEDIAVALIDATOR")
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("validation.target_collections", []string{})
	v.SetDefault("validation.default_batch_size", 100)
	v.SetDefault("validation.max_batch_size", 1000)
	v.SetDefault("validation.invalid_item_cap", 500)
	v.SetDefault("validation.media_fields", []string{})
	v.SetDefault("validation.ephemeral_schemes", []string{})
	v.SetDefault("classifier.probe", true)
	v.SetDefault("classifier.concurrency", 12)
	v.SetDefault("classifier.request_timeout", "5s")
	v.SetDefault("classifier.batch_timeout", "60s")
	v.SetDefault("classifier.user_agent", "media-validator/0.1")
	v.SetDefault("classifier.rate_per_host", 10.0)
	v.SetDefault("classifier.burst_per_host", 20)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("placeholders.profile", "")
	v.SetDefault("placeholders.vessel", "")
	v.SetDefault("placeholders.addon", "")
	v.SetDefault("placeholders.generic", "")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.queue_depth", 256)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.topic", "validation-tasks")
	v.SetDefault("queue.subscription", "validation-workers")
	v.SetDefault("documents.backend", "memory")
	v.SetDefault("documents.surreal.namespace", "marketplace")
	v.SetDefault("documents.surreal.database", "marketplace")
	v.SetDefault("documents.surreal.auth_level", "root")
	v.SetDefault("reports.backend", "memory")
	v.SetDefault("reports.max_conns", 10)
	v.SetDefault("reports.min_conns", 1)
	v.SetDefault("reports.max_conn_lifetime", "30m")
	v.SetDefault("export.backend", "none")
	v.SetDefault("export.prefix", "")
	v.SetDefault("events.topic", "")
	v.SetDefault("telemetry.service_name", "media-validator")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.tracing_enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Validation.DefaultBatchSize <= 0 {
		return fmt.Errorf("validation.default_batch_size must be > 0")
	}
	if c.Validation.MaxBatchSize < c.Validation.DefaultBatchSize {
		return fmt.Errorf("validation.max_batch_size must be >= validation.default_batch_size")
	}
	if c.Validation.InvalidItemCap <= 0 {
		return fmt.Errorf("validation.invalid_item_cap must be > 0")
	}
	if c.Classifier.Concurrency <= 0 {
		return fmt.Errorf("classifier.concurrency must be > 0")
	}
	if c.Classifier.RequestTimeout <= 0 || c.Classifier.BatchTimeout <= 0 {
		return fmt.Errorf("classifier timeouts must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Placeholders.Generic == "" {
		return fmt.Errorf("placeholders.generic must be set")
	}
	switch c.Queue.Backend {
	case "memory":
		// A crawl holds its worker while it enqueues; a lone worker would block
		// on a full buffer with nobody left to drain it.
		if c.Worker.Count < 2 {
			return fmt.Errorf("worker.count must be >= 2 with the memory queue backend")
		}
	case "pubsub":
		if c.Queue.ProjectID == "" || c.Queue.Topic == "" || c.Queue.Subscription == "" {
			return fmt.Errorf("queue.project_id, queue.topic and queue.subscription are required for pubsub")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or pubsub")
	}
	switch c.Documents.Backend {
	case "memory":
	case "surreal":
		if c.Documents.Surreal.URL == "" {
			return fmt.Errorf("documents.surreal.url is required for surreal")
		}
	default:
		return fmt.Errorf("documents.backend must be memory or surreal")
	}
	switch c.Reports.Backend {
	case "memory":
	case "postgres":
		if c.Reports.DSN == "" {
			return fmt.Errorf("reports.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("reports.backend must be memory or postgres")
	}
	switch c.Export.Backend {
	case "none", "memory":
	case "local":
		if c.Export.BaseDir == "" {
			return fmt.Errorf("export.base_dir is required for local export")
		}
	case "gcs":
		if c.Export.Bucket == "" {
			return fmt.Errorf("export.bucket is required for gcs export")
		}
	default:
		return fmt.Errorf("export.backend must be none, memory, local or gcs")
	}
	if c.Events.Topic != "" && c.Queue.ProjectID == "" {
		return fmt.Errorf("queue.project_id is required to publish events")
	}
	return nil
}

// RetryPolicy converts the retry section into a retry.Policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// RepairPlaceholders converts the placeholder section for the repair executor.
func (c Config) RepairPlaceholders() repair.Placeholders {
	return repair.Placeholders{
		Profile:  c.Placeholders.Profile,
		Vessel:   c.Placeholders.Vessel,
		AddOn:    c.Placeholders.AddOn,
		Generic:  c.Placeholders.Generic,
		Keywords: c.Placeholders.Keywords,
	}
}
