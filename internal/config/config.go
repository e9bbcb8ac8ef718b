// Package config handles loading and validating Kazi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Kazi.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.kazi/data. Override: KAZI_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data dir)
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Rules         RulesConfig          `json:"rules" yaml:"rules"`
	Actions       ActionsConfig        `json:"actions" yaml:"actions"`
	DelayQueue    *DelayQueueConfig    `json:"delay_queue,omitempty" yaml:"delay_queue,omitempty"`       // nil = delay scheduler with defaults
	CronQueue     *CronQueueConfig     `json:"cron_queue,omitempty" yaml:"cron_queue,omitempty"`         // nil = cron scheduler with defaults
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"`     // nil = completion notifications disabled
	Platform      PlatformConfig       `json:"platform" yaml:"platform"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Legacy        *LegacyConfig        `json:"legacy,omitempty" yaml:"legacy,omitempty"`               // nil = no legacy flat-file import
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// EngineConfig configures event ingestion and deduplication.
type EngineConfig struct {
	VerificationToken   string `json:"verification_token,omitempty" yaml:"verification_token,omitempty"` // Shared webhook token. Empty = no token check. Override: KAZI_VERIFICATION_TOKEN.
	TriggerOnFirstSight bool   `json:"trigger_on_first_sight" yaml:"trigger_on_first_sight"`             // Run rules against an empty old state on first sight of a record.
	EventTTLSeconds     int    `json:"event_ttl_seconds" yaml:"event_ttl_seconds"`                       // Default: 600.
	BusinessTTLSeconds  int    `json:"business_ttl_seconds" yaml:"business_ttl_seconds"`                 // Default: 86400.
	MaxKeys             int    `json:"max_keys" yaml:"max_keys"`                                         // Per-bucket idempotency key cap. Default: 10000.
	MaxRetries          int    `json:"max_retries" yaml:"max_retries"`                                   // Per-action retry budget for transient failures. Default: 2.
	RetryBackoffSeconds int    `json:"retry_backoff_seconds" yaml:"retry_backoff_seconds"`               // Delay between retries. Default: 1.
}

// EventTTL returns the event idempotency TTL with a default of 10 minutes.
func (e EngineConfig) EventTTL() time.Duration {
	if e.EventTTLSeconds > 0 {
		return time.Duration(e.EventTTLSeconds) * time.Second
	}
	return 10 * time.Minute
}

// BusinessTTL returns the business idempotency TTL with a default of 24 hours.
func (e EngineConfig) BusinessTTL() time.Duration {
	if e.BusinessTTLSeconds > 0 {
		return time.Duration(e.BusinessTTLSeconds) * time.Second
	}
	return 24 * time.Hour
}

// KeyCap returns the per-bucket idempotency key cap with a default of 10000.
func (e EngineConfig) KeyCap() int {
	if e.MaxKeys > 0 {
		return e.MaxKeys
	}
	return 10000
}

// Retries returns the per-action retry budget with a default of 2.
func (e EngineConfig) Retries() int {
	if e.MaxRetries > 0 {
		return e.MaxRetries
	}
	return 2
}

// RetryBackoff returns the delay between retries with a default of 1s.
func (e EngineConfig) RetryBackoff() time.Duration {
	if e.RetryBackoffSeconds > 0 {
		return time.Duration(e.RetryBackoffSeconds) * time.Second
	}
	return time.Second
}

// RulesConfig locates the rule document.
type RulesConfig struct {
	Path string `json:"path" yaml:"path"` // YAML rule document. Re-read on every evaluation pass.
}

// ActionsConfig configures the action executor.
type ActionsConfig struct {
	AllowedDomains         []string `json:"allowed_domains,omitempty" yaml:"allowed_domains,omitempty"`   // http.request egress allow-list. Empty = any public host.
	DefaultCalendarID      string   `json:"default_calendar_id,omitempty" yaml:"default_calendar_id,omitempty"`
	DefaultDurationSeconds int      `json:"default_duration_seconds" yaml:"default_duration_seconds"` // calendar.create fallback duration. Default: 3600.
	MaxDelaySeconds        int      `json:"max_delay_seconds" yaml:"max_delay_seconds"`               // Upper bound for delay actions. Default: 2592000 (30 days).
	RequestTimeoutSeconds  int      `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`   // Outbound call timeout. Default: 10.
}

// DefaultDuration returns the calendar event fallback duration, default 1 hour.
func (a ActionsConfig) DefaultDuration() time.Duration {
	if a.DefaultDurationSeconds > 0 {
		return time.Duration(a.DefaultDurationSeconds) * time.Second
	}
	return time.Hour
}

// MaxDelay returns the delay action upper bound, default 30 days.
func (a ActionsConfig) MaxDelay() time.Duration {
	if a.MaxDelaySeconds > 0 {
		return time.Duration(a.MaxDelaySeconds) * time.Second
	}
	return 30 * 24 * time.Hour
}

// RequestTimeout returns the outbound call timeout, default 10s.
func (a ActionsConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds > 0 {
		return time.Duration(a.RequestTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// DelayQueueConfig configures the delayed-task scheduler.
type DelayQueueConfig struct {
	PollIntervalSeconds int `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Default: 5.
	RetentionSeconds    int `json:"retention_seconds" yaml:"retention_seconds"`         // Terminal-row retention. Default: 604800 (7 days).
	Workers             int `json:"workers" yaml:"workers"`                             // Default: 1. More than 1 is safe but discouraged.
}

// PollInterval returns the poll interval with a default of 5s.
func (d *DelayQueueConfig) PollInterval() time.Duration {
	if d != nil && d.PollIntervalSeconds > 0 {
		return time.Duration(d.PollIntervalSeconds) * time.Second
	}
	return 5 * time.Second
}

// Retention returns the terminal-row retention window with a default of 7 days.
func (d *DelayQueueConfig) Retention() time.Duration {
	if d != nil && d.RetentionSeconds > 0 {
		return time.Duration(d.RetentionSeconds) * time.Second
	}
	return 7 * 24 * time.Hour
}

// WorkerCount returns the configured worker count with a default of 1.
func (d *DelayQueueConfig) WorkerCount() int {
	if d != nil && d.Workers > 0 {
		return d.Workers
	}
	return 1
}

// CronQueueConfig configures the cron job scheduler.
type CronQueueConfig struct {
	PollIntervalSeconds           int `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`                       // Default: 30.
	DefaultMaxConsecutiveFailures int `json:"default_max_consecutive_failures" yaml:"default_max_consecutive_failures"` // Pause threshold for jobs that don't set one. Default: 5.
	Workers                       int `json:"workers" yaml:"workers"`                                                   // Default: 1. More than 1 is safe but discouraged.
}

// PollInterval returns the poll interval with a default of 30s.
func (c *CronQueueConfig) PollInterval() time.Duration {
	if c != nil && c.PollIntervalSeconds > 0 {
		return time.Duration(c.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxConsecutiveFailures returns the default pause threshold, default 5.
func (c *CronQueueConfig) MaxConsecutiveFailures() int {
	if c != nil && c.DefaultMaxConsecutiveFailures > 0 {
		return c.DefaultMaxConsecutiveFailures
	}
	return 5
}

// WorkerCount returns the configured worker count with a default of 1.
func (c *CronQueueConfig) WorkerCount() int {
	if c != nil && c.Workers > 0 {
		return c.Workers
	}
	return 1
}

// NotificationConfig configures the completion-notification webhook.
// When nil, no notifications are sent.
type NotificationConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`         // Override: KAZI_NOTIFY_WEBHOOK_URL.
	APIKey         string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Sent as X-API-Key. Override: KAZI_NOTIFY_API_KEY.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 10.
}

// Timeout returns the notification call timeout with a default of 10s.
func (n *NotificationConfig) Timeout() time.Duration {
	if n != nil && n.TimeoutSeconds > 0 {
		return time.Duration(n.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// PlatformConfig configures the remote table/calendar platform client.
type PlatformConfig struct {
	BaseURL               string `json:"base_url" yaml:"base_url"`
	TenantToken           string `json:"tenant_token,omitempty" yaml:"tenant_token,omitempty"` // Bearer token. Override: KAZI_TENANT_TOKEN.
	TimeoutSeconds        int    `json:"timeout_seconds" yaml:"timeout_seconds"`               // Default: 10.
	SchemaCacheTTLSeconds int    `json:"schema_cache_ttl_seconds" yaml:"schema_cache_ttl_seconds"` // Default: 600.
}

// Timeout returns the platform call timeout with a default of 10s.
func (p PlatformConfig) Timeout() time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// SchemaCacheTTL returns the schema cache TTL with a default of 10 minutes.
func (p PlatformConfig) SchemaCacheTTL() time.Duration {
	if p.SchemaCacheTTLSeconds > 0 {
		return time.Duration(p.SchemaCacheTTLSeconds) * time.Second
	}
	return 10 * time.Minute
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	ListenAddr         string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	APIKeys            map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key -> caller name.
	SigningSecret      string            `json:"signing_secret,omitempty" yaml:"signing_secret,omitempty"` // HMAC secret for signed management calls. Override: KAZI_SIGNING_SECRET.
	SignatureMaxSkewS  int               `json:"signature_max_skew_s" yaml:"signature_max_skew_s"` // Replay window for signed requests. Default: 300.
	EnableDocs         bool              `json:"enable_docs" yaml:"enable_docs"`
}

// Addr returns the listen address with a default of ":8080".
func (g GatewayConfig) Addr() string {
	if g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// SignatureMaxSkew returns the signed-request replay window, default 5 minutes.
func (g GatewayConfig) SignatureMaxSkew() time.Duration {
	if g.SignatureMaxSkewS > 0 {
		return time.Duration(g.SignatureMaxSkewS) * time.Second
	}
	return 5 * time.Minute
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kazi".
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint host:port.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // 0 < rate <= 1. Default: 1.0.
}

// LegacyConfig points at flat-file stores from earlier deployments.
// Imported once into the relational store when its tables are empty.
type LegacyConfig struct {
	DelayTasksFile  string `json:"delay_tasks_file,omitempty" yaml:"delay_tasks_file,omitempty"`   // JSONL, one task per line.
	CronJobsFile    string `json:"cron_jobs_file,omitempty" yaml:"cron_jobs_file,omitempty"`       // JSONL, one job per line.
	SnapshotsFile   string `json:"snapshots_file,omitempty" yaml:"snapshots_file,omitempty"`       // JSON map keyed by "table_id:record_id".
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Secrets can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envDD := os.Getenv("KAZI_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envTok := os.Getenv("KAZI_VERIFICATION_TOKEN"); envTok != "" {
		cfg.Engine.VerificationToken = envTok
	}
	if envTok := os.Getenv("KAZI_TENANT_TOKEN"); envTok != "" {
		cfg.Platform.TenantToken = envTok
	}
	if envSec := os.Getenv("KAZI_SIGNING_SECRET"); envSec != "" {
		cfg.Gateway.SigningSecret = envSec
	}
	if cfg.Notification != nil {
		if envURL := os.Getenv("KAZI_NOTIFY_WEBHOOK_URL"); envURL != "" {
			cfg.Notification.WebhookURL = envURL
		}
		if envKey := os.Getenv("KAZI_NOTIFY_API_KEY"); envKey != "" {
			cfg.Notification.APIKey = envKey
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kazi.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kazi", "config.yaml")
}

// ResolvedDataDir returns the data directory, defaulting to ~/.kazi/data.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".kazi", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "kazi.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Rules.Path == "" {
		return fmt.Errorf("rules.path is required")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage != nil && c.Storage.Driver == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	}
	if c.Notification != nil && c.Notification.Enabled && c.Notification.WebhookURL == "" {
		return fmt.Errorf("notification.webhook_url is required when notifications are enabled")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative")
	}
	if c.Actions.MaxDelaySeconds < 0 {
		return fmt.Errorf("actions.max_delay_seconds must not be negative")
	}
	if obs := c.Observability; obs != nil && obs.Tracing != nil && obs.Tracing.Enabled {
		if obs.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if obs.Tracing.SampleRate < 0 || obs.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be in (0, 1]")
		}
	}
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
