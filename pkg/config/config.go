package config

import (
	"fmt"
	"time"
)

// Config holds runtime configuration for the MXI sync daemon.
type Config struct {
	AppEnv   string `mapstructure:"-"`
	HTTPPort string `mapstructure:"http_port" validate:"required"`

	Log    LogConfig    `mapstructure:"log"`
	DB     DBConfig     `mapstructure:"db" validate:"required"`
	Redis  RedisConfig  `mapstructure:"redis" validate:"required"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Notify NotifyConfig `mapstructure:"notify"`
	Limits LimitsConfig `mapstructure:"limits"`
}

// LogConfig configures the slog pipeline.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	SentryDSN  string `mapstructure:"sentry_dsn"`
}

// DBConfig holds Postgres connection parameters for the backend of record.
type DBConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     string `mapstructure:"port" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Name     string `mapstructure:"name" validate:"required"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN returns the PostgreSQL connection string.
func (c DBConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslMode,
	)
}

// RedisConfig holds connection parameters for the push/cache Redis instance.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	PoolTimeout     time.Duration `mapstructure:"pool_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// SyncConfig tunes the reconciliation core.
type SyncConfig struct {
	RefreshTimeout   time.Duration `mapstructure:"refresh_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	EstimatorTick    time.Duration `mapstructure:"estimator_tick"`
	AccrualPercent   float64       `mapstructure:"accrual_percent" validate:"gte=0,lte=1"`
	AccrualPeriod    time.Duration `mapstructure:"accrual_period"`
	SnapshotCacheTTL time.Duration `mapstructure:"snapshot_cache_ttl"`
}

// NotifyConfig configures the Telegram ops notifier. Disabled when the token
// is empty.
type NotifyConfig struct {
	TelegramToken string `mapstructure:"telegram_token"`
	TelegramChat  int64  `mapstructure:"telegram_chat"`
}

// LimitRule pairs a request budget with its sliding window.
type LimitRule struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// LimitsConfig throttles the per-principal actions that reach the backend.
type LimitsConfig struct {
	ManualRefresh LimitRule `mapstructure:"manual_refresh"`
	Withdrawal    LimitRule `mapstructure:"withdrawal"`
}

// ApplyDefaults fills unset tuning knobs with the values the product shipped
// with: 15s refresh timeout, 1s estimator tick, 3% accrual ceiling per 30
// days.
func (c *Config) ApplyDefaults() {
	if c.HTTPPort == "" {
		c.HTTPPort = "8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Sync.RefreshTimeout <= 0 {
		c.Sync.RefreshTimeout = 15 * time.Second
	}
	if c.Sync.PollInterval <= 0 {
		c.Sync.PollInterval = 5 * time.Minute
	}
	if c.Sync.EstimatorTick <= 0 {
		c.Sync.EstimatorTick = time.Second
	}
	if c.Sync.AccrualPercent <= 0 {
		c.Sync.AccrualPercent = 0.03
	}
	if c.Sync.AccrualPeriod <= 0 {
		c.Sync.AccrualPeriod = 30 * 24 * time.Hour
	}
	if c.Sync.SnapshotCacheTTL <= 0 {
		c.Sync.SnapshotCacheTTL = 24 * time.Hour
	}
	if c.Limits.ManualRefresh.Limit <= 0 {
		c.Limits.ManualRefresh = LimitRule{Limit: 10, Window: time.Minute}
	}
	if c.Limits.Withdrawal.Limit <= 0 {
		c.Limits.Withdrawal = LimitRule{Limit: 3, Window: time.Minute}
	}
}
