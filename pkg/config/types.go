package config

import (
	"fmt"
	"time"
)

// ServerConfig covers the HTTP listener and the SSE transport.
type ServerConfig struct {
	Port int `yaml:"port"`

	// PublicBaseURL is the address remote webhook nodes can reach this
	// process on; callback URLs are built from it.
	PublicBaseURL string `yaml:"public_base_url"`

	// Per-tenant request limiter (token bucket).
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`

	// SSE transport tuning. A frame that cannot be written within the
	// write timeout aborts the response; the session itself is untouched.
	SSEWriteTimeoutSeconds  int `yaml:"sse_write_timeout_seconds"`
	SSEPingIntervalSeconds  int `yaml:"sse_ping_interval_seconds"`
	DisconnectGraceSeconds  int `yaml:"disconnect_grace_seconds"`
	ShutdownTimeoutSeconds  int `yaml:"shutdown_timeout_seconds"`
}

func (c ServerConfig) SSEWriteTimeout() time.Duration {
	return time.Duration(c.SSEWriteTimeoutSeconds) * time.Second
}

func (c ServerConfig) SSEPingInterval() time.Duration {
	return time.Duration(c.SSEPingIntervalSeconds) * time.Second
}

func (c ServerConfig) DisconnectGrace() time.Duration {
	return time.Duration(c.DisconnectGraceSeconds) * time.Second
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// RedisConfig points at the fast store. Every key the process writes is
// namespaced under KeyPrefix and a tenant id.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DatabaseConfig covers the durable PostgreSQL store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns           int `yaml:"max_open_conns"`
	MaxIdleConns           int `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes"`
	ConnMaxIdleTimeMinutes int `yaml:"conn_max_idle_time_minutes"`
}

// DSN builds the pgx-compatible connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

func (c DatabaseConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleTimeMinutes) * time.Minute
}

// LLMConfig points at the chat-completions provider.
type LLMConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TongluConfig points at the external data service. CaptureTenants lists
// the tenants whose bus traffic the capture listener mirrors into Tonglu.
type TongluConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	CaptureEnabled bool     `yaml:"capture_enabled"`
	CaptureTenants []string `yaml:"capture_tenants"`
}

func (c TongluConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OSSConfig holds object-store credentials for POST-policy signing. The
// server never proxies file bytes; it only signs upload policies.
type OSSConfig struct {
	Endpoint             string `yaml:"endpoint"`
	Bucket               string `yaml:"bucket"`
	AccessKeyID          string `yaml:"access_key_id"`
	AccessKeySecret      string `yaml:"access_key_secret"`
	KeyPrefix            string `yaml:"key_prefix"`
	DefaultExpireSeconds int    `yaml:"default_expire_seconds"`
	MaxExpireSeconds     int    `yaml:"max_expire_seconds"`
	MaxObjectSizeBytes   int64  `yaml:"max_object_size_bytes"`
}

// AgentConfig tunes the chat controller loop.
type AgentConfig struct {
	MaxToolIterations       int `yaml:"max_tool_iterations"`
	FileParseTimeoutSeconds int `yaml:"file_parse_timeout_seconds"`

	// Context builder: the most recent rounds go to the LLM verbatim;
	// histories longer than SummarizeAfter messages get the older part
	// summarized once and cached.
	RecentRounds   int `yaml:"recent_rounds"`
	SummarizeAfter int `yaml:"summarize_after"`
}

func (c AgentConfig) FileParseTimeout() time.Duration {
	return time.Duration(c.FileParseTimeoutSeconds) * time.Second
}

// RetryConfig is the default node retry policy; individual nodes may
// override it through their registration.
type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts"`
	BackoffBaseSeconds float64 `yaml:"backoff_base_seconds"`
	BackoffMultiplier  float64 `yaml:"backoff_multiplier"`
	MaxBackoffSeconds  float64 `yaml:"max_backoff_seconds"`
}

// ClockConfig tunes the session TTL sweeper.
type ClockConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

func (c ClockConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// CleanupConfig tunes audit-trail retention.
type CleanupConfig struct {
	RetentionDays int `yaml:"retention_days"`
	IntervalHours int `yaml:"interval_hours"`
}

func (c CleanupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}
