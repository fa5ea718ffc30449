// Package config loads and validates the runtime configuration: a YAML
// settings file layered over built-in defaults, with environment values
// expanded through {{.VAR}} templates before unmarshaling.
package config

import (
	"errors"
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the umbrella configuration for the whole process.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Tonglu   TongluConfig   `yaml:"tonglu"`
	OSS      OSSConfig      `yaml:"oss"`
	Agent    AgentConfig    `yaml:"agent"`
	Retry    RetryConfig    `yaml:"retry"`
	Clock    ClockConfig    `yaml:"clock"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`

	// FlowsDir holds flow-definition YAML files loaded at startup.
	FlowsDir string `yaml:"flows_dir"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Redis:    DefaultRedisConfig(),
		Database: DefaultDatabaseConfig(),
		LLM:      DefaultLLMConfig(),
		Tonglu:   DefaultTongluConfig(),
		OSS:      DefaultOSSConfig(),
		Agent:    DefaultAgentConfig(),
		Retry:    DefaultRetryConfig(),
		Clock:    DefaultClockConfig(),
		Cleanup:  DefaultCleanupConfig(),
		FlowsDir: "config/flows",
	}
}

// Load reads the YAML settings file at path, expands {{.VAR}} environment
// references, and merges the result over the defaults. A missing file is
// not an error: defaults (plus environment expansion inside them) apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := ExpandEnv(data)

	var loaded Config
	if err := yaml.Unmarshal(expanded, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Loaded values win over defaults; zero values fall through.
	if err := mergo.Merge(cfg, &loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate collects every configuration error before failing, so a broken
// deployment surfaces all problems in one pass.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Redis.KeyPrefix == "" {
		errs = append(errs, errors.New("redis.key_prefix is required"))
	}
	if c.Database.Host == "" {
		errs = append(errs, errors.New("database.host is required"))
	}
	if c.Database.Database == "" {
		errs = append(errs, errors.New("database.database is required"))
	}
	if c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	if c.Agent.MaxToolIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_tool_iterations must be >= 1, got %d", c.Agent.MaxToolIterations))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_multiplier must be >= 1, got %g", c.Retry.BackoffMultiplier))
	}
	if c.OSS.MaxExpireSeconds > 0 && c.OSS.DefaultExpireSeconds > c.OSS.MaxExpireSeconds {
		errs = append(errs, fmt.Errorf("oss.default_expire_seconds %d exceeds oss.max_expire_seconds %d",
			c.OSS.DefaultExpireSeconds, c.OSS.MaxExpireSeconds))
	}

	return errors.Join(errs...)
}
