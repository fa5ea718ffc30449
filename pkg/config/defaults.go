package config

// DefaultServerConfig returns server defaults suitable for local runs.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:                   8080,
		PublicBaseURL:          "http://localhost:8080",
		RatePerSecond:          20,
		RateBurst:              40,
		SSEWriteTimeoutSeconds: 5,
		SSEPingIntervalSeconds: 15,
		DisconnectGraceSeconds: 2,
		ShutdownTimeoutSeconds: 30,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "tempo",
	}
}

func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:                   "localhost",
		Port:                   5432,
		User:                   "tempo",
		Password:               "tempo",
		Database:               "tempo",
		SSLMode:                "disable",
		MaxOpenConns:           25,
		MaxIdleConns:           5,
		ConnMaxLifetimeMinutes: 30,
		ConnMaxIdleTimeMinutes: 5,
	}
}

func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL:        "http://localhost:9000/v1",
		Model:          "default",
		TimeoutSeconds: 60,
		MaxRetries:     3,
	}
}

func DefaultTongluConfig() TongluConfig {
	return TongluConfig{
		BaseURL:        "http://localhost:9100",
		TimeoutSeconds: 120,
		CaptureEnabled: false,
	}
}

func DefaultOSSConfig() OSSConfig {
	return OSSConfig{
		Endpoint:             "oss-cn-hangzhou.aliyuncs.com",
		KeyPrefix:            "tempo",
		DefaultExpireSeconds: 300,
		MaxExpireSeconds:     3600,
		MaxObjectSizeBytes:   100 << 20,
	}
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxToolIterations:       6,
		FileParseTimeoutSeconds: 60,
		RecentRounds:            6,
		SummarizeAfter:          10,
	}
}

// DefaultRetryConfig mirrors the dispatcher defaults: 1s base, doubling,
// capped at 60s, at most 3 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:        3,
		BackoffBaseSeconds: 1,
		BackoffMultiplier:  2,
		MaxBackoffSeconds:  60,
	}
}

func DefaultClockConfig() ClockConfig {
	return ClockConfig{SweepIntervalSeconds: 60}
}

func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{RetentionDays: 30, IntervalHours: 6}
}
