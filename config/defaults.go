package config

import "time"

// DefaultConfig returns the configuration defaults. Every loader run
// starts from these values before file and environment overrides.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Engine: EngineConfig{
			MaxAttempts:       3,
			PerCallTimeout:    300 * time.Second,
			MaxConcurrentRuns: 16,
		},
		Generation: GenerationConfig{
			BaseURL:           "http://localhost:8000/v1",
			Model:             "default",
			Timeout:           300 * time.Second,
			RequestsPerSecond: 0,
			Burst:             1,
			TokenEncoding:     "cl100k_base",
			Temperature:       0.2,
			MaxTokens:         4096,
		},
		Artifacts: ArtifactStoreConfig{
			Type:      "memory",
			BaseDir:   "./artifacts",
			KeyPrefix: "stageflow:",
		},
		Interventions: InterventionStoreConfig{
			Type:      "memory",
			KeyPrefix: "stageflow:",
		},
		Runs: RunStoreConfig{
			Type: "memory",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Host:            "localhost",
			Port:            5432,
			User:            "stageflow",
			Name:            "stageflow.db",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:            "info",
			Format:           "json",
			OutputPaths:      []string{"stdout"},
			EnableCaller:     true,
			EnableStacktrace: false,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "stageflow",
			SampleRate:   1.0,
		},
	}
}
