package config

import (
	"os"
	"strconv"
)

// LoadFromEnv applies environment overrides on top of file values.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("STEWARD_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if logLevel := os.Getenv("STEWARD_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	// Postgres credentials belong in the environment, not on disk.
	if user := os.Getenv("STEWARD_PG_USER"); user != "" {
		cfg.Probe.Postgres.User = user
	}
	if password := os.Getenv("STEWARD_PG_PASSWORD"); password != "" {
		cfg.Probe.Postgres.Password = password
	}
}

// GetEnvOrDefault returns an environment variable or a default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
