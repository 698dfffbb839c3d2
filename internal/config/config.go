package config

import (
	"os"
	"strconv"
)

// Config is the frozen runtime configuration handed to each component at
// construction. It is populated once at startup from flags and environment
// and never mutated afterwards.
type Config struct {
	// Server
	Port int
	Host string

	// Logging
	DevMode bool

	// Retry behavior
	MaxAttempts     int
	MaxEmptyRetries int
	FallbackEnabled bool

	// Scheduling
	SchedulingMode string

	// Background tasks
	AutoRefresh  bool
	TriggerReset bool

	// Optional shared token cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Storage
	AccountsPath string
	SnapshotDB   string
}

// FromEnv builds a Config from defaults plus recognized environment
// variables. Flag values are applied on top by the caller.
func FromEnv() *Config {
	cfg := &Config{
		Port:            DefaultPort,
		Host:            "0.0.0.0",
		MaxAttempts:     DefaultMaxAttempts,
		MaxEmptyRetries: DefaultMaxEmptyRetries,
		SchedulingMode:  DefaultSchedulingMode,
		AccountsPath:    AccountConfigPath,
		SnapshotDB:      SnapshotDBPath,
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if os.Getenv("DEBUG") == "true" || os.Getenv("DEV_MODE") == "true" {
		cfg.DevMode = true
	}
	if os.Getenv("FALLBACK") == "true" {
		cfg.FallbackEnabled = true
	}
	if v := os.Getenv("MAX_EMPTY_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxEmptyRetries = n
		}
	}
	if os.Getenv("AUTO_REFRESH") == "true" {
		cfg.AutoRefresh = true
	}
	if os.Getenv("TRIGGER_RESET") == "true" {
		cfg.TriggerReset = true
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = db
		}
	}
	if mode := SchedulingModeFromEnv(); mode != "" {
		cfg.SchedulingMode = mode
	}

	return cfg
}

// SchedulingModeFromEnv resolves the scheduling mode from the environment.
// CLI_SCHEDULING_MODE takes precedence over SCHEDULING_MODE; unknown values
// are ignored.
func SchedulingModeFromEnv() string {
	for _, key := range []string{"CLI_SCHEDULING_MODE", "SCHEDULING_MODE"} {
		if v := os.Getenv(key); v != "" && IsValidSchedulingMode(v) {
			return v
		}
	}
	return ""
}
