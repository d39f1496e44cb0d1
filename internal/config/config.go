// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds all configuration values for the visit daemon and the
// backfill tool. Values are populated by Load from environment variables.
type Config struct {
	// Port is the TCP port the ops listener (healthz, metrics) binds.
	// Defaults to "8080".
	Port string

	// DatabaseURL is the Postgres connection string. Required.
	DatabaseURL string

	// LogLevel controls the minimum log level. Defaults to "info".
	// Valid values: debug, info, warn, error.
	LogLevel string

	// SweepInterval is how often the lifecycle sweep runs. Defaults to 5m.
	SweepInterval time.Duration

	// SettingsTTL is how long detection settings read from the database are
	// cached before being re-read. Defaults to 30s.
	SettingsTTL time.Duration

	// RedisAddr is the host:port of the Redis used for the ping feed and
	// event broadcast. Empty disables Redis: the daemon then runs without a
	// ping feed and broadcasts events to the log.
	RedisAddr string

	// RedisPassword is the optional Redis auth password.
	RedisPassword string

	// RedisPingChannel is the pub/sub channel location pings arrive on.
	// Empty selects the feed package's default.
	RedisPingChannel string

	// RedisEventPrefix is the channel prefix visit events are published
	// under. Empty selects the notify package's default.
	RedisEventPrefix string
}

// Load reads configuration from environment variables and returns a Config.
// Returns an error listing any required variables that are not set, or
// naming the first variable with an unparseable value.
func Load() (Config, error) {
	cfg := Config{
		Port:             getEnv("PORT", "8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisPingChannel: os.Getenv("REDIS_PING_CHANNEL"),
		RedisEventPrefix: os.Getenv("REDIS_EVENT_PREFIX"),
	}

	var err error
	if cfg.SweepInterval, err = getDurationEnv("SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.SettingsTTL, err = getDurationEnv("SETTINGS_TTL", 30*time.Second); err != nil {
		return Config{}, err
	}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getEnv returns the value of the environment variable named by key,
// or fallback if the variable is not set or is empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getDurationEnv parses the environment variable named by key as a
// time.Duration, or returns fallback if it is not set. A present but
// unparseable or non-positive value is an error rather than a silent
// fallback.
func getDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
