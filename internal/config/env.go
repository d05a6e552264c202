// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiktok-toe/governor/internal/log"
)

// parseString reads a string from an environment variable or returns the
// default.
func parseString(logger zerolog.Logger, key, def string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		logger.Debug().
			Str("key", key).
			Str("source", "environment").
			Msg("using environment variable")
		return value
	}
	return def
}

func parseInt(logger zerolog.Logger, key string, def int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", value).
			Msg("invalid integer, using default")
		return def
	}
	return n
}

func parseInt64(logger zerolog.Logger, key string, def int64) int64 {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return def
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", value).
			Msg("invalid integer, using default")
		return def
	}
	return n
}

func parseFloat(logger zerolog.Logger, key string, def float64) float64 {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return def
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", value).
			Msg("invalid float, using default")
		return def
	}
	return f
}

func parseDuration(logger zerolog.Logger, key string, def time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", value).
			Msg("invalid duration, using default")
		return def
	}
	return d
}

func parseBool(logger zerolog.Logger, key string, def bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", value).
			Msg("invalid boolean, using default")
		return def
	}
	return b
}

// ApplyEnv overlays GOVERNOR_* environment variables onto cfg. Unset or
// malformed variables leave the existing value in place.
func ApplyEnv(cfg Config) Config {
	logger := log.WithComponent("config")

	cfg.LogLevel = parseString(logger, "GOVERNOR_LOG_LEVEL", cfg.LogLevel)

	cfg.Server.Listen = parseString(logger, "GOVERNOR_LISTEN", cfg.Server.Listen)
	cfg.Server.RateLimit = parseInt(logger, "GOVERNOR_RATE_LIMIT", cfg.Server.RateLimit)

	cfg.Monitor.SampleInterval = parseDuration(logger, "GOVERNOR_SAMPLE_INTERVAL", cfg.Monitor.SampleInterval)
	cfg.Monitor.Retention = parseDuration(logger, "GOVERNOR_RETENTION", cfg.Monitor.Retention)

	cfg.Cache.MaxSizeBytes = parseInt64(logger, "GOVERNOR_CACHE_MAX_BYTES", cfg.Cache.MaxSizeBytes)
	cfg.Cache.MaxAge = parseDuration(logger, "GOVERNOR_CACHE_MAX_AGE", cfg.Cache.MaxAge)
	cfg.Cache.EvictionPolicy = parseString(logger, "GOVERNOR_CACHE_POLICY", cfg.Cache.EvictionPolicy)

	cfg.Pool.MinSize = parseInt(logger, "GOVERNOR_POOL_MIN", cfg.Pool.MinSize)
	cfg.Pool.MaxSize = parseInt(logger, "GOVERNOR_POOL_MAX", cfg.Pool.MaxSize)
	cfg.Pool.AcquireTimeout = parseDuration(logger, "GOVERNOR_POOL_ACQUIRE_TIMEOUT", cfg.Pool.AcquireTimeout)
	cfg.Pool.IdleTimeout = parseDuration(logger, "GOVERNOR_POOL_IDLE_TIMEOUT", cfg.Pool.IdleTimeout)

	cfg.Admission.MaxConcurrent = parseInt(logger, "GOVERNOR_MAX_CONCURRENT", cfg.Admission.MaxConcurrent)
	cfg.Admission.MaxQueue = parseInt(logger, "GOVERNOR_MAX_QUEUE", cfg.Admission.MaxQueue)
	cfg.Admission.BatchSize = parseInt(logger, "GOVERNOR_BATCH_SIZE", cfg.Admission.BatchSize)
	cfg.Admission.Cooldown = parseDuration(logger, "GOVERNOR_THROTTLE_COOLDOWN", cfg.Admission.Cooldown)

	cfg.Governor.Interval = parseDuration(logger, "GOVERNOR_TICK_INTERVAL", cfg.Governor.Interval)
	cfg.Governor.Cooldown = parseDuration(logger, "GOVERNOR_ADJUST_COOLDOWN", cfg.Governor.Cooldown)
	cfg.Governor.ConfidenceThreshold = parseFloat(logger, "GOVERNOR_CONFIDENCE_THRESHOLD", cfg.Governor.ConfidenceThreshold)
	cfg.Governor.SnapshotPath = parseString(logger, "GOVERNOR_SNAPSHOT_PATH", cfg.Governor.SnapshotPath)

	cfg.Telemetry.Enabled = parseBool(logger, "GOVERNOR_OTLP_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = parseString(logger, "GOVERNOR_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Protocol = parseString(logger, "GOVERNOR_OTLP_PROTOCOL", cfg.Telemetry.Protocol)
	cfg.Telemetry.SampleRatio = parseFloat(logger, "GOVERNOR_OTLP_SAMPLE_RATIO", cfg.Telemetry.SampleRatio)

	return cfg
}
