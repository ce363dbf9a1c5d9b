// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sylvester1001/zat/internal/log"
)

// Environment keys.
const (
	EnvBackendURL        = "ZAT_BACKEND_URL"
	EnvRequestTimeout    = "ZAT_REQUEST_TIMEOUT"
	EnvHeartbeatInterval = "ZAT_HEARTBEAT_INTERVAL"
	EnvReconnectDelay    = "ZAT_RECONNECT_DELAY"
	EnvPanelAddr         = "ZAT_PANEL_ADDR"
	EnvPanelRateLimit    = "ZAT_PANEL_RATE_LIMIT"
	EnvShutdownTimeout   = "ZAT_SHUTDOWN_TIMEOUT"
	EnvCacheTTL          = "ZAT_CACHE_TTL"
	EnvRedisAddr         = "ZAT_REDIS_ADDR"
	EnvRedisPassword     = "ZAT_REDIS_PASSWORD"
	EnvRedisDB           = "ZAT_REDIS_DB"
	EnvJournalPath       = "ZAT_JOURNAL_PATH"
	EnvLogLevel          = "ZAT_LOG_LEVEL"
	EnvLogService        = "ZAT_LOG_SERVICE"
	EnvLogBuffer         = "ZAT_LOG_BUFFER"
	EnvOTLPEnabled       = "ZAT_OTEL_ENABLED"
	EnvOTLPExporter      = "ZAT_OTEL_EXPORTER"
	EnvOTLPEndpoint      = "ZAT_OTEL_ENDPOINT"
	EnvOTLPSampleRate    = "ZAT_OTEL_SAMPLE_RATE"
	EnvConfigPath        = "ZAT_CONFIG"
)

// ParseString reads a string from environment variable or returns default value.
// It logs the source (environment or default) for observability.
func ParseString(key, defaultValue string) string {
	return parseStringWithLogger(log.WithComponent("config"), key, defaultValue)
}

func parseStringWithLogger(logger zerolog.Logger, key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		lowerKey := strings.ToLower(key)
		switch {
		case strings.Contains(lowerKey, "password"):
			logger.Debug().
				Str("key", key).
				Str("source", "environment").
				Bool("sensitive", true).
				Msg("using environment variable")
		case value == "":
			logger.Debug().
				Str("key", key).
				Str("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		default:
			logger.Debug().
				Str("key", key).
				Str("value", value).
				Str("source", "environment").
				Msg("using environment variable")
		}
		return value
	}
	return defaultValue
}

// ParseInt reads an integer from environment variable or returns default value.
// It falls back to default on parse errors.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Int("value", i).
		Str("source", "environment").
		Msg("using environment variable")
	return i
}

// ParseDuration reads a duration in Go format (e.g. "5s") from the environment.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Dur("value", d).
		Str("source", "environment").
		Msg("using environment variable")
	return d
}

// ParseFloat reads a float from the environment, falling back on parse errors.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Float64("default", defaultValue).
			Msg("invalid number in environment variable, using default")
		return defaultValue
	}
	return f
}

// ParseBool reads a boolean from environment variable or returns default value.
// It accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Bool("default", defaultValue).
			Msg("invalid boolean in environment variable, using default")
		return defaultValue
	}
}
