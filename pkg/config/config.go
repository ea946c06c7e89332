// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"
)

// DefaultModel is the native-audio live model the tutor runs on.
const DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

// DefaultVoice is the tutor's prebuilt voice.
const DefaultVoice = "Charon"

type Config struct {
	// APIKey authenticates the live transport. Required.
	APIKey string
	Model  string
	Voice  string

	// DatabaseURL points at the transcript store. Empty disables
	// persistence: the session runs with no history and nothing durable.
	DatabaseURL string

	// MetricsAddr, when set, serves Prometheus metrics (e.g. ":9091").
	MetricsAddr string

	LogLevel string
}

// Load reads the environment. Validation is separate so the caller can
// decide how to surface problems.
func Load() Config {
	return Config{
		APIKey:      envOr("GEMINI_API_KEY", os.Getenv("API_KEY")),
		Model:       envOr("SPRECHSTUNDE_MODEL", DefaultModel),
		Voice:       envOr("SPRECHSTUNDE_VOICE", DefaultVoice),
		DatabaseURL: envOr("DATABASE_URL", ""),
		MetricsAddr: envOr("METRICS_ADDR", ""),
		LogLevel:    envOr("LOG_LEVEL", "info"),
	}
}

// ErrMissingAPIKey means the credential is absent or too short to be real.
var ErrMissingAPIKey = errors.New("config: GEMINI_API_KEY is missing or invalid")

// Validate enforces the session-start preconditions.
func (c Config) Validate() error {
	if len(strings.TrimSpace(c.APIKey)) < 10 {
		return ErrMissingAPIKey
	}
	if c.Model == "" {
		return errors.New("config: model must not be empty")
	}
	return nil
}

// SlogLevel maps the configured level name onto slog.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
