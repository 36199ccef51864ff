package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the coordination hub.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	AllowAnyOrigin bool

	DatabaseURL string

	DefaultDurationMinutes int
	DriftWindowSamples     int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "examroom"),
		LogLevel:               envOrDefault("APP_LOG_LEVEL", "info"),
		AllowAnyOrigin:         false,
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		DefaultDurationMinutes: 10,
		DriftWindowSamples:     256,
		ShutdownTimeout:        15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultDurationMinutes, err = intFromEnv("SESSION_DEFAULT_DURATION_MINUTES", cfg.DefaultDurationMinutes)
	if err != nil {
		return Config{}, err
	}
	cfg.DriftWindowSamples, err = intFromEnv("APP_DRIFT_WINDOW_SAMPLES", cfg.DriftWindowSamples)
	if err != nil {
		return Config{}, err
	}

	if cfg.DefaultDurationMinutes <= 0 {
		return Config{}, fmt.Errorf("SESSION_DEFAULT_DURATION_MINUTES must be positive")
	}
	if cfg.DriftWindowSamples <= 0 {
		return Config{}, fmt.Errorf("APP_DRIFT_WINDOW_SAMPLES must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
