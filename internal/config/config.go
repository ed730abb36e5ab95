// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the confirmation service.
// Values are populated by Load from environment variables.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Defaults to "8080".
	Port string

	// DatabaseURL is the Postgres connection string. Required.
	DatabaseURL string

	// LogLevel controls the minimum log level. Defaults to "info".
	// Valid values: debug, info, warn, error.
	LogLevel string

	// LogFormat selects the slog handler: "json" (default) for aggregators,
	// "text" for a colored human-readable console during development.
	LogFormat string

	// CORSOrigins is the list of allowed cross-origin request origins.
	// Set CORS_ORIGINS to a comma-separated list to override.
	CORSOrigins []string

	// MembershipURL is the base URL of the group/membership (pooling)
	// service. Required.
	MembershipURL string

	// ActivationURL is the base URL of the trip-activation service. Required.
	ActivationURL string

	// NotificationURL is the base URL of the notification dispatcher.
	// Empty disables outbound notifications.
	NotificationURL string

	// GatewayURL is the base URL of the payment-gateway adapter's refund
	// endpoint. Empty disables outbound refund calls.
	GatewayURL string

	// SweepInterval is how often the deadline sweeper scans for due trips.
	SweepInterval time.Duration

	// OutboxInterval is how often the outbox dispatcher drains due entries.
	OutboxInterval time.Duration

	// RateLimitPerMinute caps requests per client IP per minute.
	RateLimitPerMinute int

	// Workflow defaults.
	ConfirmationHours int // confirmation deadline horizon
	UpfrontPercent    int // upfront share of the per-person price
	DecisionHours     int // partial-payment decision window length
	ExtensionHours    int // deadline extension after a continue vote
}

// Load reads configuration from environment variables and returns a Config.
// Returns an error listing any required variables that are not set.
func Load() (Config, error) {
	cfg := Config{
		Port:               getEnv("PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		CORSOrigins:        splitCSV(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		NotificationURL:    os.Getenv("NOTIFICATION_URL"),
		GatewayURL:         os.Getenv("GATEWAY_URL"),
		SweepInterval:      getDuration("SWEEP_INTERVAL", 30*time.Second),
		OutboxInterval:     getDuration("OUTBOX_INTERVAL", 10*time.Second),
		RateLimitPerMinute: getInt("RATE_LIMIT_PER_MINUTE", 120),
		ConfirmationHours:  getInt("CONFIRMATION_HOURS", 48),
		UpfrontPercent:     getInt("UPFRONT_PERCENT", 50),
		DecisionHours:      getInt("DECISION_HOURS", 24),
		ExtensionHours:     getInt("EXTENSION_HOURS", 72),
	}

	var missing []string

	for _, v := range []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"MEMBERSHIP_URL", &cfg.MembershipURL},
		{"ACTIVATION_URL", &cfg.ActivationURL},
	} {
		*v.dst = os.Getenv(v.key)
		if *v.dst == "" {
			missing = append(missing, v.key)
		}
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}

	if cfg.UpfrontPercent < 0 || cfg.UpfrontPercent > 100 {
		return Config{}, fmt.Errorf("UPFRONT_PERCENT must be between 0 and 100, got %d", cfg.UpfrontPercent)
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

// getInt parses an integer environment variable, falling back on absence or
// malformed input.
func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getDuration parses a Go duration string (e.g. "30s", "2m"), falling back
// on absence or malformed input.
func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// splitCSV splits a comma-separated string into a trimmed slice, ignoring
// empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}
