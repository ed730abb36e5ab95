package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tripcrew/confirmation/internal/config"
)

// setRequired populates the variables Load refuses to start without, so the
// individual tests only need to tweak what they care about.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/confirmation_test")
	t.Setenv("MEMBERSHIP_URL", "http://membership.local")
	t.Setenv("ACTIVATION_URL", "http://activation.local")
}

func TestLoad_defaults(t *testing.T) {
	setRequired(t)
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "LOG_FORMAT", "CORS_ORIGINS",
		"NOTIFICATION_URL", "GATEWAY_URL",
		"SWEEP_INTERVAL", "OUTBOX_INTERVAL", "RATE_LIMIT_PER_MINUTE",
		"CONFIRMATION_HOURS", "UPFRONT_PERCENT", "DECISION_HOURS", "EXTENSION_HOURS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "json", cfg.LogFormat)
	require.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
	require.Empty(t, cfg.NotificationURL)
	require.Empty(t, cfg.GatewayURL)
	require.Equal(t, 30*time.Second, cfg.SweepInterval)
	require.Equal(t, 10*time.Second, cfg.OutboxInterval)
	require.Equal(t, 120, cfg.RateLimitPerMinute)
	require.Equal(t, 48, cfg.ConfirmationHours)
	require.Equal(t, 50, cfg.UpfrontPercent)
	require.Equal(t, 24, cfg.DecisionHours)
	require.Equal(t, 72, cfg.ExtensionHours)
}

func TestLoad_overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://staging.example.com")
	t.Setenv("NOTIFICATION_URL", "http://notify.local")
	t.Setenv("GATEWAY_URL", "http://gateway.local")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("OUTBOX_INTERVAL", "5s")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "600")
	t.Setenv("CONFIRMATION_HOURS", "24")
	t.Setenv("UPFRONT_PERCENT", "30")
	t.Setenv("DECISION_HOURS", "12")
	t.Setenv("EXTENSION_HOURS", "48")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "text", cfg.LogFormat)
	require.Equal(t, []string{"https://app.example.com", "https://staging.example.com"}, cfg.CORSOrigins)
	require.Equal(t, "http://notify.local", cfg.NotificationURL)
	require.Equal(t, "http://gateway.local", cfg.GatewayURL)
	require.Equal(t, time.Minute, cfg.SweepInterval)
	require.Equal(t, 5*time.Second, cfg.OutboxInterval)
	require.Equal(t, 600, cfg.RateLimitPerMinute)
	require.Equal(t, 24, cfg.ConfirmationHours)
	require.Equal(t, 30, cfg.UpfrontPercent)
	require.Equal(t, 12, cfg.DecisionHours)
	require.Equal(t, 48, cfg.ExtensionHours)
}

func TestLoad_missingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MEMBERSHIP_URL", "")
	t.Setenv("ACTIVATION_URL", "")

	_, err := config.Load()
	require.Error(t, err)
	require.ErrorContains(t, err, "DATABASE_URL")
	require.ErrorContains(t, err, "MEMBERSHIP_URL")
	require.ErrorContains(t, err, "ACTIVATION_URL")
}

func TestLoad_malformedValuesFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "lots")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.SweepInterval)
	require.Equal(t, 120, cfg.RateLimitPerMinute)
}

func TestLoad_upfrontPercentOutOfRange(t *testing.T) {
	setRequired(t)
	t.Setenv("UPFRONT_PERCENT", "150")

	_, err := config.Load()
	require.Error(t, err)
	require.ErrorContains(t, err, "UPFRONT_PERCENT")
}
