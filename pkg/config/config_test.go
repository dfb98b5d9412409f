package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hlekkr/hlekkr/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults when no
// environment variables are set: the process must boot without any HLEKKR_*
// variable present.
func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"HLEKKR_PORT", "HLEKKR_LOG_LEVEL", "HLEKKR_DATABASE_URL",
		"HLEKKR_SQLITE_PATH", "HLEKKR_REDIS_ADDR", "HLEKKR_MEDIA_BUCKET",
		"HLEKKR_REPORTS_BUCKET", "HLEKKR_JWT_SECRET", "HLEKKR_PROFILE",
		"HLEKKR_TELEMETRY", "HLEKKR_OTLP_ENDPOINT", "HLEKKR_ENVIRONMENT",
		"HLEKKR_SAMPLE_RATE", "HLEKKR_KMS_SECRET", "HLEKKR_KEYSTORE_PATH",
		"HLEKKR_INFERENCE_ENDPOINT", "HLEKKR_INFERENCE_API_KEY",
		"HLEKKR_BEDROCK_REGION",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL, "SQLite is the default store")
	assert.Equal(t, "hlekkr.db", cfg.SQLitePath)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "hlekkr-media", cfg.MediaBucket)
	assert.Equal(t, "hlekkr-threat-reports", cfg.ReportsBucket)
	assert.Empty(t, cfg.JWTSecret)
	assert.Empty(t, cfg.ProfilePath)
	assert.False(t, cfg.TelemetryEnabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Empty(t, cfg.KMSSecret)
	assert.Equal(t, "hlekkr-keys.json", cfg.KeystorePath)
	assert.Empty(t, cfg.InferenceEndpoint)
	assert.Equal(t, "us-east-1", cfg.BedrockRegion)
}

// TestLoad_Overrides verifies that environment variables override defaults;
// ops control the process via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HLEKKR_PORT", "9090")
	t.Setenv("HLEKKR_LOG_LEVEL", "DEBUG")
	t.Setenv("HLEKKR_DATABASE_URL", "postgres://hlekkr@db:5432/hlekkr?sslmode=require")
	t.Setenv("HLEKKR_SQLITE_PATH", "/var/lib/hlekkr/state.db")
	t.Setenv("HLEKKR_REDIS_ADDR", "redis:6379")
	t.Setenv("HLEKKR_MEDIA_BUCKET", "prod-media")
	t.Setenv("HLEKKR_REPORTS_BUCKET", "prod-reports")
	t.Setenv("HLEKKR_JWT_SECRET", "rotate-me")
	t.Setenv("HLEKKR_PROFILE", "/etc/hlekkr/profile.yaml")
	t.Setenv("HLEKKR_TELEMETRY", "true")
	t.Setenv("HLEKKR_OTLP_ENDPOINT", "otel-collector:4317")
	t.Setenv("HLEKKR_ENVIRONMENT", "production")
	t.Setenv("HLEKKR_SAMPLE_RATE", "0.1")
	t.Setenv("HLEKKR_KMS_SECRET", "data-key-secret")
	t.Setenv("HLEKKR_KEYSTORE_PATH", "/var/lib/hlekkr/keys.json")
	t.Setenv("HLEKKR_INFERENCE_ENDPOINT", "http://models:8000/invoke")
	t.Setenv("HLEKKR_INFERENCE_API_KEY", "key-123")
	t.Setenv("HLEKKR_BEDROCK_REGION", "eu-west-1")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://hlekkr@db:5432/hlekkr?sslmode=require", cfg.DatabaseURL)
	assert.Equal(t, "/var/lib/hlekkr/state.db", cfg.SQLitePath)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "prod-media", cfg.MediaBucket)
	assert.Equal(t, "prod-reports", cfg.ReportsBucket)
	assert.Equal(t, "rotate-me", cfg.JWTSecret)
	assert.Equal(t, "/etc/hlekkr/profile.yaml", cfg.ProfilePath)
	assert.True(t, cfg.TelemetryEnabled)
	assert.Equal(t, "otel-collector:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 0.1, cfg.SampleRate)
	assert.Equal(t, "data-key-secret", cfg.KMSSecret)
	assert.Equal(t, "/var/lib/hlekkr/keys.json", cfg.KeystorePath)
	assert.Equal(t, "http://models:8000/invoke", cfg.InferenceEndpoint)
	assert.Equal(t, "key-123", cfg.InferenceAPIKey)
	assert.Equal(t, "eu-west-1", cfg.BedrockRegion)
}

// TestLoad_BadSampleRate verifies that an unparsable rate falls back rather
// than failing the boot.
func TestLoad_BadSampleRate(t *testing.T) {
	t.Setenv("HLEKKR_SAMPLE_RATE", "every-other-request")

	cfg := config.Load()
	assert.Equal(t, 1.0, cfg.SampleRate)
}
