// Package config loads runtime configuration from HLEKKR_* environment
// variables and optional YAML deployment profiles.
package config

import (
	"os"
	"strconv"
)

// Config holds process configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the Postgres stores when set; otherwise the
	// embedded SQLite stores at SQLitePath serve.
	DatabaseURL string
	SQLitePath  string

	// RedisAddr enables the Redis notification bus and shared reputation
	// lists when set.
	RedisAddr string

	MediaBucket   string
	ReportsBucket string

	// JWTSecret verifies moderator bearer tokens at the API boundary.
	JWTSecret string

	// KMSSecret derives the custody signing key when set; otherwise a
	// local file keystore at KeystorePath serves.
	KMSSecret    string
	KeystorePath string

	// InferenceEndpoint routes detection model calls to an HTTP backend.
	// Empty invokes Bedrock in BedrockRegion.
	InferenceEndpoint string
	InferenceAPIKey   string
	BedrockRegion     string

	// ProfilePath points at a deployment profile YAML; empty keeps the
	// built-in defaults.
	ProfilePath string

	TelemetryEnabled bool
	OTLPEndpoint     string
	Environment      string
	SampleRate       float64
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:              getenv("HLEKKR_PORT", "8080"),
		LogLevel:          getenv("HLEKKR_LOG_LEVEL", "INFO"),
		DatabaseURL:       os.Getenv("HLEKKR_DATABASE_URL"),
		SQLitePath:        getenv("HLEKKR_SQLITE_PATH", "hlekkr.db"),
		RedisAddr:         os.Getenv("HLEKKR_REDIS_ADDR"),
		MediaBucket:       getenv("HLEKKR_MEDIA_BUCKET", "hlekkr-media"),
		ReportsBucket:     getenv("HLEKKR_REPORTS_BUCKET", "hlekkr-threat-reports"),
		JWTSecret:         os.Getenv("HLEKKR_JWT_SECRET"),
		KMSSecret:         os.Getenv("HLEKKR_KMS_SECRET"),
		KeystorePath:      getenv("HLEKKR_KEYSTORE_PATH", "hlekkr-keys.json"),
		InferenceEndpoint: os.Getenv("HLEKKR_INFERENCE_ENDPOINT"),
		InferenceAPIKey:   os.Getenv("HLEKKR_INFERENCE_API_KEY"),
		BedrockRegion:     getenv("HLEKKR_BEDROCK_REGION", "us-east-1"),
		ProfilePath:       os.Getenv("HLEKKR_PROFILE"),
		TelemetryEnabled:  os.Getenv("HLEKKR_TELEMETRY") == "true",
		OTLPEndpoint:      getenv("HLEKKR_OTLP_ENDPOINT", "localhost:4317"),
		Environment:       getenv("HLEKKR_ENVIRONMENT", "development"),
		SampleRate:        getfloat("HLEKKR_SAMPLE_RATE", 1.0),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getfloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
