package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gateway. Read once at startup;
// there is no hot-reload.
type Config struct {
	GatewayAddr string

	// TrackingBackendURL is the base URL of the model-tracking backend
	// the proxy forwards to (e.g. http://mlflow:5000).
	TrackingBackendURL string
	// ExternalHostMarker flags an externally hosted backend: when the
	// base URL contains this substring, canonical API paths are rewritten
	// to their external form.
	ExternalHostMarker string
	ServeArtifacts     bool
	ProxyDebug         bool
	ProxyTimeout       time.Duration

	// AuthServiceURL is the base URL of the external authorization and
	// billing service.
	AuthServiceURL string
	// ServiceID identifies this gateway to the authorization service.
	ServiceID string

	// RedisURL backs the validation cache (e.g. redis://localhost:6379).
	RedisURL string

	// ExcludedPaths skip authentication entirely.
	ExcludedPaths []string

	LogLevel string
}

// Load reads configuration from environment variables, falling back to defaults.
func Load() Config {
	return Config{
		GatewayAddr:        envOr("GATEWAY_ADDR", ":8080"),
		TrackingBackendURL: envOr("TRACKING_BACKEND_URL", "http://localhost:5000"),
		ExternalHostMarker: envOr("TRACKING_EXTERNAL_MARKER", "databricks"),
		ServeArtifacts:     envBool("SERVE_ARTIFACTS", true),
		ProxyDebug:         envBool("PROXY_DEBUG", false),
		ProxyTimeout:       time.Duration(envInt("PROXY_TIMEOUT_SECONDS", 30)) * time.Second,
		AuthServiceURL:     envOr("AUTH_SERVICE_URL", "http://localhost:8081"),
		ServiceID:          envOr("SERVICE_ID", "model-gateway"),
		RedisURL:           envOr("REDIS_URL", "redis://localhost:6379"),
		ExcludedPaths: envList("EXCLUDED_PATHS",
			"/healthz,/readyz,/livez,/metrics,/docs,/openapi.json,/static"),
		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return n
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("invalid boolean env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return b
	}
	return fallback
}

// envList parses a comma-separated env var, trimming whitespace and
// dropping empty entries.
func envList(key, fallback string) []string {
	raw := envOr(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
