package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"mlgateway/internal/domain"
	gw "mlgateway/internal/gateway"
	"mlgateway/internal/platform/telemetry"
)

// RateLimit returns middleware that enforces each key's hourly quota from
// its validation result. Must run after Auth; requests without a
// SecurityContext or without a quota (internal callers) pass through.
// The metrics parameter is optional; pass nil to skip metric recording.
func RateLimit(limiter gw.RateLimiter, m *telemetry.GatewayMetrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc, ok := gw.SecurityContextFromRequest(r.Context())
			if !ok || sc.RateLimitPerHour <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := sc.APIKeyID
			if key == "" {
				key = sc.UserID
			}
			if result := limiter.Allow(key, sc.RateLimitPerHour); !result.Allowed {
				if m != nil {
					m.RecordRateLimitDecision(r.Context(), "key", "denied")
				}
				writeRateLimitError(w, result.RetryAfter)
				return
			}

			if m != nil {
				m.RecordRateLimitDecision(r.Context(), "key", "allowed")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	if err := json.NewEncoder(w).Encode(domain.ErrorResponse{
		Error:      "rate_limited",
		Detail:     "hourly request quota exceeded",
		RetryAfter: retryAfter,
	}); err != nil {
		slog.Error("encoding error response", "error", err)
	}
}
