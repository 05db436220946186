package middleware

import (
	"log/slog"
	"net/http"
	"time"

	gw "mlgateway/internal/gateway"
)

// Logging returns a middleware that logs each request using slog.
func Logging(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &gw.StatusWriter{ResponseWriter: w, Code: http.StatusOK}

			// Auth runs later in the chain; the capture slot lets us log the
			// identity it established.
			ctx, sc := gw.WithSecurityCapture(r.Context())
			next.ServeHTTP(sw, r.WithContext(ctx))

			reqID := gw.RequestIDFromContext(r.Context())

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.Code,
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"request_id", reqID,
				"user_id", sc.UserID,
				"key_id", sc.APIKeyID,
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}
