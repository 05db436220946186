package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"mlgateway/internal/platform/server"
)

func main() {
	addr := envOr("ADDR", ":5000")
	name := envOr("BACKEND_NAME", "mock-tracking")
	baseDelay := envDuration("LATENCY_BASE", 0)
	jitter := envDuration("LATENCY_JITTER", 0)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	slog.Info("mock tracking backend starting", "addr", addr, "name", name,
		"latency_base", baseDelay, "latency_jitter", jitter)

	mux := http.NewServeMux()

	// Catch-all: echo request details, including the identity headers the
	// gateway is expected to attach. ?simulate=404 returns an HTML error page
	// like a real tracking server, for exercising the gateway's 404
	// normalization by hand.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		simulateWork(baseDelay, jitter)
		if r.URL.Query().Get("simulate") == "404" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, "<html><body><h1>404 Not Found</h1></body></html>")
			return
		}
		resp := map[string]any{
			"backend":    name,
			"method":     r.Method,
			"path":       r.URL.Path,
			"user_id":    r.Header.Get("X-Gateway-User-Id"),
			"key_id":     r.Header.Get("X-Gateway-Key-Id"),
			"request_id": r.Header.Get("X-Request-ID"),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": name})
	})

	srv := server.New(addr, mux)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDuration reads a duration in milliseconds from an env var (e.g. "50" -> 50ms).
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

// simulateWork sleeps for base + random(0, jitter) to mimic real backend processing.
func simulateWork(base, jitter time.Duration) {
	if base == 0 && jitter == 0 {
		return
	}
	delay := base
	if jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(jitter)))
	}
	time.Sleep(delay)
}
