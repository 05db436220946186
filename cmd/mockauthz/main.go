package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"mlgateway/internal/domain"
	"mlgateway/internal/platform/server"
)

// Seeded API keys for local development. Every key maps to the wire form
// the gateway's authorization client expects.
var seededKeys = map[string]map[string]any{
	"test-key-read": {
		"is_valid":               true,
		"user_id":                "dev-reader",
		"key_id":                 "key-read-1",
		"scopes":                 []string{"model:read"},
		"rate_limit_per_hour":    1000,
		"has_sufficient_balance": true,
		"balance":                100.0,
	},
	"test-key-write": {
		"is_valid":               true,
		"user_id":                "dev-writer",
		"key_id":                 "key-write-1",
		"scopes":                 []string{"model:read", "model:write"},
		"rate_limit_per_hour":    1000,
		"has_sufficient_balance": true,
		"balance":                100.0,
	},
	"test-key-broke": {
		"is_valid":               true,
		"user_id":                "dev-broke",
		"key_id":                 "key-broke-1",
		"scopes":                 []string{"model:read"},
		"has_sufficient_balance": false,
		"balance":                -1.5,
	},
}

func main() {
	addr := envOr("AUTHZ_ADDR", ":8081")
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	slog.Info("mock authorization service starting",
		"addr", addr,
		"api_keys", "test-key-read, test-key-write, test-key-broke",
	)

	var mu sync.Mutex
	debits := 0

	mux := http.NewServeMux()

	mux.HandleFunc("POST /validate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			APIKey string `json:"api_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}

		resp, ok := seededKeys[req.APIKey]
		if !ok {
			resp = map[string]any{"is_valid": false, "error": "unknown api key"}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("POST /usage/{key}/debit", func(w http.ResponseWriter, r *http.Request) {
		var rec domain.UsageRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		mu.Lock()
		debits++
		n := debits
		mu.Unlock()
		slog.Info("usage debit received",
			"key_id", r.PathValue("key"),
			"idempotency_key", rec.IdempotencyKey,
			"endpoint", rec.EndpointPath,
			"total_debits", n,
		)
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "mock-authz"})
	})

	srv := server.New(addr, mux)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(domain.ErrorResponse{Error: code, Detail: detail})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
