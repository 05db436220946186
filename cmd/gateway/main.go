package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gw "mlgateway/internal/gateway"
	"mlgateway/internal/gateway/adapter/authz"
	"mlgateway/internal/gateway/adapter/inmem"
	"mlgateway/internal/gateway/adapter/proxy"
	"mlgateway/internal/gateway/adapter/rediscache"
	"mlgateway/internal/gateway/middleware"
	"mlgateway/internal/platform/config"
	"mlgateway/internal/platform/server"
	"mlgateway/internal/platform/telemetry"
)

func main() {
	cfg := config.Load()

	// Logging
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	shutdown, err := telemetry.Setup(context.Background(), "mlgateway")
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	metrics, err := telemetry.NewGatewayMetrics()
	if err != nil {
		slog.Error("metrics initialization failed", "error", err)
		os.Exit(1)
	}

	// Validation cache. The gateway runs without one: every lookup then
	// falls through to the authorization service.
	var cache gw.ValidationCache
	redisCache, err := rediscache.New(cfg.RedisURL, metrics)
	if err != nil {
		slog.Warn("validation cache unavailable, validating every request", "error", err)
	} else {
		cache = redisCache
		defer redisCache.Close()
	}

	// Authorization service client
	validator := authz.NewClient(cfg.AuthServiceURL, cfg.ServiceID, 10*time.Second, metrics)

	// Per-key rate limiter
	rl := inmem.NewRateLimiter(time.Now)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Cleanup()
			}
		}
	}()

	// Proxy forwarder
	fwd, err := proxy.NewForwarder(proxy.Config{
		BackendURL:     cfg.TrackingBackendURL,
		ExternalMarker: cfg.ExternalHostMarker,
		ServeArtifacts: cfg.ServeArtifacts,
		Timeout:        cfg.ProxyTimeout,
		Debug:          cfg.ProxyDebug,
	}, metrics)
	if err != nil {
		slog.Error("forwarder initialization failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("GET /readyz", healthHandler)
	mux.HandleFunc("GET /livez", healthHandler)
	mux.Handle("/proxy/", http.StripPrefix("/proxy", fwd))
	mux.Handle("/mlflow/", http.StripPrefix("/mlflow", fwd))

	const maxBodyBytes = 100 << 20 // artifact uploads
	handler := middleware.Chain(
		mux,
		middleware.Metrics(metrics),
		middleware.RequestID,
		middleware.Logging(logger),
		middleware.Recovery,
		middleware.MaxBodySize(maxBodyBytes),
		middleware.Auth(middleware.AuthConfig{
			Validator:     validator,
			Cache:         cache,
			ExcludedPaths: cfg.ExcludedPaths,
			IsWrite:       proxy.IsWriteRequest,
			Metrics:       metrics,
		}),
		middleware.RateLimit(rl, metrics),
	)

	srv := server.New(cfg.GatewayAddr, handler)

	slog.Info("gateway starting",
		"addr", cfg.GatewayAddr,
		"tracking_backend", cfg.TrackingBackendURL,
		"auth_service", cfg.AuthServiceURL,
		"serve_artifacts", cfg.ServeArtifacts,
	)

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
	}

	if err := shutdown(context.Background()); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "mlgateway"})
}
