package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mlgateway/internal/domain"
	gw "mlgateway/internal/gateway"
	"mlgateway/internal/platform/telemetry"
)

// Config holds the forwarder's backend topology settings.
type Config struct {
	// BackendURL is the tracking backend base URL.
	BackendURL string
	// ExternalMarker marks an externally addressed backend: when the
	// base URL contains this substring, canonical API paths are rewritten
	// to their external form.
	ExternalMarker string
	// ServeArtifacts gates the artifact API; when false, artifact requests
	// are refused without contacting the backend.
	ServeArtifacts bool
	// Timeout bounds each backend call.
	Timeout time.Duration
	// Debug enables per-request proxy trace logging.
	Debug bool
}

// Forwarder relays authenticated requests to the tracking backend with path
// translation, header sanitization, and error normalization.
type Forwarder struct {
	backend        *url.URL
	external       bool
	serveArtifacts bool
	timeout        time.Duration
	debug          bool
	metrics        *telemetry.GatewayMetrics
	rp             *httputil.ReverseProxy
}

// NewForwarder creates a forwarder for the given backend.
// The metrics parameter is optional; pass nil to skip metric recording.
func NewForwarder(cfg Config, m *telemetry.GatewayMetrics) (*Forwarder, error) {
	backend, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend URL: %w", err)
	}
	if backend.Scheme == "" || backend.Host == "" {
		return nil, fmt.Errorf("backend URL %q missing scheme or host", cfg.BackendURL)
	}

	f := &Forwarder{
		backend:        backend,
		external:       cfg.ExternalMarker != "" && strings.Contains(cfg.BackendURL, cfg.ExternalMarker),
		serveArtifacts: cfg.ServeArtifacts,
		timeout:        cfg.Timeout,
		debug:          cfg.Debug,
		metrics:        m,
	}
	f.rp = &httputil.ReverseProxy{
		Director:       f.direct,
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.handleError,
	}
	return f, nil
}

type originalPathKey struct{}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isArtifactPath(r.URL.Path) && !f.serveArtifacts {
		writeProxyError(w, http.StatusServiceUnavailable, domain.ErrorResponse{
			Error:  "artifacts_disabled",
			Detail: "artifact serving is disabled on this gateway",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, originalPathKey{}, r.URL.Path)

	start := time.Now()
	sw := &gw.StatusWriter{ResponseWriter: w, Code: http.StatusOK}
	f.rp.ServeHTTP(sw, r.WithContext(ctx))

	if f.metrics != nil {
		f.metrics.RecordProxyRequest(r.Context(), sw.Code, time.Since(start).Seconds())
	}
}

// direct rewrites the outbound request: target, path translation, header
// policy. Bodies and query strings pass through untouched.
func (f *Forwarder) direct(req *http.Request) {
	original := req.URL.Path
	req.URL.Path = TranslatePath(original, f.external)
	req.URL.Scheme = f.backend.Scheme
	req.URL.Host = f.backend.Host
	req.Host = f.backend.Host

	// Never forward the gateway's own trust material.
	req.Header.Del("Authorization")
	req.Header.Del(apiKeyHeader)
	// Framing is recomputed by the transport on both legs.
	req.Header.Del("Content-Length")
	req.Header.Del("Accept-Encoding")

	if sc, ok := gw.SecurityContextFromRequest(req.Context()); ok {
		req.Header.Set("X-Gateway-User-Id", sc.UserID)
		req.Header.Set("X-Gateway-Key-Id", sc.APIKeyID)
	}
	if reqID := gw.RequestIDFromContext(req.Context()); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}

	if f.debug {
		slog.Debug("proxying request",
			"method", req.Method,
			"path", original,
			"rewritten_path", req.URL.Path,
			"backend", f.backend.Host,
		)
	}
}

const apiKeyHeader = "X-Api-Key"

// modifyResponse strips backend framing and normalizes HTML error pages so
// API clients always receive JSON.
func (f *Forwarder) modifyResponse(resp *http.Response) error {
	resp.Header.Del("Transfer-Encoding")
	resp.Header.Del("Content-Encoding")

	if resp.StatusCode == http.StatusNotFound &&
		strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		original, _ := resp.Request.Context().Value(originalPathKey{}).(string)
		_ = resp.Body.Close()

		body, err := json.Marshal(domain.ErrorResponse{
			Error:  "not_found",
			Detail: "resource not found on tracking backend",
			Path:   original,
		})
		if err != nil {
			return err
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
		resp.Header.Set("Content-Type", "application/json")
	}
	return nil
}

// handleError maps backend connectivity failures to gateway status codes.
// The underlying error is logged with the target URL, never relayed.
func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
		slog.Error("tracking backend timeout", "backend", f.backend.String(), "timeout", f.timeout, "error", err)
		writeProxyError(w, http.StatusGatewayTimeout, domain.ErrorResponse{
			Error:  "gateway_timeout",
			Detail: fmt.Sprintf("tracking backend did not respond within %s", f.timeout),
		})
		return
	}

	slog.Error("tracking backend unreachable", "backend", f.backend.String(), "error", err)
	writeProxyError(w, http.StatusBadGateway, domain.ErrorResponse{
		Error:  "bad_gateway",
		Detail: fmt.Sprintf("tracking backend unreachable at %s", f.backend.String()),
	})
}

func writeProxyError(w http.ResponseWriter, status int, resp domain.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("encoding error response", "error", err)
	}
}
