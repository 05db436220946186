package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"mlgateway/internal/domain"
	gw "mlgateway/internal/gateway"
	"mlgateway/internal/platform/telemetry"
)

// internalPrefix is the only network range trusted for mTLS identity.
// Loopback is deliberately excluded so dev/test callers authenticate
// normally.
var internalPrefix = netip.MustParsePrefix("10.0.0.0/8")

// AuthConfig wires the auth middleware's collaborators. Cache and Metrics
// are optional; IsWrite classifies mutating backend operations.
type AuthConfig struct {
	Validator     gw.Validator
	Cache         gw.ValidationCache
	ExcludedPaths []string
	IsWrite       func(method, path string) bool
	Metrics       *telemetry.GatewayMetrics
}

// Auth returns the middleware guarding every route: it authenticates the
// caller (mTLS for intra-cluster, API key otherwise), enforces balance and
// write scopes, attaches the SecurityContext, and schedules post-response
// usage accounting.
func Auth(cfg AuthConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Health/docs/static and CORS preflight skip authentication.
			if r.Method == http.MethodOptions || excluded(cfg.ExcludedPaths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := resolveClientIP(r)
			sc, ok := internalIdentity(r, clientIP, cfg.Metrics)
			if !ok {
				var failed bool
				sc, failed = validateExternal(w, r, clientIP, cfg)
				if failed {
					return
				}
			}

			// Write-scope enforcement for mutating backend operations.
			if cfg.IsWrite != nil && cfg.IsWrite(r.Method, r.URL.Path) && !sc.HasWriteAccess() {
				writeAuthError(w, http.StatusForbidden, "insufficient_scope",
					fmt.Sprintf("write operations require one of: %s", scopeList(domain.WriteScopes)))
				return
			}

			ctx := gw.ContextWithSecurityContext(r.Context(), sc)
			start := time.Now()
			sw := &gw.StatusWriter{ResponseWriter: w, Code: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			scheduleUsage(ctx, cfg.Validator, sc, r, sw.Code, time.Since(start))
		})
	}
}

// internalIdentity assigns the fixed intra-cluster identity when the caller
// is on the trusted network and presented a verified peer certificate. A
// trusted-network caller without a certificate falls back to credential
// validation with a warning, preserving compatibility with callers
// mid-migration to mTLS.
func internalIdentity(r *http.Request, clientIP string, m *telemetry.GatewayMetrics) (domain.SecurityContext, bool) {
	if !isInternalNetwork(clientIP) {
		return domain.SecurityContext{}, false
	}
	if r.TLS == nil || len(r.TLS.VerifiedChains) == 0 {
		slog.Warn("internal-network request without verified client certificate",
			"client_ip", clientIP,
			"path", r.URL.Path,
		)
		return domain.SecurityContext{}, false
	}

	slog.Debug("authenticated internal service via mTLS", "client_ip", clientIP)
	if m != nil {
		m.RecordAuthValidation(r.Context(), "internal")
	}
	return domain.InternalContext(), true
}

// validateExternal runs credential extraction, cache lookup, remote
// validation, and the balance gate. failed reports that a response was
// already written.
func validateExternal(w http.ResponseWriter, r *http.Request, clientIP string, cfg AuthConfig) (sc domain.SecurityContext, failed bool) {
	credential, ok := gw.ExtractCredential(r)
	if !ok {
		if cfg.Metrics != nil {
			cfg.Metrics.RecordAuthValidation(r.Context(), "failure")
		}
		writeAuthError(w, http.StatusUnauthorized, "unauthorized", "credential required")
		return sc, true
	}

	vr, cached := lookupCached(r.Context(), cfg.Cache, credential)
	if !cached {
		var err error
		vr, err = cfg.Validator.Validate(r.Context(), credential, clientIP)
		if err != nil {
			slog.Debug("credential validation failed", "error", err)
			if cfg.Metrics != nil {
				cfg.Metrics.RecordAuthValidation(r.Context(), "failure")
			}
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid credential")
			return sc, true
		}
		if vr.IsValid && vr.Error == "" && cfg.Cache != nil {
			cfg.Cache.Set(r.Context(), credential, vr)
		}
	}

	if !vr.IsValid {
		detail := vr.Error
		if detail == "" {
			detail = "invalid credential"
		}
		if cfg.Metrics != nil {
			cfg.Metrics.RecordAuthValidation(r.Context(), "failure")
		}
		writeAuthError(w, http.StatusUnauthorized, "unauthorized", detail)
		return sc, true
	}

	if !vr.HasSufficientBalance {
		if cfg.Metrics != nil {
			cfg.Metrics.RecordAuthValidation(r.Context(), "insufficient_balance")
		}
		writeAuthError(w, http.StatusPaymentRequired, "insufficient_balance", "insufficient balance")
		return sc, true
	}

	if cfg.Metrics != nil {
		cfg.Metrics.RecordAuthValidation(r.Context(), "success")
	}
	return domain.ContextFromValidation(vr), false
}

// lookupCached consults the validation cache; any cache failure is a miss.
func lookupCached(ctx context.Context, cache gw.ValidationCache, credential string) (domain.ValidationResult, bool) {
	if cache == nil {
		return domain.ValidationResult{}, false
	}
	return cache.Get(ctx, credential)
}

// scheduleUsage spawns the detached usage/debit task. Server-error
// responses are not billed. The task's lifecycle is independent of the
// request's: it keeps running if the caller disconnects.
func scheduleUsage(ctx context.Context, v gw.Validator, sc domain.SecurityContext, r *http.Request, status int, elapsed time.Duration) {
	if v == nil || status >= http.StatusInternalServerError || sc.APIKeyID == "" {
		return
	}

	token := gw.RequestIDFromContext(ctx)
	if token == "" {
		token = uuid.New().String()
	}
	rec := domain.UsageRecord{
		IdempotencyKey: sc.APIKeyID + "-" + token,
		ModelID:        resourceID(r),
		EndpointPath:   r.URL.Path,
		ResponseTimeMS: elapsed.Milliseconds(),
		StatusCode:     status,
	}

	go v.RecordUsage(context.WithoutCancel(ctx), sc.APIKeyID, rec)
}

// resourceID extracts the model identifier a request refers to, when one is
// present in the query string or path.
func resourceID(r *http.Request) string {
	if name := r.URL.Query().Get("name"); name != "" {
		return name
	}
	if name := r.URL.Query().Get("model_id"); name != "" {
		return name
	}
	segs := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i, s := range segs {
		if s == "models" && i+1 < len(segs) {
			return segs[i+1]
		}
	}
	return ""
}

// resolveClientIP prefers the forwarded-for header, falling back to the
// transport-level peer address.
func resolveClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isInternalNetwork reports whether ip falls in the trusted private range.
// Loopback is never internal.
func isInternalNetwork(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	if addr.IsLoopback() {
		return false
	}
	return internalPrefix.Contains(addr.Unmap())
}

func excluded(paths []string, path string) bool {
	for _, p := range paths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func scopeList(scopes []domain.Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

func writeAuthError(w http.ResponseWriter, status int, errCode, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(domain.ErrorResponse{
		Error:  errCode,
		Detail: detail,
	}); err != nil {
		slog.Error("encoding error response", "error", err)
	}
}
