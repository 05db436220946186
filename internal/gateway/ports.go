package gateway

import (
	"context"
	"net/http"

	"mlgateway/internal/domain"
)

// Validator checks credentials against the external authorization service
// and records usage for billing.
type Validator interface {
	// Validate resolves a credential to its ValidationResult. Transport
	// errors and non-200 responses are returned as errors and treated by
	// callers as invalid credentials.
	Validate(ctx context.Context, credential, clientIP string) (domain.ValidationResult, error)

	// RecordUsage submits a usage/debit record for the given key. It runs
	// its own bounded retry loop and never returns an error: billing
	// failures are logged, not surfaced.
	RecordUsage(ctx context.Context, keyID string, rec domain.UsageRecord)
}

// ValidationCache is a shared TTL cache of validation results keyed by
// credential. Entries are advisory: a miss or error must fall back to a
// live validation call, never fail the request.
type ValidationCache interface {
	Get(ctx context.Context, credential string) (domain.ValidationResult, bool)
	Set(ctx context.Context, credential string, vr domain.ValidationResult)
}

// RateLimiter decides whether a request identified by key should be allowed
// under an hourly quota.
type RateLimiter interface {
	Allow(key string, perHour int) RateLimitResult
}

// RateLimitResult holds the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	RetryAfter int // seconds until next token available; 0 if allowed
}

// StatusWriter wraps http.ResponseWriter to capture the status code.
type StatusWriter struct {
	http.ResponseWriter
	Code int
}

func (sw *StatusWriter) WriteHeader(code int) {
	sw.Code = code
	sw.ResponseWriter.WriteHeader(code)
}

// SecurityContextFromRequest extracts the authenticated security context
// from a request context.
func SecurityContextFromRequest(ctx context.Context) (domain.SecurityContext, bool) {
	sc, ok := ctx.Value(securityContextKey{}).(domain.SecurityContext)
	return sc, ok
}

// ContextWithSecurityContext stores the security context in the context and
// fills any capture slot registered by outer middleware.
func ContextWithSecurityContext(ctx context.Context, sc domain.SecurityContext) context.Context {
	if slot, ok := ctx.Value(securityCaptureKey{}).(*domain.SecurityContext); ok {
		*slot = sc
	}
	return context.WithValue(ctx, securityContextKey{}, sc)
}

// WithSecurityCapture registers a slot that ContextWithSecurityContext fills
// later in the request, letting outer middleware read the authenticated
// identity after the handler returns.
func WithSecurityCapture(ctx context.Context) (context.Context, *domain.SecurityContext) {
	slot := &domain.SecurityContext{}
	return context.WithValue(ctx, securityCaptureKey{}, slot), slot
}

type securityContextKey struct{}

type securityCaptureKey struct{}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ContextWithRequestID stores the request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

type requestIDKey struct{}
