package domain

import "slices"

// Scope represents a capability granted to a credential (e.g. "model:write").
type Scope string

// Scopes that qualify a caller for write-classified backend operations.
// Absent or empty scopes mean no write access, never "unrestricted".
var WriteScopes = []Scope{"model:write", "mlflow:write", "model:admin", "mlflow:admin"}

// InternalScopes are assigned to intra-cluster callers authenticated via mTLS.
// They cover both read and write on the proxied tracking API.
var InternalScopes = []Scope{"mlflow:read", "mlflow:write"}

// ValidationResult is the authorization service's answer for one credential.
// Immutable once constructed. Balance fields default to "allow" so an
// authorization service that predates balance reporting keeps working.
type ValidationResult struct {
	IsValid              bool
	UserID               string
	KeyID                string
	ServiceID            string
	Scopes               []Scope
	RateLimitPerHour     int // 0 means unlimited
	HasSufficientBalance bool
	Balance              float64
	Error                string
}

// SecurityContext is the per-request identity established by authentication.
// Created once during auth, read by downstream handlers, never persisted.
type SecurityContext struct {
	UserID           string
	APIKeyID         string
	ServiceID        string
	Scopes           []Scope
	RateLimitPerHour int // 0 means unlimited
	Internal         bool
}

// HasScope reports whether the context carries the given scope.
func (sc SecurityContext) HasScope(s Scope) bool {
	return slices.Contains(sc.Scopes, s)
}

// HasWriteAccess reports whether any held scope qualifies for write operations.
func (sc SecurityContext) HasWriteAccess() bool {
	for _, s := range sc.Scopes {
		if slices.Contains(WriteScopes, s) {
			return true
		}
	}
	return false
}

// InternalContext returns the fixed identity for verified intra-cluster
// callers: synthetic user, no key (never billed), no rate limit.
func InternalContext() SecurityContext {
	return SecurityContext{
		UserID:    "internal-service",
		ServiceID: "internal",
		Scopes:    slices.Clone(InternalScopes),
		Internal:  true,
	}
}

// ContextFromValidation derives a SecurityContext from an external
// validation result.
func ContextFromValidation(vr ValidationResult) SecurityContext {
	return SecurityContext{
		UserID:           vr.UserID,
		APIKeyID:         vr.KeyID,
		ServiceID:        vr.ServiceID,
		Scopes:           vr.Scopes,
		RateLimitPerHour: vr.RateLimitPerHour,
	}
}

// UsageRecord is the payload of the asynchronous post-response debit call.
type UsageRecord struct {
	IdempotencyKey string `json:"idempotency_key"`
	ModelID        string `json:"model_id"`
	EndpointPath   string `json:"endpoint_path"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	StatusCode     int    `json:"status_code"`
}
