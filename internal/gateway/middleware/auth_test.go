package middleware_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mlgateway/internal/domain"
	gw "mlgateway/internal/gateway"
	"mlgateway/internal/gateway/adapter/proxy"
	"mlgateway/internal/gateway/middleware"
)

// fakeValidator is a scriptable Validator that counts calls and captures
// usage records.
type fakeValidator struct {
	result domain.ValidationResult
	err    error

	validateCalls atomic.Int32

	mu      sync.Mutex
	usage   []domain.UsageRecord
	usageCh chan struct{}
}

func newFakeValidator(result domain.ValidationResult) *fakeValidator {
	return &fakeValidator{result: result, usageCh: make(chan struct{}, 16)}
}

func (f *fakeValidator) Validate(ctx context.Context, credential, clientIP string) (domain.ValidationResult, error) {
	f.validateCalls.Add(1)
	return f.result, f.err
}

func (f *fakeValidator) RecordUsage(ctx context.Context, keyID string, rec domain.UsageRecord) {
	f.mu.Lock()
	f.usage = append(f.usage, rec)
	f.mu.Unlock()
	f.usageCh <- struct{}{}
}

func (f *fakeValidator) waitForUsage(t *testing.T) domain.UsageRecord {
	t.Helper()
	select {
	case <-f.usageCh:
	case <-time.After(2 * time.Second):
		t.Fatal("usage record was not submitted")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[len(f.usage)-1]
}

func (f *fakeValidator) usageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.usage)
}

// fakeCache is an in-memory ValidationCache recording sets.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]domain.ValidationResult
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]domain.ValidationResult{}}
}

func (c *fakeCache) Get(ctx context.Context, credential string) (domain.ValidationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vr, ok := c.entries[credential]
	return vr, ok
}

func (c *fakeCache) Set(ctx context.Context, credential string, vr domain.ValidationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[credential] = vr
	c.sets++
}

func validResult() domain.ValidationResult {
	return domain.ValidationResult{
		IsValid:              true,
		UserID:               "user-1",
		KeyID:                "key-1",
		Scopes:               []domain.Scope{"model:read"},
		HasSufficientBalance: true,
	}
}

func okHandler(calls *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var er domain.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&er); err != nil {
		t.Fatalf("error response is not JSON: %v", err)
	}
	return er
}

func TestAuthExcludedPathsSkipValidation(t *testing.T) {
	v := newFakeValidator(validResult())
	var handlerCalls atomic.Int32
	h := middleware.Auth(middleware.AuthConfig{
		Validator:     v,
		ExcludedPaths: []string{"/healthz", "/docs"},
	})(okHandler(&handlerCalls))

	for _, path := range []string{"/healthz", "/docs", "/docs/index.html"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
	if got := v.validateCalls.Load(); got != 0 {
		t.Errorf("excluded paths triggered %d validations", got)
	}
	if handlerCalls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", handlerCalls.Load())
	}
}

func TestAuthPreflightSkipsValidation(t *testing.T) {
	v := newFakeValidator(validResult())
	var handlerCalls atomic.Int32
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(okHandler(&handlerCalls))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/2.0/mlflow/runs/create", nil))

	if rec.Code != http.StatusOK || v.validateCalls.Load() != 0 {
		t.Errorf("OPTIONS should bypass auth: status %d, %d validations", rec.Code, v.validateCalls.Load())
	}
}

func TestAuthMissingCredential(t *testing.T) {
	v := newFakeValidator(validResult())
	var handlerCalls atomic.Int32
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(okHandler(&handlerCalls))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if er := decodeError(t, rec); er.Error != "unauthorized" {
		t.Errorf("error = %q, want unauthorized", er.Error)
	}
	if handlerCalls.Load() != 0 {
		t.Error("handler must not run without a credential")
	}
}

func TestAuthInvalidCredentialDetail(t *testing.T) {
	v := newFakeValidator(domain.ValidationResult{IsValid: false, Error: "key revoked"})
	var handlerCalls atomic.Int32
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(okHandler(&handlerCalls))

	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil)
	req.Header.Set("Authorization", "Bearer sk-revoked")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if er := decodeError(t, rec); er.Detail != "key revoked" {
		t.Errorf("detail = %q, want the validator's error", er.Detail)
	}
}

func TestAuthInsufficientBalanceBlocksHandler(t *testing.T) {
	result := validResult()
	result.HasSufficientBalance = false
	v := newFakeValidator(result)
	var handlerCalls atomic.Int32
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(okHandler(&handlerCalls))

	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil)
	req.Header.Set("Authorization", "Bearer sk-broke")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if er := decodeError(t, rec); er.Error != "insufficient_balance" {
		t.Errorf("error = %q", er.Error)
	}
	if handlerCalls.Load() != 0 {
		t.Error("unfunded request must not reach the handler")
	}
	if v.usageCount() != 0 {
		t.Error("blocked request must not be billed")
	}
}

func TestAuthWriteRequiresWriteScope(t *testing.T) {
	v := newFakeValidator(validResult()) // model:read only
	var handlerCalls atomic.Int32
	h := middleware.Auth(middleware.AuthConfig{
		Validator: v,
		IsWrite:   proxy.IsWriteRequest,
	})(okHandler(&handlerCalls))

	req := httptest.NewRequest(http.MethodPost, "/api/2.0/mlflow/runs/create", nil)
	req.Header.Set("Authorization", "Bearer sk-readonly")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	er := decodeError(t, rec)
	if er.Error != "insufficient_scope" {
		t.Errorf("error = %q", er.Error)
	}
	for _, scope := range []string{"model:write", "mlflow:write"} {
		if !strings.Contains(er.Detail, scope) {
			t.Errorf("detail %q does not name qualifying scope %s", er.Detail, scope)
		}
	}
	if handlerCalls.Load() != 0 {
		t.Error("handler must not run without write scope")
	}
}

func TestAuthWriteScopePasses(t *testing.T) {
	result := validResult()
	result.Scopes = []domain.Scope{"model:write"}
	v := newFakeValidator(result)
	var handlerCalls atomic.Int32
	h := middleware.Auth(middleware.AuthConfig{
		Validator: v,
		IsWrite:   proxy.IsWriteRequest,
	})(okHandler(&handlerCalls))

	req := httptest.NewRequest(http.MethodPost, "/api/2.0/mlflow/runs/create", nil)
	req.Header.Set("Authorization", "Bearer sk-writer")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || handlerCalls.Load() != 1 {
		t.Errorf("write with scope should pass: status %d, calls %d", rec.Code, handlerCalls.Load())
	}
}

func TestAuthAttachesSecurityContext(t *testing.T) {
	v := newFakeValidator(validResult())
	var got domain.SecurityContext
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = gw.SecurityContextFromRequest(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.UserID != "user-1" || got.APIKeyID != "key-1" || got.Internal {
		t.Errorf("security context = %+v", got)
	}
}

func TestAuthFillsSecurityCapture(t *testing.T) {
	v := newFakeValidator(validResult())
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(okHandler(new(atomic.Int32)))

	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	ctx, slot := gw.WithSecurityCapture(req.Context())
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	if slot.UserID != "user-1" || slot.APIKeyID != "key-1" {
		t.Errorf("capture slot = %+v, want authenticated identity", slot)
	}
}

func TestAuthInternalMTLSBypassesValidation(t *testing.T) {
	v := newFakeValidator(validResult())
	var got domain.SecurityContext
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = gw.SecurityContextFromRequest(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil)
	req.RemoteAddr = "10.1.2.3:54321"
	req.TLS = &tls.ConnectionState{
		VerifiedChains: [][]*x509.Certificate{{&x509.Certificate{}}},
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if v.validateCalls.Load() != 0 {
		t.Error("internal mTLS caller must not hit the authorization service")
	}
	if !got.Internal || got.UserID != "internal-service" {
		t.Errorf("security context = %+v, want internal identity", got)
	}
	if v.usageCount() != 0 {
		t.Error("internal traffic must not be billed")
	}
}

func TestAuthInternalNetworkWithoutCertFallsBack(t *testing.T) {
	v := newFakeValidator(validResult())
	var handlerCalls atomic.Int32
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(okHandler(&handlerCalls))

	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil)
	req.RemoteAddr = "10.1.2.3:54321"
	req.Header.Set("Authorization", "Bearer sk-test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := v.validateCalls.Load(); got != 1 {
		t.Errorf("expected exactly 1 validation call, got %d", got)
	}
}

func TestAuthLoopbackIsNotInternal(t *testing.T) {
	v := newFakeValidator(validResult())
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(okHandler(new(atomic.Int32)))

	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	req.TLS = &tls.ConnectionState{
		VerifiedChains: [][]*x509.Certificate{{&x509.Certificate{}}},
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("loopback caller without credential got %d, want 401", rec.Code)
	}
	if v.validateCalls.Load() != 0 {
		t.Error("no credential was presented, nothing to validate")
	}
}

func TestAuthForwardedForDeterminesNetwork(t *testing.T) {
	v := newFakeValidator(validResult())
	var handlerCalls atomic.Int32
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(okHandler(&handlerCalls))

	// Forwarded header says internal even though the peer is loopback.
	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("X-Forwarded-For", "10.4.5.6, 192.0.2.1")
	req.TLS = &tls.ConnectionState{
		VerifiedChains: [][]*x509.Certificate{{&x509.Certificate{}}},
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || v.validateCalls.Load() != 0 {
		t.Errorf("forwarded internal caller should bypass: status %d, %d validations",
			rec.Code, v.validateCalls.Load())
	}
}

func TestAuthCacheHitSkipsValidation(t *testing.T) {
	v := newFakeValidator(validResult())
	cache := newFakeCache()
	cache.Set(context.Background(), "sk-cached", validResult())
	cache.sets = 0

	var handlerCalls atomic.Int32
	h := middleware.Auth(middleware.AuthConfig{Validator: v, Cache: cache})(okHandler(&handlerCalls))

	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil)
	req.Header.Set("Authorization", "Bearer sk-cached")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if v.validateCalls.Load() != 0 {
		t.Error("cache hit must not trigger a validation call")
	}
}

func TestAuthCachesValidResults(t *testing.T) {
	v := newFakeValidator(validResult())
	cache := newFakeCache()
	h := middleware.Auth(middleware.AuthConfig{Validator: v, Cache: cache})(okHandler(new(atomic.Int32)))

	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil)
	req.Header.Set("Authorization", "Bearer sk-fresh")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if cache.sets != 1 {
		t.Errorf("cache sets = %d, want 1", cache.sets)
	}
	if vr, ok := cache.Get(context.Background(), "sk-fresh"); !ok || vr.KeyID != "key-1" {
		t.Errorf("cached result = %+v, %v", vr, ok)
	}
}

func TestAuthDoesNotCacheInvalidResults(t *testing.T) {
	v := newFakeValidator(domain.ValidationResult{IsValid: false, Error: "unknown key"})
	cache := newFakeCache()
	h := middleware.Auth(middleware.AuthConfig{Validator: v, Cache: cache})(okHandler(new(atomic.Int32)))

	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil)
	req.Header.Set("Authorization", "Bearer sk-bad")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if cache.sets != 0 {
		t.Errorf("invalid result was cached (%d sets)", cache.sets)
	}
}

func TestAuthSchedulesUsageAfterResponse(t *testing.T) {
	v := newFakeValidator(validResult())
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}))

	req := httptest.NewRequest(http.MethodPost,
		"/api/2.0/mlflow/registered-models/create?name=fraud-detector", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	req = req.WithContext(gw.ContextWithRequestID(req.Context(), "req-42"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	rec := v.waitForUsage(t)
	if rec.IdempotencyKey != "key-1-req-42" {
		t.Errorf("idempotency key = %q, want key-1-req-42", rec.IdempotencyKey)
	}
	if rec.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.StatusCode)
	}
	if rec.ModelID != "fraud-detector" {
		t.Errorf("model id = %q", rec.ModelID)
	}
	if rec.EndpointPath != "/api/2.0/mlflow/registered-models/create" {
		t.Errorf("endpoint path = %q", rec.EndpointPath)
	}
}

func TestAuthServerErrorsAreNotBilled(t *testing.T) {
	v := newFakeValidator(validResult())
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/list", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	h.ServeHTTP(httptest.NewRecorder(), req)

	time.Sleep(50 * time.Millisecond)
	if v.usageCount() != 0 {
		t.Error("5xx response must not be billed")
	}
}

func TestAuthClientErrorsAreBilled(t *testing.T) {
	v := newFakeValidator(validResult())
	h := middleware.Auth(middleware.AuthConfig{Validator: v})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/runs/get?run_id=nope", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	h.ServeHTTP(httptest.NewRecorder(), req)

	rec := v.waitForUsage(t)
	if rec.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.StatusCode)
	}
}
