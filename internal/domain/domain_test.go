package domain_test

import (
	"testing"

	"mlgateway/internal/domain"
)

func TestHasWriteAccess(t *testing.T) {
	tests := []struct {
		name   string
		scopes []domain.Scope
		want   bool
	}{
		{"model write", []domain.Scope{"model:write"}, true},
		{"mlflow write", []domain.Scope{"mlflow:write"}, true},
		{"admin", []domain.Scope{"model:admin"}, true},
		{"mixed", []domain.Scope{"model:read", "mlflow:admin"}, true},
		{"read only", []domain.Scope{"model:read"}, false},
		{"empty", []domain.Scope{}, false},
		{"nil", nil, false},
		{"unrelated", []domain.Scope{"files:write"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := domain.SecurityContext{Scopes: tt.scopes}
			if got := sc.HasWriteAccess(); got != tt.want {
				t.Errorf("HasWriteAccess() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasScope(t *testing.T) {
	sc := domain.SecurityContext{Scopes: []domain.Scope{"model:read", "model:write"}}
	if !sc.HasScope("model:read") {
		t.Error("expected model:read")
	}
	if sc.HasScope("model:admin") {
		t.Error("did not expect model:admin")
	}
}

func TestInternalContext(t *testing.T) {
	sc := domain.InternalContext()
	if !sc.Internal {
		t.Error("expected Internal=true")
	}
	if sc.APIKeyID != "" {
		t.Errorf("internal context must not carry a key id, got %q", sc.APIKeyID)
	}
	if sc.RateLimitPerHour != 0 {
		t.Errorf("internal context must have no rate limit, got %d", sc.RateLimitPerHour)
	}
	if !sc.HasScope("mlflow:read") || !sc.HasScope("mlflow:write") {
		t.Errorf("internal context must carry read and write scopes, got %v", sc.Scopes)
	}
	if !sc.HasWriteAccess() {
		t.Error("internal context must qualify for writes")
	}
}

func TestContextFromValidation(t *testing.T) {
	vr := domain.ValidationResult{
		IsValid:              true,
		UserID:               "user-7",
		KeyID:                "key-7",
		ServiceID:            "svc",
		Scopes:               []domain.Scope{"model:write"},
		RateLimitPerHour:     500,
		HasSufficientBalance: true,
		Balance:              12.5,
	}
	sc := domain.ContextFromValidation(vr)
	if sc.UserID != "user-7" || sc.APIKeyID != "key-7" || sc.ServiceID != "svc" {
		t.Errorf("identity not carried over: %+v", sc)
	}
	if sc.RateLimitPerHour != 500 {
		t.Errorf("rate limit not carried over: %d", sc.RateLimitPerHour)
	}
	if sc.Internal {
		t.Error("external context must not be internal")
	}
}
