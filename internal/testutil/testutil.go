package testutil

import (
	"encoding/json"
	"net/http"
	"sync"

	"mlgateway/internal/domain"
)

// AuthService is an in-memory stand-in for the external authorization and
// billing service. Seed it with API keys, mount Handler() on an httptest
// server, and inspect the debits it received.
type AuthService struct {
	mu     sync.Mutex
	keys   map[string]domain.ValidationResult
	debits []DebitCall

	// DebitStatus is returned by the debit endpoint; defaults to 200.
	DebitStatus int
}

// DebitCall is one recorded usage submission.
type DebitCall struct {
	KeyID  string
	Record domain.UsageRecord
}

// NewAuthService seeds an AuthService with credential -> result mappings.
func NewAuthService(keys map[string]domain.ValidationResult) *AuthService {
	return &AuthService{keys: keys, DebitStatus: http.StatusOK}
}

// Handler serves the authorization-service wire API: POST /validate and
// POST /usage/{key}/debit.
func (s *AuthService) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /validate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			APIKey string `json:"api_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		vr, ok := s.keys[req.APIKey]
		s.mu.Unlock()
		if !ok {
			vr = domain.ValidationResult{Error: "unknown api key"}
		}

		scopes := make([]string, len(vr.Scopes))
		for i, sc := range vr.Scopes {
			scopes[i] = string(sc)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"is_valid":               vr.IsValid,
			"user_id":                vr.UserID,
			"key_id":                 vr.KeyID,
			"service_id":             vr.ServiceID,
			"scopes":                 scopes,
			"rate_limit_per_hour":    vr.RateLimitPerHour,
			"has_sufficient_balance": vr.HasSufficientBalance,
			"balance":                vr.Balance,
			"error":                  vr.Error,
		})
	})

	mux.HandleFunc("POST /usage/{key}/debit", func(w http.ResponseWriter, r *http.Request) {
		var rec domain.UsageRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.debits = append(s.debits, DebitCall{KeyID: r.PathValue("key"), Record: rec})
		status := s.DebitStatus
		s.mu.Unlock()
		w.WriteHeader(status)
	})

	return mux
}

// Debits returns a copy of the usage submissions received so far.
func (s *AuthService) Debits() []DebitCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DebitCall, len(s.debits))
	copy(out, s.debits)
	return out
}

// MockTrackingHandler returns an http.Handler that echoes request details.
// Used to verify the gateway proxies requests with identity headers attached
// and credentials stripped.
func MockTrackingHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"backend":       name,
			"method":        r.Method,
			"path":          r.URL.Path,
			"user_id":       r.Header.Get("X-Gateway-User-Id"),
			"key_id":        r.Header.Get("X-Gateway-Key-Id"),
			"request_id":    r.Header.Get("X-Request-ID"),
			"authorization": r.Header.Get("Authorization"),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}
