package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mlgateway/internal/domain"
	"mlgateway/internal/platform/telemetry"
)

const (
	maxDebitAttempts = 3
	backoffBase      = 2
)

// Client talks to the external authorization service: credential validation
// and usage/balance debits.
type Client struct {
	baseURL    string
	serviceID  string
	httpClient *http.Client
	metrics    *telemetry.GatewayMetrics

	// sleep is injectable for deterministic retry tests.
	sleep func(time.Duration)
}

// NewClient creates an authorization-service client.
// The metrics parameter is optional; pass nil to skip metric recording.
func NewClient(baseURL, serviceID string, timeout time.Duration, m *telemetry.GatewayMetrics) *Client {
	return &Client{
		baseURL:    baseURL,
		serviceID:  serviceID,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    m,
		sleep:      time.Sleep,
	}
}

type validateRequest struct {
	APIKey    string `json:"api_key"`
	ClientIP  string `json:"client_ip"`
	ServiceID string `json:"service_id"`
}

// validateResponse is the wire form of a validation result. The balance
// fields are pointers so an authorization service that predates balance
// reporting decodes as "allow" rather than "deny".
type validateResponse struct {
	IsValid              bool     `json:"is_valid"`
	UserID               string   `json:"user_id"`
	KeyID                string   `json:"key_id"`
	ServiceID            string   `json:"service_id"`
	Scopes               []string `json:"scopes"`
	RateLimitPerHour     *int     `json:"rate_limit_per_hour"`
	HasSufficientBalance *bool    `json:"has_sufficient_balance"`
	Balance              *float64 `json:"balance"`
	Error                string   `json:"error"`
}

// Validate resolves a credential via POST {base}/validate. Non-200 responses
// and transport errors are returned as errors; callers treat them as invalid
// credentials.
func (c *Client) Validate(ctx context.Context, credential, clientIP string) (domain.ValidationResult, error) {
	body, err := json.Marshal(validateRequest{
		APIKey:    credential,
		ClientIP:  clientIP,
		ServiceID: c.serviceID,
	})
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("marshal validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("create validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("validate call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.ValidationResult{}, fmt.Errorf("authorization service returned %d", resp.StatusCode)
	}

	var wire validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return domain.ValidationResult{}, fmt.Errorf("decode validate response: %w", err)
	}
	return wire.toDomain(), nil
}

func (w validateResponse) toDomain() domain.ValidationResult {
	vr := domain.ValidationResult{
		IsValid:              w.IsValid,
		UserID:               w.UserID,
		KeyID:                w.KeyID,
		ServiceID:            w.ServiceID,
		HasSufficientBalance: true,
		Error:                w.Error,
	}
	if len(w.Scopes) > 0 {
		vr.Scopes = make([]domain.Scope, len(w.Scopes))
		for i, s := range w.Scopes {
			vr.Scopes[i] = domain.Scope(s)
		}
	}
	if w.RateLimitPerHour != nil {
		vr.RateLimitPerHour = *w.RateLimitPerHour
	}
	if w.HasSufficientBalance != nil {
		vr.HasSufficientBalance = *w.HasSufficientBalance
	}
	if w.Balance != nil {
		vr.Balance = *w.Balance
	}
	return vr
}

// RecordUsage submits a usage/debit record with bounded retries. Transport
// errors and 5xx responses are retried with exponential backoff (1s, 2s);
// 4xx is terminal. Failures are logged, never surfaced: the caller's
// response has already been returned.
func (c *Client) RecordUsage(ctx context.Context, keyID string, rec domain.UsageRecord) {
	var lastErr error
	for attempt := 1; attempt <= maxDebitAttempts; attempt++ {
		if attempt > 1 {
			// Exponential backoff: base^(attempt-2) seconds.
			c.sleep(time.Duration(pow(backoffBase, attempt-2)) * time.Second)
		}

		terminal, err := c.debitOnce(ctx, keyID, rec)
		if err == nil {
			if c.metrics != nil {
				c.metrics.RecordDebitAttempt(ctx, "success")
			}
			return
		}
		lastErr = err
		if terminal {
			if c.metrics != nil {
				c.metrics.RecordDebitAttempt(ctx, "rejected")
			}
			slog.Warn("usage debit rejected", "key_id", keyID, "error", err)
			return
		}
		if c.metrics != nil {
			c.metrics.RecordDebitAttempt(ctx, "retry")
		}
	}

	if c.metrics != nil {
		c.metrics.RecordDebitAttempt(ctx, "failure")
	}
	slog.Warn("usage debit failed, giving up",
		"key_id", keyID,
		"attempts", maxDebitAttempts,
		"error", lastErr,
	)
}

// debitOnce performs one debit call. terminal reports whether the failure
// must not be retried (the billing service rejected the record).
func (c *Client) debitOnce(ctx context.Context, keyID string, rec domain.UsageRecord) (terminal bool, err error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return true, fmt.Errorf("marshal usage record: %w", err)
	}

	url := fmt.Sprintf("%s/usage/%s/debit", c.baseURL, keyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return true, fmt.Errorf("create debit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("debit call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode < 500:
		return true, fmt.Errorf("billing service returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("billing service returned %d", resp.StatusCode)
	}
}

func pow(base, exp int) int {
	result := 1
	for range exp {
		result *= base
	}
	return result
}
