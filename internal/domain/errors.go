package domain

import "errors"

// Sentinel errors used across service boundaries.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRateLimited         = errors.New("rate limited")
	ErrBackendUnavailable  = errors.New("backend unavailable")
)

// ErrorResponse is the standard JSON error envelope returned to clients.
// Detail never carries internal exception text; Path is set only for
// normalized backend 404s.
type ErrorResponse struct {
	Error      string `json:"error"`
	Detail     string `json:"detail"`
	Path       string `json:"path,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}
