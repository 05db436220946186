package rediscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"mlgateway/internal/domain"
	"mlgateway/internal/platform/telemetry"
)

const (
	keyPrefix = "apikey:validation:"
	// entryTTL bounds staleness of cached validation results.
	entryTTL = 60 * time.Second
)

// Cache is a Redis-backed TTL cache of validation results keyed by
// credential. Entries are advisory: every cache-layer failure degrades to a
// miss so a live validation call can take over.
type Cache struct {
	client  *redis.Client
	metrics *telemetry.GatewayMetrics
}

// New connects to Redis and returns a validation cache.
// The metrics parameter is optional; pass nil to skip metric recording.
func New(url string, m *telemetry.GatewayMetrics) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Cache{client: client, metrics: m}, nil
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// entry is the serialized subset of a validation result stored per
// credential. Balance fields are stored explicitly so they round-trip
// faithfully, including has_sufficient_balance=false.
type entry struct {
	IsValid              bool     `json:"is_valid"`
	UserID               string   `json:"user_id"`
	KeyID                string   `json:"key_id"`
	ServiceID            string   `json:"service_id"`
	Scopes               []string `json:"scopes"`
	RateLimitPerHour     int      `json:"rate_limit_per_hour"`
	HasSufficientBalance bool     `json:"has_sufficient_balance"`
	Balance              float64  `json:"balance"`
}

// Get returns the cached validation result for a credential. Missing,
// malformed, or unreadable entries all report a miss.
func (c *Cache) Get(ctx context.Context, credential string) (domain.ValidationResult, bool) {
	data, err := c.client.Get(ctx, cacheKey(credential)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("validation cache read failed", "error", err)
		}
		c.record(ctx, "miss")
		return domain.ValidationResult{}, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		slog.Debug("validation cache entry malformed", "error", err)
		c.record(ctx, "miss")
		return domain.ValidationResult{}, false
	}

	c.record(ctx, "hit")
	return e.toDomain(), true
}

// Set caches a validation result for the fixed TTL. Only valid, non-error
// results belong in the cache; callers enforce that, and Set enforces it
// again. Write failures are swallowed: a stale or absent entry is harmless.
func (c *Cache) Set(ctx context.Context, credential string, vr domain.ValidationResult) {
	if !vr.IsValid || vr.Error != "" {
		return
	}

	scopes := make([]string, len(vr.Scopes))
	for i, s := range vr.Scopes {
		scopes[i] = string(s)
	}
	data, err := json.Marshal(entry{
		IsValid:              vr.IsValid,
		UserID:               vr.UserID,
		KeyID:                vr.KeyID,
		ServiceID:            vr.ServiceID,
		Scopes:               scopes,
		RateLimitPerHour:     vr.RateLimitPerHour,
		HasSufficientBalance: vr.HasSufficientBalance,
		Balance:              vr.Balance,
	})
	if err != nil {
		return
	}

	if err := c.client.Set(ctx, cacheKey(credential), data, entryTTL).Err(); err != nil {
		slog.Debug("validation cache write failed", "error", err)
	}
}

func (e entry) toDomain() domain.ValidationResult {
	vr := domain.ValidationResult{
		IsValid:              e.IsValid,
		UserID:               e.UserID,
		KeyID:                e.KeyID,
		ServiceID:            e.ServiceID,
		RateLimitPerHour:     e.RateLimitPerHour,
		HasSufficientBalance: e.HasSufficientBalance,
		Balance:              e.Balance,
	}
	if len(e.Scopes) > 0 {
		vr.Scopes = make([]domain.Scope, len(e.Scopes))
		for i, s := range e.Scopes {
			vr.Scopes[i] = domain.Scope(s)
		}
	}
	return vr
}

func (c *Cache) record(ctx context.Context, result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, result)
	}
}

// cacheKey hashes the credential so raw key material never appears in Redis.
func cacheKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return keyPrefix + hex.EncodeToString(sum[:])
}
