package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/config"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

func newStore() *cache.Cache {
	return cache.New(cache.Options{MaxEntries: 100, DefaultTTL: time.Hour}, cache.MetricsHooks{})
}

func settings(url string) config.Settings {
	return config.Settings{
		Env:                    config.EnvProd,
		LicenseKey:             "key-123",
		LicenseManagerAPIKey:   "manager-token",
		LicenseManagerAPIURL:   url,
		LicenseRefreshInterval: time.Hour,
		NotificationsEnabled:   true,
	}
}

func TestDevModeShortcut(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	cfg := settings(srv.URL)
	cfg.Env = config.EnvDev
	cfg.LicenseKey = ""

	v := New(Config{Settings: cfg, Store: newStore(), Logger: logging.NewNopLogger()})
	state := v.Validate(context.Background(), false)

	require.True(t, state.Valid, "expected synthetic valid state: %+v", state)
	require.True(t, state.BotAssigned)

	var details map[string]any
	require.NoError(t, json.Unmarshal(state.Details, &details))
	assert.Equal(t, "Development mode", details["message"])
	assert.Zero(t, calls.Load(), "dev mode must not call the manager")
}

func TestValidateSuccessWithAliasFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/validate_bot", r.URL.Path)
		assert.Equal(t, "Bearer manager-token", r.Header.Get("Authorization"))
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "key-123", body["license_key"])
		assert.Equal(t, Product, body["product"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"license_valid":  true,
			"bot_associated": true,
			"details":        map[string]any{"tier": "pro"},
		})
	}))
	defer srv.Close()

	v := New(Config{Settings: settings(srv.URL), Store: newStore(), Logger: logging.NewNopLogger()})
	state := v.Validate(context.Background(), true)

	require.True(t, state.Valid, "expected valid state: %+v", state)
	require.True(t, state.BotAssigned)
	assert.Equal(t, 1, state.BackoffMultiplier, "backoff must reset on success")
	assert.NotZero(t, state.LastValidated, "last_validated not stamped")
}

func TestValidateServesCachedState(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": true, "bot_assigned": true})
	}))
	defer srv.Close()

	v := New(Config{Settings: settings(srv.URL), Store: newStore(), Logger: logging.NewNopLogger()})
	first := v.Validate(context.Background(), false)
	second := v.Validate(context.Background(), false)

	require.True(t, first.Valid)
	require.True(t, second.Valid)
	assert.Equal(t, int64(1), calls.Load(), "second call must be served from cache")
}

func TestRateLimitPreservesPreviousState(t *testing.T) {
	var rateLimit atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rateLimit.Load() {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"valid": true, "bot_assigned": true,
			"details": map[string]any{"tier": "pro"},
		})
	}))
	defer srv.Close()

	v := New(Config{Settings: settings(srv.URL), Store: newStore(), Logger: logging.NewNopLogger()})
	good := v.Validate(context.Background(), true)
	require.True(t, good.Valid, "setup: expected valid state")

	rateLimit.Store(true)
	throttled := v.Validate(context.Background(), true)

	require.True(t, throttled.Valid, "rate limit must preserve previous validity: %+v", throttled)
	require.True(t, throttled.BotAssigned)
	assert.JSONEq(t, string(good.Details), string(throttled.Details), "details lost on rate limit")
	assert.Equal(t, "rate_limited", throttled.Error)
	assert.Equal(t, 2, throttled.BackoffMultiplier)
}

func TestValidationFailureMarksInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := New(Config{Settings: settings(srv.URL), Store: newStore(), Logger: logging.NewNopLogger()})
	state := v.Validate(context.Background(), true)

	require.False(t, state.Valid, "expected invalid state: %+v", state)
	require.False(t, state.BotAssigned)
	assert.Equal(t, "validation_failed", state.Error)
	assert.NotEmpty(t, state.ErrorMessage)
	assert.Equal(t, 2, state.BackoffMultiplier)
}

func TestBackoffCapAndInterval(t *testing.T) {
	v := New(Config{Settings: settings("http://unused.example.com"), Logger: logging.NewNopLogger()})

	assert.Equal(t, 32, doubled(32))
	assert.Equal(t, 2, doubled(0))

	v.mu.Lock()
	v.state.BackoffMultiplier = 32
	got := v.refreshIntervalLocked()
	v.mu.Unlock()
	assert.Equal(t, 10*time.Hour, got, "schedule interval must cap at 10h")
}

func TestShouldNotify(t *testing.T) {
	cfg := settings("http://unused.example.com")
	v := New(Config{Settings: cfg, Logger: logging.NewNopLogger()})

	assert.False(t, v.ShouldNotify(), "invalid license must not notify")
	v.mu.Lock()
	v.state.Valid = true
	v.state.BotAssigned = true
	v.mu.Unlock()
	assert.True(t, v.ShouldNotify(), "valid assigned license must notify")

	cfg.NotificationsEnabled = false
	v2 := New(Config{Settings: cfg, Logger: logging.NewNopLogger()})
	v2.mu.Lock()
	v2.state.Valid = true
	v2.state.BotAssigned = true
	v2.mu.Unlock()
	assert.False(t, v2.ShouldNotify(), "feature flag must suppress notifications")
}
