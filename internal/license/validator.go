// Package license validates the deployment's license against the remote
// license manager and caches the outcome. The validator is a singleton;
// callers always get a structured state back, never an error.
package license

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/clients"
	"github.com/wanderer-industries/wanderer-core/pkg/config"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

// Product is the product identifier sent to the license manager.
const Product = "wanderer_notifier"

const (
	maxBackoffMultiplier = 32
	maxScheduleMultiple  = 10
	validateTimeout      = 5 * time.Second
)

// Counts tracks notifications sent per kind during this run.
type Counts struct {
	System    int `json:"system"`
	Character int `json:"character"`
	Killmail  int `json:"killmail"`
}

// State is the validator's public snapshot.
type State struct {
	Valid              bool            `json:"valid"`
	BotAssigned        bool            `json:"bot_assigned"`
	Details            json.RawMessage `json:"details,omitempty"`
	Error              string          `json:"error,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	LastValidated      int64           `json:"last_validated"`
	NotificationCounts Counts          `json:"notification_counts"`
	BackoffMultiplier  int             `json:"backoff_multiplier"`
}

// Config wires the validator's collaborators.
type Config struct {
	Settings config.Settings
	Store    *cache.Cache
	HTTP     *clients.Client // license preset; built when nil
	Logger   logging.Logger

	// now is a test seam.
	Now func() time.Time
}

// Validator periodically revalidates the license and serves the cached
// state to callers.
type Validator struct {
	settings config.Settings
	store    *cache.Cache
	http     *clients.Client
	logger   logging.Logger
	now      func() time.Time

	mu    sync.Mutex
	state State
	timer *time.Timer

	group singleflight.Group
}

// New builds a stopped validator. Call Start to run the refresh schedule.
func New(cfg Config) *Validator {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = clients.New(clients.ServicePreset(clients.ServiceLicense), cfg.Store, logger, clients.Options{})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{
		settings: cfg.Settings,
		store:    cfg.Store,
		http:     httpClient,
		logger:   logger,
		now:      now,
		state:    State{BackoffMultiplier: 1},
	}
}

// Start performs the initial validation and arms the refresh schedule.
func (v *Validator) Start(ctx context.Context) {
	v.Validate(ctx, true)
	v.scheduleRefresh(ctx)
}

// Stop cancels the pending refresh.
func (v *Validator) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
}

// Current returns the in-memory state without touching the remote.
func (v *Validator) Current() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// ShouldNotify reports whether change-driven notifications may be sent.
func (v *Validator) ShouldNotify() bool {
	if !v.settings.NotificationsEnabled {
		return false
	}
	s := v.Current()
	return s.Valid && s.BotAssigned
}

// RecordNotification bumps the per-kind counter used by the status API.
func (v *Validator) RecordNotification(kind string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch kind {
	case "system":
		v.state.NotificationCounts.System++
	case "character":
		v.state.NotificationCounts.Character++
	case "killmail":
		v.state.NotificationCounts.Killmail++
	}
}

// Validate returns the license state. Without force it serves the cached
// result when fresh; with force it always revalidates. The call path is
// bounded at 5s and degrades to a safe invalid state, never an error.
func (v *Validator) Validate(ctx context.Context, force bool) State {
	if s, ok := v.devModeState(); ok {
		return s
	}
	if !force {
		if s, ok := v.cachedState(); ok {
			return s
		}
	}

	result, err, _ := v.group.Do("validate", func() (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				v.logger.WithFields(logging.Fields{"panic": r}).Error("License validation panicked")
				res, err = v.safeDefault(), nil
			}
		}()
		callCtx, cancel := context.WithTimeout(ctx, validateTimeout)
		defer cancel()
		return v.refresh(callCtx), nil
	})
	if err != nil {
		return v.safeDefault()
	}
	return result.(State)
}

// devModeState short-circuits validation in dev and test environments when
// credentials are absent, so local runs work without a license.
func (v *Validator) devModeState() (State, bool) {
	if !v.settings.Env.IsDevLike() {
		return State{}, false
	}
	if v.settings.LicenseKey != "" && v.settings.LicenseManagerAPIKey != "" {
		return State{}, false
	}
	return State{
		Valid:             true,
		BotAssigned:       true,
		Details:           json.RawMessage(`{"license_valid":true,"message":"Development mode"}`),
		LastValidated:     v.now().Unix(),
		BackoffMultiplier: 1,
	}, true
}

func (v *Validator) cacheKey() string {
	return cache.Key("license", "status")
}

func (v *Validator) cachedState() (State, bool) {
	if v.store == nil {
		return State{}, false
	}
	raw, ok := v.store.Get(v.cacheKey())
	if !ok {
		return State{}, false
	}
	s, ok := raw.(State)
	return s, ok
}

func (v *Validator) storeState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
	if v.store != nil {
		v.store.Put(v.cacheKey(), s, cache.TTLFor("license"))
	}
}

type validateResponse struct {
	Valid         *bool           `json:"valid"`
	LicenseValid  *bool           `json:"license_valid"`
	BotAssigned   *bool           `json:"bot_assigned"`
	BotAssociated *bool           `json:"bot_associated"`
	Details       json.RawMessage `json:"details"`
	Message       string          `json:"message"`
}

func boolField(primary, alias *bool) bool {
	if primary != nil {
		return *primary
	}
	if alias != nil {
		return *alias
	}
	return false
}

// refresh performs the remote call and folds the outcome into state.
func (v *Validator) refresh(ctx context.Context) State {
	prev := v.Current()

	var decoded validateResponse
	err := v.http.Post(ctx, v.settings.LicenseManagerAPIURL+"/validate_bot",
		clients.Auth{Type: clients.AuthBearer, Token: v.settings.LicenseManagerAPIKey},
		map[string]string{"license_key": v.settings.LicenseKey, "product": Product},
		&decoded)

	next := prev
	next.LastValidated = v.now().Unix()

	switch {
	case err == nil:
		next.Valid = boolField(decoded.LicenseValid, decoded.Valid)
		next.BotAssigned = boolField(decoded.BotAssigned, decoded.BotAssociated)
		next.Details = decoded.Details
		next.Error = ""
		next.ErrorMessage = ""
		next.BackoffMultiplier = 1
		if next.Valid && !next.BotAssigned {
			v.logger.Warn("License is valid but no bot is assigned")
		}
		if !next.Valid {
			v.logger.WithFields(logging.Fields{"message": decoded.Message}).Warn("License rejected by manager")
		}
	case errors.Is(err, clients.ErrRateLimited):
		// Keep trusting the previous answer; only record the throttle.
		next.Error = "rate_limited"
		next.ErrorMessage = err.Error()
		next.BackoffMultiplier = doubled(prev.BackoffMultiplier)
		v.logger.WithFields(logging.Fields{
			"backoff_multiplier": next.BackoffMultiplier,
		}).Warn("License manager rate limited validation")
	default:
		next.Valid = false
		next.BotAssigned = false
		next.Error = "validation_failed"
		next.ErrorMessage = err.Error()
		next.BackoffMultiplier = doubled(prev.BackoffMultiplier)
		v.logger.WithFields(logging.Fields{"error": err.Error()}).Error("License validation failed")
	}

	v.storeState(next)
	return next
}

func doubled(multiplier int) int {
	if multiplier < 1 {
		multiplier = 1
	}
	multiplier *= 2
	if multiplier > maxBackoffMultiplier {
		multiplier = maxBackoffMultiplier
	}
	return multiplier
}

func (v *Validator) scheduleRefresh(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.timer != nil {
		v.timer.Stop()
	}
	v.timer = time.AfterFunc(v.refreshIntervalLocked(), func() {
		if ctx.Err() != nil {
			return
		}
		v.Validate(ctx, true)
		v.scheduleRefresh(ctx)
	})
}

// refreshIntervalLocked applies the backoff multiplier to the configured
// refresh interval, capped at ten times the base.
func (v *Validator) refreshIntervalLocked() time.Duration {
	base := v.settings.LicenseRefreshInterval
	if base <= 0 {
		base = time.Hour
	}
	multiplier := v.state.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	if multiplier > maxScheduleMultiple {
		multiplier = maxScheduleMultiple
	}
	return base * time.Duration(multiplier)
}

// safeDefault is what callers see when validation itself breaks.
func (v *Validator) safeDefault() State {
	return State{
		Valid:             false,
		Error:             "timeout",
		ErrorMessage:      "license validation timed out",
		LastValidated:     v.now().Unix(),
		BackoffMultiplier: doubled(v.Current().BackoffMultiplier),
	}
}
