package clients

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

// Header-driven limits.
const (
	esiLimitNamespace = "esi_error_limit"

	discordGlobalLimit     = 50
	discordGlobalWindow    = time.Second
	discordWebhookLimit    = 5
	discordWebhookWindow   = 2 * time.Second
	discordRateLimitPrefix = "discord_rate_limit"
)

type esiLimitState struct {
	Remaining int
	ResetAt   time.Time
}

// DynamicRateLimiter throttles based on limits advertised by the server: the
// ESI error-limit headers and the Discord X-RateLimit family.
type DynamicRateLimiter struct {
	store  *cache.Cache
	logger logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// NewDynamicRateLimiter builds the header-driven limiter over the shared
// cache.
func NewDynamicRateLimiter(store *cache.Cache, logger logging.Logger) *DynamicRateLimiter {
	store.Protect(discordRateLimitPrefix, esiLimitNamespace)
	return &DynamicRateLimiter{store: store, logger: logger, sleep: sleepCtx, now: time.Now}
}

func (d *DynamicRateLimiter) Handle(ctx context.Context, req *Request, next Handler) (*Response, error) {
	host := hostOf(req.URL)

	if webhookID, ok := discordWebhookID(req.URL); ok {
		if err := d.admitDiscord(ctx, webhookID); err != nil {
			return nil, err
		}
	} else if err := d.waitForESIWindow(ctx, host); err != nil {
		return nil, err
	}

	resp, err := next(ctx, req)
	if resp != nil {
		if webhookID, ok := discordWebhookID(req.URL); ok {
			d.recordDiscordHeaders(webhookID, resp)
		} else {
			d.recordESIHeaders(host, resp)
		}
	}
	return resp, err
}

// recordDiscordHeaders tracks an exhausted webhook bucket so the next call
// is rejected locally until the advertised reset.
func (d *DynamicRateLimiter) recordDiscordHeaders(webhookID string, resp *Response) {
	remaining := resp.Headers.Get("X-RateLimit-Remaining")
	resetAfter := resp.Headers.Get("X-RateLimit-Reset-After")
	if remaining != "0" || resetAfter == "" {
		return
	}
	secs, err := strconv.ParseFloat(resetAfter, 64)
	if err != nil || secs <= 0 {
		return
	}
	until := d.now().Add(time.Duration(secs * float64(time.Second)))
	d.store.Put(
		fmt.Sprintf("%s:webhook:%s:blocked", discordRateLimitPrefix, webhookID),
		until, time.Duration(secs*float64(time.Second))+time.Second)
}

// waitForESIWindow blocks proportionally to how close the error budget is to
// exhaustion: 10% of the reset window at <=5 remaining, 30% at <=3, the full
// window at <=1.
func (d *DynamicRateLimiter) waitForESIWindow(ctx context.Context, host string) error {
	v, ok := d.store.Get(cache.Key(esiLimitNamespace, host))
	if !ok {
		return nil
	}
	state, ok := v.(esiLimitState)
	if !ok {
		return nil
	}
	now := d.now()
	if state.Remaining > 5 || !now.Before(state.ResetAt) {
		return nil
	}

	var fraction float64
	switch {
	case state.Remaining <= 1:
		fraction = 1.0
	case state.Remaining <= 3:
		fraction = 0.3
	default:
		fraction = 0.1
	}
	wait := time.Duration(float64(state.ResetAt.Sub(now)) * fraction)
	if d.logger != nil {
		d.logger.WithFields(logging.Fields{
			"host":      host,
			"remaining": state.Remaining,
			"wait":      wait.String(),
		}).Warn("ESI error limit low, backing off")
	}
	return d.sleep(ctx, wait)
}

func (d *DynamicRateLimiter) recordESIHeaders(host string, resp *Response) {
	remain := resp.Headers.Get("X-ESI-Error-Limit-Remain")
	reset := resp.Headers.Get("X-ESI-Error-Limit-Reset")
	if remain == "" || reset == "" {
		return
	}
	remaining, err1 := strconv.Atoi(remain)
	resetSecs, err2 := strconv.Atoi(reset)
	if err1 != nil || err2 != nil {
		return
	}
	state := esiLimitState{
		Remaining: remaining,
		ResetAt:   d.now().Add(time.Duration(resetSecs) * time.Second),
	}
	d.store.Put(cache.Key(esiLimitNamespace, host), state, time.Duration(resetSecs+1)*time.Second)
}

// admitDiscord enforces the global 50 req/s ceiling and the per-webhook
// 5 req / 2 s bucket.
func (d *DynamicRateLimiter) admitDiscord(ctx context.Context, webhookID string) error {
	if v, ok := d.store.Get(fmt.Sprintf("%s:webhook:%s:blocked", discordRateLimitPrefix, webhookID)); ok {
		if until, isTime := v.(time.Time); isTime && d.now().Before(until) {
			return fmt.Errorf("discord webhook %s blocked until reset: %w", webhookID, ErrRateLimited)
		}
	}
	global := d.store.UpdateWindowedCounter(discordRateLimitPrefix+":global", discordGlobalWindow, 0)
	if global.Requests > discordGlobalLimit {
		return fmt.Errorf("discord global bucket full: %w", ErrRateLimited)
	}
	perHook := d.store.UpdateWindowedCounter(
		fmt.Sprintf("%s:webhook:%s", discordRateLimitPrefix, webhookID),
		discordWebhookWindow, 0)
	if perHook.Requests > discordWebhookLimit {
		return fmt.Errorf("discord webhook %s bucket full: %w", webhookID, ErrRateLimited)
	}
	return ctx.Err()
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return "unknown"
}

func discordWebhookID(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.HasSuffix(u.Hostname(), "discord.com") {
		return "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "webhooks" && i+1 < len(parts) {
			return parts[i+1], true
		}
	}
	return "", false
}
