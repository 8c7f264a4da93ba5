package clients

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
	"github.com/wanderer-industries/wanderer-core/pkg/retry"
)

const httpRateLimitNamespace = "http_rate_limit"

// RateLimitConfig tunes the static (bucket) rate limiter.
type RateLimitConfig struct {
	RequestsPerWindow int64
	Window            time.Duration
	BurstCapacity     int64
	// PerHost keys buckets by request host; otherwise a single global bucket
	// is used.
	PerHost bool
	// EnableBackoff makes the limiter sleep a server-provided Retry-After
	// before handing the failure back to the retry layer.
	EnableBackoff bool
}

// RateLimiter admits requests against a windowed-counter bucket stored in
// the shared cache. A full bucket rejects locally with ErrRateLimited before
// any bytes reach the wire.
type RateLimiter struct {
	cfg    RateLimitConfig
	store  *cache.Cache
	logger logging.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter builds a static rate limiter over the shared cache.
func NewRateLimiter(cfg RateLimitConfig, store *cache.Cache, logger logging.Logger) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.BurstCapacity <= 0 {
		cfg.BurstCapacity = cfg.RequestsPerWindow
	}
	// Bucket counters must survive cache pressure or admission resets
	// mid-window.
	store.Protect(httpRateLimitNamespace)
	return &RateLimiter{cfg: cfg, store: store, logger: logger, sleep: sleepCtx}
}

func (rl *RateLimiter) bucketKey(rawURL string) string {
	if !rl.cfg.PerHost {
		return httpRateLimitNamespace + ":global"
	}
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return fmt.Sprintf("%s:%s", httpRateLimitNamespace, host)
}

func (rl *RateLimiter) Handle(ctx context.Context, req *Request, next Handler) (*Response, error) {
	key := rl.bucketKey(req.URL)
	count := rl.store.UpdateWindowedCounter(key, rl.cfg.Window, 0)
	if count.Requests > rl.cfg.BurstCapacity {
		if rl.logger != nil {
			rl.logger.WithFields(logging.Fields{
				"bucket":   key,
				"requests": count.Requests,
				"burst":    rl.cfg.BurstCapacity,
			}).Debug("Local rate limit bucket full")
		}
		return nil, fmt.Errorf("bucket %s full: %w", key, ErrRateLimited)
	}

	resp, err := next(ctx, req)
	if err == nil {
		return resp, nil
	}

	// A server 429 with Retry-After optionally sleeps here so the retry
	// layer's next attempt lands after the server window.
	var se *StatusError
	if rl.cfg.EnableBackoff && asStatus(err, &se) && se.Code == 429 && se.HasRetryAfter {
		if sleepErr := rl.sleep(ctx, se.RetryAfter); sleepErr != nil {
			return nil, sleepErr
		}
		// Hand back a hint-free failure; the wait already happened.
		return nil, &StatusError{Code: se.Code, Body: se.Body}
	}
	return nil, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryAfterFromHeader re-exports the shared Retry-After parser for callers
// that handle raw responses.
func RetryAfterFromHeader(value string) (time.Duration, bool) {
	return retry.ParseRetryAfter(value, time.Now())
}
