// Package retry implements the shared retry utility: bounded attempts with
// exponential, linear or fixed backoff, jitter, Retry-After hints and a
// classification hook deciding which failures are worth another attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// Mode selects the backoff progression.
type Mode int

const (
	Exponential Mode = iota
	Linear
	Fixed
)

// DefaultJitterFraction is applied when Config.JitterFraction is zero.
const DefaultJitterFraction = 0.2

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfterHinter is implemented by errors that carry a server-provided
// retry delay, typically parsed from a Retry-After header.
type RetryAfterHinter interface {
	RetryAfterHint() (time.Duration, bool)
}

// Config tunes Run.
type Config struct {
	MaxAttempts    int
	Base           time.Duration
	MaxBackoff     time.Duration
	Mode           Mode
	JitterFraction float64

	// IsRetryable classifies errors. Nil means DefaultRetryable.
	IsRetryable func(error) bool
	// RetryableStatusCodes extends classification for StatusCoder errors.
	RetryableStatusCodes map[int]bool

	// OnRetry is invoked before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep overrides the backoff sleep, for tests. Nil uses a timer honoring
	// ctx cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// HTTPConfig returns the retry preset for HTTP calls: transient network
// failures plus 408/429/5xx, exponential backoff.
func HTTPConfig() Config {
	return Config{
		MaxAttempts: 3,
		Base:        500 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
		Mode:        Exponential,
		RetryableStatusCodes: map[int]bool{
			http.StatusRequestTimeout:      true,
			http.StatusTooManyRequests:     true,
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		},
	}
}

// FixedConfig returns a preset that retries every interval.
func FixedConfig(interval time.Duration, attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		Base:        interval,
		MaxBackoff:  interval,
		Mode:        Fixed,
	}
}

// DefaultRetryable reports whether err is a transient network failure.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ECONNRESET)
}

func (c Config) retryable(err error) bool {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return c.RetryableStatusCodes[sc.HTTPStatus()]
	}
	if c.IsRetryable != nil {
		return c.IsRetryable(err)
	}
	return DefaultRetryable(err)
}

// Delay computes the backoff before the given retry attempt (1-based),
// including jitter and any Retry-After hint carried by err.
func (c Config) Delay(attempt int, err error) time.Duration {
	var d time.Duration
	switch c.Mode {
	case Linear:
		d = c.Base * time.Duration(attempt)
	case Fixed:
		d = c.Base
	default:
		d = c.Base << uint(attempt-1)
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}

	var hinter RetryAfterHinter
	if errors.As(err, &hinter) {
		if hint, ok := hinter.RetryAfterHint(); ok {
			d = hint
			if c.MaxBackoff > 0 && d > c.MaxBackoff {
				d = c.MaxBackoff
			}
			return d
		}
	}

	jf := c.JitterFraction
	if jf == 0 {
		jf = DefaultJitterFraction
	}
	if jf > 0 && d > 0 {
		d += time.Duration(rand.Float64() * jf * float64(d))
	}
	return d
}

// Do runs fn with retries per cfg. A panic inside fn is converted to an
// error rather than propagated.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := call(ctx, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts || !cfg.retryable(err) {
			break
		}
		delay := cfg.Delay(attempt, err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}
		if err := sleep(ctx, cfg, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// Go runs Do on a new goroutine and delivers the outcome on the returned
// channel.
func Go[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) <-chan Result[T] {
	out := make(chan Result[T], 1)
	go func() {
		v, err := Do(ctx, cfg, fn)
		out <- Result[T]{Value: v, Err: err}
	}()
	return out
}

// Result carries an async retry outcome.
type Result[T any] struct {
	Value T
	Err   error
}

func call[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during retried call: %v", r)
		}
	}()
	return fn(ctx)
}

func sleep(ctx context.Context, cfg Config, d time.Duration) error {
	if cfg.Sleep != nil {
		return cfg.Sleep(ctx, d)
	}
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

// ParseRetryAfter parses a Retry-After header value: integer seconds first,
// HTTP-date second.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
