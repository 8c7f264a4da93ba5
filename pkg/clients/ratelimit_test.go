package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

func okHandler() Handler {
	return func(context.Context, *Request) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Headers: http.Header{}}, nil
	}
}

func TestRateLimiterAdmission(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerWindow: 1,
		Window:            time.Second,
		BurstCapacity:     3,
		PerHost:           true,
	}, testStore(), logging.NewNopLogger())

	req := &Request{Method: "GET", URL: "https://api.example.com/maps"}
	admitted := 0
	for i := 0; i < 10; i++ {
		_, err := rl.Handle(context.Background(), req, okHandler())
		if err == nil {
			admitted++
		} else if !errors.Is(err, ErrRateLimited) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if admitted != 3 {
		t.Fatalf("expected burst capacity of 3 admissions, got %d", admitted)
	}
}

func TestRateLimiterBucketsArePerHost(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerWindow: 1,
		Window:            time.Second,
		BurstCapacity:     1,
		PerHost:           true,
	}, testStore(), logging.NewNopLogger())

	if _, err := rl.Handle(context.Background(), &Request{URL: "https://a.example.com/"}, okHandler()); err != nil {
		t.Fatalf("first host must be admitted: %v", err)
	}
	if _, err := rl.Handle(context.Background(), &Request{URL: "https://b.example.com/"}, okHandler()); err != nil {
		t.Fatalf("distinct host must have its own bucket: %v", err)
	}
	if _, err := rl.Handle(context.Background(), &Request{URL: "https://a.example.com/"}, okHandler()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected first host bucket to be full, got %v", err)
	}
}

func TestRateLimiterBackoffSleepsRetryAfter(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerWindow: 10,
		Window:            time.Second,
		BurstCapacity:     10,
		EnableBackoff:     true,
	}, testStore(), logging.NewNopLogger())

	var slept time.Duration
	rl.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	next := func(context.Context, *Request) (*Response, error) {
		return nil, &StatusError{Code: 429, RetryAfter: 2 * time.Second, HasRetryAfter: true}
	}
	_, err := rl.Handle(context.Background(), &Request{URL: "https://x.example.com/"}, next)

	var se *StatusError
	if !errors.As(err, &se) || se.HasRetryAfter {
		t.Fatalf("expected a hint-free status error after sleeping, got %v", err)
	}
	if slept != 2*time.Second {
		t.Fatalf("expected 2s sleep, got %v", slept)
	}
}

func TestDynamicLimiterESIBackpressure(t *testing.T) {
	store := testStore()
	d := NewDynamicRateLimiter(store, logging.NewNopLogger())

	now := time.Now()
	d.now = func() time.Time { return now }
	var slept time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = dur
		return nil
	}

	// First response advertises a nearly-exhausted error budget.
	h := http.Header{}
	h.Set("X-ESI-Error-Limit-Remain", "3")
	h.Set("X-ESI-Error-Limit-Reset", "10")
	next := func(context.Context, *Request) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Headers: h}, nil
	}
	req := &Request{Method: "GET", URL: "https://esi.example.com/v1/universe"}
	if _, err := d.Handle(context.Background(), req, next); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	// The follow-up must wait 30% of the remaining reset window.
	if _, err := d.Handle(context.Background(), req, next); err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if slept != 3*time.Second {
		t.Fatalf("expected 3s wait (0.3 of 10s), got %v", slept)
	}
}

func TestDynamicLimiterDiscordBuckets(t *testing.T) {
	d := NewDynamicRateLimiter(testStore(), logging.NewNopLogger())

	admitted := 0
	for i := 0; i < 8; i++ {
		req := &Request{Method: "POST", URL: "https://discord.com/api/webhooks/123/token"}
		_, err := d.Handle(context.Background(), req, okHandler())
		if err == nil {
			admitted++
		} else if !errors.Is(err, ErrRateLimited) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if admitted != discordWebhookLimit {
		t.Fatalf("expected %d webhook admissions, got %d", discordWebhookLimit, admitted)
	}

	// A different webhook id has an independent bucket.
	req := &Request{Method: "POST", URL: "https://discord.com/api/webhooks/456/token"}
	if _, err := d.Handle(context.Background(), req, okHandler()); err != nil {
		t.Fatalf("independent webhook bucket rejected: %v", err)
	}
}

func TestDiscordBlockedUntilReset(t *testing.T) {
	store := testStore()
	d := NewDynamicRateLimiter(store, logging.NewNopLogger())
	now := time.Now()
	d.now = func() time.Time { return now }

	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset-After", "1.5")
	next := func(context.Context, *Request) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Headers: h}, nil
	}
	req := &Request{Method: "POST", URL: "https://discord.com/api/webhooks/789/token"}
	if _, err := d.Handle(context.Background(), req, next); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	if _, err := d.Handle(context.Background(), req, okHandler()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected webhook to be blocked until reset, got %v", err)
	}

	d.now = func() time.Time { return now.Add(2 * time.Second) }
	if _, err := d.Handle(context.Background(), req, okHandler()); err != nil {
		t.Fatalf("expected webhook to be admitted after reset, got %v", err)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return middlewareFunc(func(ctx context.Context, req *Request, next Handler) (*Response, error) {
			order = append(order, name+"-in")
			resp, err := next(ctx, req)
			order = append(order, name+"-out")
			return resp, err
		})
	}
	h := Chain(okHandler(), mk("outer"), mk("inner"))
	if _, err := h(context.Background(), &Request{}); err != nil {
		t.Fatalf("chain failed: %v", err)
	}
	want := fmt.Sprintf("%v", []string{"outer-in", "inner-in", "inner-out", "outer-out"})
	if fmt.Sprintf("%v", order) != want {
		t.Fatalf("unexpected chain order %v", order)
	}
}

type middlewareFunc func(ctx context.Context, req *Request, next Handler) (*Response, error)

func (f middlewareFunc) Handle(ctx context.Context, req *Request, next Handler) (*Response, error) {
	return f(ctx, req, next)
}
