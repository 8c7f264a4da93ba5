package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
	"github.com/wanderer-industries/wanderer-core/pkg/retry"
)

// Service names with built-in presets.
const (
	ServiceESI       = "esi"
	ServiceLicense   = "license"
	ServiceMap       = "map"
	ServiceStreaming = "streaming"
)

// ServiceConfig is the per-service preset table entry.
type ServiceConfig struct {
	Name    string
	Timeout time.Duration // zero means no timeout
	Retry   retry.Config

	// Static rate limiting; nil disables the middleware.
	RateLimit *RateLimitConfig
	// DynamicRateLimit enables the header-driven limiter (ESI, Discord).
	DynamicRateLimit bool
}

// ServicePreset returns the configuration for a named service.
func ServicePreset(name string) ServiceConfig {
	switch name {
	case ServiceESI:
		cfg := retry.HTTPConfig()
		cfg.MaxAttempts = 4 // 3 retries
		cfg.RetryableStatusCodes = map[int]bool{
			http.StatusTooManyRequests:     true,
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		}
		return ServiceConfig{Name: name, Timeout: 3 * time.Second, Retry: cfg, DynamicRateLimit: true}
	case ServiceLicense:
		cfg := retry.HTTPConfig()
		cfg.MaxAttempts = 3 // 2 retries
		cfg.RetryableStatusCodes = map[int]bool{
			http.StatusTooManyRequests:     true,
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		}
		return ServiceConfig{
			Name:    name,
			Timeout: 3 * time.Second,
			Retry:   cfg,
			RateLimit: &RateLimitConfig{
				RequestsPerWindow: 1,
				Window:            time.Second,
				BurstCapacity:     2,
				PerHost:           true,
			},
		}
	case ServiceMap:
		cfg := retry.HTTPConfig()
		cfg.MaxAttempts = 3 // 2 retries
		cfg.RetryableStatusCodes = map[int]bool{
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		}
		return ServiceConfig{Name: name, Timeout: 60 * time.Second, Retry: cfg}
	case ServiceStreaming:
		return ServiceConfig{Name: name, Retry: retry.Config{MaxAttempts: 1}}
	default:
		return ServiceConfig{Name: name, Timeout: 30 * time.Second, Retry: retry.HTTPConfig()}
	}
}

// Options tunes a Client beyond its service preset.
type Options struct {
	Telemetry *Telemetry
	// CircuitBreaker guards the whole chain when set.
	CircuitBreaker circuitbreaker.CircuitBreaker[*Response]
	// Extra is appended inside the standard chain, before the transport.
	Extra []Middleware
}

// NewCircuitBreaker builds the standard breaker used by typed API clients.
func NewCircuitBreaker(name string, logger logging.Logger) circuitbreaker.CircuitBreaker[*Response] {
	return circuitbreaker.NewBuilder[*Response]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"breaker": name,
				"from":    e.OldState.String(),
				"to":      e.NewState.String(),
			}).Warn("Circuit breaker state change")
		}).
		Build()
}

// Client executes requests through the configured middleware chain.
type Client struct {
	service ServiceConfig
	handler Handler
	http    *http.Client
	breaker circuitbreaker.CircuitBreaker[*Response]
	logger  logging.Logger
}

// New builds a client for a service preset. The cache backs the rate-limit
// buckets; it may be nil when the preset uses no rate limiting.
func New(service ServiceConfig, store *cache.Cache, logger logging.Logger, opts Options) *Client {
	httpClient := &http.Client{
		Transport: DefaultTransport(),
		Timeout:   service.Timeout,
	}

	c := &Client{
		service: service,
		http:    httpClient,
		breaker: opts.CircuitBreaker,
		logger:  logger,
	}

	terminal := c.transportHandler()

	var mws []Middleware
	if opts.Telemetry != nil {
		mws = append(mws, opts.Telemetry.Middleware(service.Name))
	}
	switch service.Name {
	case ServiceESI:
		// Retry wraps the dynamic limiter so header-driven waits happen on
		// every attempt.
		mws = append(mws, &RetryMiddleware{Config: service.Retry, Logger: logger})
		mws = append(mws, NewDynamicRateLimiter(store, logger))
	case ServiceLicense:
		mws = append(mws, &RetryMiddleware{Config: service.Retry, Logger: logger})
		if service.RateLimit != nil {
			mws = append(mws, NewRateLimiter(*service.RateLimit, store, logger))
		}
	case ServiceStreaming:
		// No middleware: the stream is handed to the caller untouched.
	default:
		if service.RateLimit != nil {
			mws = append(mws, NewRateLimiter(*service.RateLimit, store, logger))
		}
		mws = append(mws, &RetryMiddleware{Config: service.Retry, Logger: logger})
	}
	mws = append(mws, opts.Extra...)

	c.handler = Chain(terminal, mws...)
	return c
}

// Do executes the request through the middleware chain.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.breaker == nil {
		return c.handler(ctx, req)
	}
	return failsafe.With(c.breaker).Get(func() (*Response, error) {
		return c.handler(ctx, req)
	})
}

// Get issues a GET and decodes a JSON body into out when out is non-nil.
func (c *Client) Get(ctx context.Context, url string, auth Auth, out any) error {
	return c.doJSON(ctx, http.MethodGet, url, auth, nil, out)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, url string, auth Auth, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, url, auth, body, out)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, url string, auth Auth, body, out any) error {
	return c.doJSON(ctx, http.MethodPatch, url, auth, body, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, url string, auth Auth, body any) error {
	return c.doJSON(ctx, http.MethodDelete, url, auth, body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, url string, auth Auth, body, out any) error {
	resp, err := c.Do(ctx, &Request{Method: method, URL: url, Auth: auth, Body: body})
	if err != nil {
		return err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// Stream issues the request and returns the raw response without consuming
// the body. Only valid for the streaming service preset.
func (c *Client) Stream(ctx context.Context, req *Request) (*http.Response, error) {
	httpReq, err := buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp, body)
	}
	return resp, nil
}

// transportHandler is the innermost chain element: it performs the actual
// HTTP exchange and normalizes failures into the error taxonomy.
func (c *Client) transportHandler() Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}

		httpReq, err := buildHTTPRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, statusError(resp, body)
		}
		return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
	}
}

func buildHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	var bodyReader io.Reader
	hasJSONBody := false
	if req.Body != nil {
		switch req.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			encoded, err := json.Marshal(req.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			bodyReader = bytes.NewReader(encoded)
			hasJSONBody = true
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if hasJSONBody && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	req.Auth.Apply(httpReq.Header)
	return httpReq, nil
}

func statusError(resp *http.Response, body []byte) error {
	se := &StatusError{Code: resp.StatusCode, Body: body}
	if after, ok := retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
		se.RetryAfter = after
		se.HasRetryAfter = true
	}
	return se
}
