package clients

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"
)

// AuthType selects how credentials are attached to a request.
type AuthType int

const (
	AuthNone AuthType = iota
	AuthBearer
	AuthAPIKey
	AuthBasic
)

// Auth holds request credentials.
type Auth struct {
	Type  AuthType
	Token string // bearer
	Key   string // api key
	User  string // basic
	Pass  string
}

// Apply sets the matching authentication header.
func (a Auth) Apply(h http.Header) {
	switch a.Type {
	case AuthBearer:
		h.Set("Authorization", "Bearer "+a.Token)
	case AuthAPIKey:
		h.Set("X-API-Key", a.Key)
	case AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(a.User + ":" + a.Pass))
		h.Set("Authorization", "Basic "+creds)
	}
}

// Request is the value passed down the middleware chain.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    any // JSON-encoded for POST/PUT/PATCH when non-nil
	Auth    Auth

	// Timeout overrides the service preset for this request.
	Timeout time.Duration
}

// Response is the normalized HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Handler advances a request to the rest of the chain.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps request execution. Implementations call next to continue
// the chain and may short-circuit by returning without doing so.
type Middleware interface {
	Handle(ctx context.Context, req *Request, next Handler) (*Response, error)
}

// Chain composes middlewares around a terminal handler, outermost first.
func Chain(terminal Handler, mws ...Middleware) Handler {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		inner := h
		h = func(ctx context.Context, req *Request) (*Response, error) {
			return mw.Handle(ctx, req, inner)
		}
	}
	return h
}
