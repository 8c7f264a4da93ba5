package clients

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for the non-retryable HTTP client statuses and for local
// rate-limit rejections.
var (
	ErrBadRequest   = errors.New("bad_request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not_found")
	ErrRateLimited  = errors.New("rate_limited")
)

// StatusError is an HTTP response surfaced as an error, carrying a parsed
// Retry-After hint when the server provided one.
type StatusError struct {
	Code          int
	RetryAfter    time.Duration
	HasRetryAfter bool
	Body          []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

// HTTPStatus implements retry.StatusCoder.
func (e *StatusError) HTTPStatus() int { return e.Code }

// RetryAfterHint implements retry.RetryAfterHinter.
func (e *StatusError) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.HasRetryAfter
}

// asStatus is a small errors.As wrapper used by the middlewares.
func asStatus(err error, target **StatusError) bool {
	return errors.As(err, target)
}

// Unwrap maps client statuses onto their sentinel reasons so callers can use
// errors.Is without inspecting codes.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}
