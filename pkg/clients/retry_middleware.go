package clients

import (
	"context"
	"time"

	"github.com/wanderer-industries/wanderer-core/pkg/logging"
	"github.com/wanderer-industries/wanderer-core/pkg/retry"
)

// RetryMiddleware re-executes the downstream chain on retryable failures.
type RetryMiddleware struct {
	Config retry.Config
	Logger logging.Logger
}

func (m *RetryMiddleware) Handle(ctx context.Context, req *Request, next Handler) (*Response, error) {
	cfg := m.Config
	if m.Logger != nil && cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			m.Logger.WithFields(logging.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
				"method":  req.Method,
				"url":     req.URL,
			}).WithError(err).Warn("Retrying HTTP request")
		}
	}
	return retry.Do(ctx, cfg, func(ctx context.Context) (*Response, error) {
		return next(ctx, req)
	})
}
