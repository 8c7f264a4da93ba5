package clients

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

// Telemetry emits request start/finish/error signals as Prometheus metrics
// and, when verbose logging is enabled, structured log lines.
type Telemetry struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec

	logger     logging.Logger
	logEnabled bool
}

// NewTelemetry registers the HTTP client metrics on reg.
func NewTelemetry(reg prometheus.Registerer, logger logging.Logger, logEnabled bool) *Telemetry {
	t := &Telemetry{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_client_requests_total",
			Help: "Outbound HTTP requests",
		}, []string{"service", "method", "host", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_client_request_duration_seconds",
			Help:    "Outbound HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method", "host"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_client_errors_total",
			Help: "Outbound HTTP request failures by classified kind",
		}, []string{"service", "method", "host", "kind"}),
		logger:     logger,
		logEnabled: logEnabled,
	}
	reg.MustRegister(t.requests, t.duration, t.errors)
	return t
}

// Middleware returns the telemetry middleware tagged with a service name.
func (t *Telemetry) Middleware(service string) Middleware {
	return &telemetryMiddleware{t: t, service: service}
}

type telemetryMiddleware struct {
	t       *Telemetry
	service string
}

func (m *telemetryMiddleware) Handle(ctx context.Context, req *Request, next Handler) (*Response, error) {
	start := time.Now()
	host := hostOf(req.URL)

	if m.t.logEnabled {
		m.t.logger.WithFields(logging.Fields{
			"service": m.service,
			"method":  req.Method,
			"host":    host,
		}).Debug("HTTP request start")
	}

	resp, err := next(ctx, req)
	elapsed := time.Since(start)
	m.t.duration.WithLabelValues(m.service, req.Method, host).Observe(elapsed.Seconds())

	if err != nil {
		kind := classifyError(err)
		m.t.errors.WithLabelValues(m.service, req.Method, host, kind).Inc()
		if m.t.logEnabled {
			m.t.logger.WithFields(logging.Fields{
				"service":  m.service,
				"method":   req.Method,
				"host":     host,
				"duration": elapsed.String(),
				"kind":     kind,
			}).WithError(err).Warn("HTTP request error")
		}
		return nil, err
	}

	m.t.requests.WithLabelValues(m.service, req.Method, host, strconv.Itoa(resp.StatusCode)).Inc()
	if m.t.logEnabled {
		m.t.logger.WithFields(logging.Fields{
			"service":  m.service,
			"method":   req.Method,
			"host":     host,
			"status":   resp.StatusCode,
			"duration": elapsed.String(),
		}).Debug("HTTP request finish")
	}
	return resp, nil
}

func classifyError(err error) string {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return "http_" + strconv.Itoa(se.Code)
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "transport"
}
