// Package monitor tracks the health of long-lived connections (SSE streams
// and WebSocket clients) and scores their quality for the status API.
package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

// Connection statuses, mirroring the stream client state machine.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusReconnecting = "reconnecting"
	StatusFailed       = "failed"
)

// Connection kinds.
const (
	KindSSE       = "sse"
	KindWebSocket = "websocket"
)

const pingSampleWindow = 10

// DisconnectEvent records one outage. Duration stays zero until the
// connection comes back.
type DisconnectEvent struct {
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}

type connection struct {
	id   string
	kind string

	status        string
	connectedAt   time.Time
	lastHeartbeat time.Time

	pingTime    float64
	pingSamples []float64

	totalConnected    time.Duration
	totalDisconnected time.Duration
	lastConnectedAt   time.Time
	lastDisconnectAt  time.Time
	disconnects       []DisconnectEvent
}

// Report is the public snapshot of one connection.
type Report struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind"`
	Status         string            `json:"status"`
	ConnectedAt    time.Time         `json:"connected_at,omitempty"`
	LastHeartbeat  time.Time         `json:"last_heartbeat,omitempty"`
	PingTime       float64           `json:"ping_time_ms"`
	PingSamples    []float64         `json:"ping_samples,omitempty"`
	UptimePercent  float64           `json:"uptime_percent"`
	Quality        float64           `json:"quality"`
	Category       string            `json:"category"`
	Disconnects    []DisconnectEvent `json:"disconnects,omitempty"`
	Recommendation string            `json:"recommendation,omitempty"`
}

// Monitor is the registry of tracked connections.
type Monitor struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	logger logging.Logger
	now    func() time.Time
}

// New builds an empty monitor.
func New(logger logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Monitor{
		conns:  make(map[string]*connection),
		logger: logger,
		now:    time.Now,
	}
}

// Register adds a connection in the disconnected state. Re-registering an
// existing id is a no-op.
func (m *Monitor) Register(id, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; ok {
		return
	}
	m.conns[id] = &connection{id: id, kind: kind, status: StatusDisconnected}
}

// SetStatus applies a state transition and updates uptime bookkeeping.
func (m *Monitor) SetStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return
	}
	if c.status == status {
		return
	}
	now := m.now()

	switch status {
	case StatusConnected:
		if !c.lastDisconnectAt.IsZero() {
			outage := now.Sub(c.lastDisconnectAt)
			c.totalDisconnected += outage
			if n := len(c.disconnects); n > 0 && c.disconnects[n-1].Duration == 0 {
				c.disconnects[n-1].Duration = outage
			}
			c.lastDisconnectAt = time.Time{}
		}
		c.connectedAt = now
		c.lastConnectedAt = now
	case StatusDisconnected, StatusReconnecting, StatusFailed:
		// Reconnecting is a drop too: the stream must leave connected before
		// it can dial again, so it gets the same uptime bookkeeping.
		if c.status == StatusConnected {
			c.totalConnected += now.Sub(c.lastConnectedAt)
		}
		if c.lastDisconnectAt.IsZero() {
			c.lastDisconnectAt = now
			c.disconnects = append(c.disconnects, DisconnectEvent{At: now})
		}
	}

	m.logger.WithFields(logging.Fields{
		"connection": id,
		"from":       c.status,
		"to":         status,
	}).Debug("Connection status change")
	c.status = status
}

// Heartbeat records liveness for heartbeat-carrying connections.
func (m *Monitor) Heartbeat(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[id]; ok {
		c.lastHeartbeat = m.now()
	}
}

// RecordPing appends a round-trip sample in milliseconds, keeping the last
// ten.
func (m *Monitor) RecordPing(id string, ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return
	}
	c.pingTime = ms
	c.pingSamples = append(c.pingSamples, ms)
	if len(c.pingSamples) > pingSampleWindow {
		c.pingSamples = c.pingSamples[len(c.pingSamples)-pingSampleWindow:]
	}
}

// ProcessDied marks a connection whose owning task terminated.
func (m *Monitor) ProcessDied(id string) {
	m.SetStatus(id, StatusFailed)
}

// Status returns the current status for an id.
func (m *Monitor) Status(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return "", false
	}
	return c.status, true
}

// Snapshot reports all connections, sorted by id.
func (m *Monitor) Snapshot() []Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Report, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, m.report(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Report returns the snapshot for one connection.
func (m *Monitor) Report(id string) (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return Report{}, false
	}
	return m.report(c), true
}

func (m *Monitor) report(c *connection) Report {
	uptime := m.uptimePercent(c)
	quality := m.quality(c, uptime)
	r := Report{
		ID:            c.id,
		Kind:          c.kind,
		Status:        c.status,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: c.lastHeartbeat,
		PingTime:      c.pingTime,
		PingSamples:   append([]float64(nil), c.pingSamples...),
		UptimePercent: uptime,
		Quality:       quality,
		Category:      categoryFor(quality),
		Disconnects:   append([]DisconnectEvent(nil), c.disconnects...),
	}
	r.Recommendation = recommend(r)
	return r
}

// uptimePercent folds the current run into the totals. Fresh connections
// with no history report 99.0 while connected.
func (m *Monitor) uptimePercent(c *connection) float64 {
	connected := c.totalConnected
	disconnected := c.totalDisconnected
	now := m.now()
	if c.status == StatusConnected && !c.lastConnectedAt.IsZero() {
		connected += now.Sub(c.lastConnectedAt)
	}
	if !c.lastDisconnectAt.IsZero() {
		disconnected += now.Sub(c.lastDisconnectAt)
	}
	total := connected + disconnected
	if total == 0 {
		if c.status == StatusConnected {
			return 99.0
		}
		return 0
	}
	pct := float64(connected) / float64(total) * 100
	return math.Round(pct*10) / 10
}

// Quality weights per connection kind: ping, uptime, heartbeat, status.
// SSE streams carry no heartbeats so that weight shifts to uptime and
// status.
func weightsFor(kind string) [4]float64 {
	if kind == KindSSE {
		return [4]float64{0.3, 0.5, 0.0, 0.2}
	}
	return [4]float64{0.3, 0.4, 0.2, 0.1}
}

func (m *Monitor) quality(c *connection, uptimePct float64) float64 {
	w := weightsFor(c.kind)
	score := w[0]*pingHealth(c.pingSamples) +
		w[1]*(uptimePct/100) +
		w[2]*m.heartbeatHealth(c) +
		w[3]*statusHealth(c.status)
	return math.Round(score*1000) / 1000
}

func pingHealth(samples []float64) float64 {
	if len(samples) == 0 {
		return 1.0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	avg := sum / float64(len(samples))
	switch {
	case avg <= 100:
		return 1.0
	case avg <= 250:
		return 0.8
	case avg <= 500:
		return 0.5
	default:
		return 0.2
	}
}

func (m *Monitor) heartbeatHealth(c *connection) float64 {
	if c.lastHeartbeat.IsZero() {
		return 0
	}
	age := m.now().Sub(c.lastHeartbeat)
	switch {
	case age <= time.Minute:
		return 1.0
	case age <= 2*time.Minute:
		return 0.5
	default:
		return 0
	}
}

func statusHealth(status string) float64 {
	switch status {
	case StatusConnected:
		return 1.0
	case StatusConnecting, StatusReconnecting:
		return 0.5
	default:
		return 0
	}
}

func categoryFor(quality float64) string {
	switch {
	case quality >= 0.9:
		return "excellent"
	case quality >= 0.7:
		return "good"
	case quality >= 0.5:
		return "poor"
	default:
		return "critical"
	}
}

func recommend(r Report) string {
	switch {
	case r.Status == StatusFailed:
		return "connection failed; check upstream availability and credentials"
	case r.Status == StatusReconnecting && len(r.Disconnects) >= 3:
		return "frequent reconnects; check network stability"
	case r.Category == "critical":
		return "connection quality critical; investigate upstream"
	case r.Category == "poor":
		return "degraded connection quality"
	default:
		return ""
	}
}
