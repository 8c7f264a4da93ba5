package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wanderer-industries/wanderer-core/pkg/clients"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
	"github.com/wanderer-industries/wanderer-core/pkg/pubsub"
)

// State is the client's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// DefaultEventTypes is the subscription filter used when none is given.
var DefaultEventTypes = []string{
	"add_system",
	"deleted_system",
	"connection_added",
	"connection_removed",
	"connection_updated",
	"system_metadata_changed",
}

const (
	baseReconnectDelay = time.Second
	maxReconnectDelay  = 30 * time.Second
	reconnectJitter    = 0.4
)

// ConnectionTracker receives connection lifecycle updates. The connection
// monitor implements it; a nil tracker disables reporting.
type ConnectionTracker interface {
	Register(id, kind string)
	SetStatus(id string, status string)
	Heartbeat(id string)
}

// Config describes one map's event stream.
type Config struct {
	MapID      string
	MapURL     string
	Token      string
	EventTypes []string // defaults to DefaultEventTypes

	// LastEventID seeds the resume cursor, normally empty.
	LastEventID string

	// MaxReconnectAttempts caps consecutive failed connects before the
	// client gives up and enters the failed state. Zero means retry forever.
	MaxReconnectAttempts int

	ConnectTimeout    time.Duration // default 30s
	ReceiveTimeout    time.Duration // 0 means never idle-close
	KeepaliveInterval time.Duration // default 30s

	Bus     *pubsub.Bus
	Tracker ConnectionTracker
	HTTP    *clients.Client // streaming preset; built when nil
	Logger  logging.Logger
}

// Client maintains one long-lived SSE connection to a map's event stream,
// parses its records and fans valid events out on the map topic.
type Client struct {
	cfg     Config
	baseURL string
	slug    string
	http    *clients.Client
	bus     *pubsub.Bus
	tracker ConnectionTracker
	logger  logging.Logger

	mu          sync.Mutex
	state       State
	lastEventID string
	attempts    int

	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	// seams for tests
	sleep  func(ctx context.Context, d time.Duration) error
	randFn func() float64
}

// New validates the map URL and builds a stopped client. Call Start to
// connect.
func New(cfg Config) (*Client, error) {
	parsed, err := url.Parse(cfg.MapURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid map url %q", cfg.MapURL)
	}
	slug := strings.Trim(parsed.Path, "/")
	if slug == "" {
		return nil, fmt.Errorf("map url %q has no slug", cfg.MapURL)
	}
	if len(cfg.EventTypes) == 0 {
		cfg.EventTypes = DefaultEventTypes
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = clients.New(clients.ServicePreset(clients.ServiceStreaming), nil, logger, clients.Options{})
	}

	c := &Client{
		cfg:         cfg,
		baseURL:     parsed.Scheme + "://" + parsed.Host,
		slug:        slug,
		http:        httpClient,
		bus:         cfg.Bus,
		tracker:     cfg.Tracker,
		logger:      logger,
		state:       StateDisconnected,
		lastEventID: cfg.LastEventID,
		sleep:       sleepCtx,
		randFn:      rand.Float64,
	}
	if c.tracker != nil {
		c.tracker.Register(c.monitorID(), "sse")
	}
	return c, nil
}

func (c *Client) monitorID() string {
	return "sse:" + c.cfg.MapID
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastEventID reports the resume cursor, the id of the last event handed
// off to the bus.
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.tracker != nil {
		c.tracker.SetStatus(c.monitorID(), string(s))
	}
}

// Start launches the connection loop. Safe to call once.
func (c *Client) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop closes the connection, cancels any pending reconnect and waits for
// the loop to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	first := true
	for {
		if first {
			c.setState(StateConnecting)
			first = false
		} else {
			c.setState(StateReconnecting)
		}

		err := c.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return
		}

		attempts := c.bumpAttempts()
		if max := c.cfg.MaxReconnectAttempts; max > 0 && attempts > max {
			c.logger.WithFields(logging.Fields{
				"map_id":   c.cfg.MapID,
				"attempts": attempts,
			}).Error("Event stream giving up after repeated failures")
			c.setState(StateFailed)
			return
		}

		delay := c.reconnectDelay(attempts)
		c.logger.WithFields(logging.Fields{
			"map_id":  c.cfg.MapID,
			"attempt": attempts,
			"delay":   delay.String(),
			"error":   errString(err),
		}).Warn("Event stream disconnected, reconnecting")

		if err := c.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (c *Client) bumpAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

func (c *Client) resetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

// reconnectDelay is min(30s, 1s * 2^(attempt-1)) with +-40% jitter.
func (c *Client) reconnectDelay(attempt int) time.Duration {
	delay := baseReconnectDelay
	for i := 1; i < attempt && delay < maxReconnectDelay; i++ {
		delay *= 2
	}
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	jitter := (c.randFn()*2 - 1) * reconnectJitter
	jittered := time.Duration(float64(delay) * (1 + jitter))
	if jittered > maxReconnectDelay {
		jittered = maxReconnectDelay
	}
	return jittered
}

// streamURL assembles the subscription endpoint with the event filter and,
// when resuming, the last acknowledged event id.
func (c *Client) streamURL() string {
	q := url.Values{}
	q.Set("events", strings.Join(c.cfg.EventTypes, ","))
	c.mu.Lock()
	if c.lastEventID != "" {
		q.Set("last_event_id", c.lastEventID)
	}
	c.mu.Unlock()
	return c.baseURL + "/api/maps/" + c.slug + "/events/stream?" + q.Encode()
}

func (c *Client) connectAndConsume(ctx context.Context) error {
	// The watchdog bounds connection establishment only; once headers have
	// arrived the stream is allowed to stay open indefinitely.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	watchdog := time.AfterFunc(c.cfg.ConnectTimeout, cancelStream)

	req := &clients.Request{
		Method: http.MethodGet,
		URL:    c.streamURL(),
		Auth:   clients.Auth{Type: clients.AuthBearer, Token: c.cfg.Token},
		Headers: http.Header{
			"Accept":        []string{"text/event-stream"},
			"Cache-Control": []string{"no-cache"},
			"Connection":    []string{"keep-alive"},
		},
	}
	resp, err := c.http.Stream(streamCtx, req)
	if !watchdog.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		return errors.New("connect timeout")
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.resetAttempts()
	c.setState(StateConnected)
	c.logger.WithFields(logging.Fields{"map_id": c.cfg.MapID}).Info("Event stream connected")

	stop := c.startKeepalive(streamCtx)
	defer stop()

	return c.consume(streamCtx, resp.Body, cancelStream)
}

// startKeepalive reports liveness to the connection monitor while the
// stream is up.
func (c *Client) startKeepalive(ctx context.Context) func() {
	if c.tracker == nil {
		return func() {}
	}
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tracker.Heartbeat(c.monitorID())
			}
		}
	}()
	return func() {
		ticker.Stop()
		<-done
	}
}

func (c *Client) consume(ctx context.Context, body io.Reader, cancelStream context.CancelFunc) error {
	reader := bufio.NewReader(body)

	var idle *time.Timer
	if c.cfg.ReceiveTimeout > 0 {
		idle = time.AfterFunc(c.cfg.ReceiveTimeout, cancelStream)
		defer idle.Stop()
	}

	for {
		f, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("stream closed by remote")
			}
			return err
		}
		if idle != nil {
			idle.Reset(c.cfg.ReceiveTimeout)
		}
		if len(f.data) == 0 {
			continue
		}
		c.handleFrame(f)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) handleFrame(f frame) {
	ev, err := decodeEvent(f)
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"map_id": c.cfg.MapID,
			"error":  err.Error(),
		}).Warn("Dropping unparseable event")
		return
	}
	if err := ev.validate(); err != nil {
		c.logger.WithFields(logging.Fields{
			"map_id": c.cfg.MapID,
			"type":   ev.Type,
			"error":  err.Error(),
		}).Warn("Dropping invalid event")
		return
	}

	switch categoryFor(ev.Type) {
	case categorySystem, categoryConnection:
		c.bus.Broadcast(c.cfg.MapURL, ev.Type, ev)
	case categorySpecial:
		if ev.Type == EventConnected {
			c.logger.WithFields(logging.Fields{
				"map_id":      c.cfg.MapID,
				"server_time": ev.ServerTime,
			}).Info("Event stream handshake complete")
		}
	default:
		// character, acl, signature and the rest are not ours to handle.
	}

	c.mu.Lock()
	c.lastEventID = ev.ID
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
