// Package relay pushes topology updates out to WebSocket consumers. Clients
// subscribe to map ids; the hub forwards bus traffic for those maps.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wanderer-industries/wanderer-core/internal/monitor"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
	"github.com/wanderer-industries/wanderer-core/pkg/pubsub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is what subscribers receive.
type Message struct {
	Type      string    `json:"type"`
	MapID     string    `json:"map_id"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SubscriptionMessage is the client's subscribe/unsubscribe request.
type SubscriptionMessage struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Maps   []string `json:"maps"`
}

// Client is one WebSocket consumer.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger logging.Logger

	mu       sync.Mutex
	maps     []string
	pingSent time.Time
}

// Hub maintains the set of active clients and fans map updates out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	monitor    *monitor.Monitor
	logger     logging.Logger
	mutex      sync.RWMutex

	stop chan struct{}
	once sync.Once
}

// NewHub builds a hub. The monitor may be nil.
func NewHub(mon *monitor.Monitor, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		monitor:    mon,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			return
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			if h.monitor != nil {
				h.monitor.Register(client.id, monitor.KindWebSocket)
				h.monitor.SetStatus(client.id, monitor.StatusConnected)
			}
			h.logger.WithFields(logging.Fields{"client_count": count}).Info("Relay client connected")

		case client := <-h.unregister:
			h.dropClient(client)

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// Stop shuts the hub loop down.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stop) })
}

func (h *Hub) dropClient(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mutex.Unlock()
	if h.monitor != nil {
		h.monitor.SetStatus(client.id, monitor.StatusDisconnected)
	}
	h.logger.WithFields(logging.Fields{"client_count": count}).Info("Relay client disconnected")
}

func (h *Hub) fanOut(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		h.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Undecodable relay message")
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		if !client.subscribedTo(msg.MapID) {
			continue
		}
		select {
		case client.send <- message:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (c *Client) subscribedTo(mapID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.maps {
		if m == mapID || m == "all" {
			return true
		}
	}
	return false
}

func (c *Client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.maps...)
}

// BroadcastMapEvent queues an update for every client watching the map.
func (h *Hub) BroadcastMapEvent(mapID, eventType string, data any) {
	message := Message{
		Type:      eventType,
		MapID:     mapID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	encoded, err := json.Marshal(message)
	if err != nil {
		h.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Failed to marshal relay message")
		return
	}
	select {
	case h.broadcast <- encoded:
	default:
		h.logger.Warn("Relay broadcast channel full, dropping message")
	}
}

// RelayTopic forwards bus traffic for one map to the hub's clients until the
// hub stops.
func (h *Hub) RelayTopic(bus *pubsub.Bus, topic, mapID string) {
	sub := bus.Subscribe(topic)
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-h.stop:
				return
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				h.BroadcastMapEvent(mapID, msg.Name, msg.Payload)
			}
		}
	}()
}

// Stats summarizes the hub for the status endpoint.
func (h *Hub) Stats() map[string]any {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	mapCounts := make(map[string]int)
	for client := range h.clients {
		for _, m := range client.subscriptions() {
			mapCounts[m]++
		}
	}
	return map[string]any{
		"total_clients":     len(h.clients),
		"map_subscriptions": mapCounts,
	}
}

// ServeWS upgrades the request and runs the client pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithFields(logging.Fields{"error": err.Error()}).Error("WebSocket upgrade failed")
		return
	}

	client := &Client{
		id:     "ws:" + uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: h.logger,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.hub.monitor != nil {
			c.hub.monitor.Heartbeat(c.id)
			c.mu.Lock()
			sent := c.pingSent
			c.mu.Unlock()
			if !sent.IsZero() {
				c.hub.monitor.RecordPing(c.id, float64(time.Since(sent).Milliseconds()))
			}
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithFields(logging.Fields{"error": err.Error()}).Error("WebSocket connection error")
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("Invalid subscription message")
			continue
		}
		c.handleSubscription(&subMsg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain anything else already queued into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.mu.Lock()
			c.pingSent = time.Now()
			c.mu.Unlock()
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleSubscription(msg *SubscriptionMessage) {
	switch msg.Action {
	case "subscribe":
		c.mu.Lock()
		c.maps = append(c.maps, msg.Maps...)
		c.mu.Unlock()
		c.logger.WithFields(logging.Fields{"maps": msg.Maps}).Info("Relay client subscribed")
		c.confirm("subscription_confirmed")
	case "unsubscribe":
		c.mu.Lock()
		for _, target := range msg.Maps {
			for i, existing := range c.maps {
				if existing == target {
					c.maps = append(c.maps[:i], c.maps[i+1:]...)
					break
				}
			}
		}
		c.mu.Unlock()
		c.confirm("unsubscription_confirmed")
	}
}

func (c *Client) confirm(msgType string) {
	encoded, err := json.Marshal(map[string]any{"type": msgType, "maps": c.subscriptions()})
	if err != nil {
		return
	}
	select {
	case c.send <- encoded:
	default:
	}
}
