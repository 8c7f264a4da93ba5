package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wanderer-industries/wanderer-core/internal/monitor"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
	"github.com/wanderer-industries/wanderer-core/pkg/pubsub"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, maps ...string) {
	t.Helper()

	if err := conn.WriteJSON(SubscriptionMessage{Action: "subscribe", Maps: maps}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var confirm map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&confirm); err != nil {
		t.Fatalf("read confirmation: %v", err)
	}
	if confirm["type"] != "subscription_confirmed" {
		t.Fatalf("got confirmation type %v", confirm["type"])
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return msg
}

func TestBroadcastReachesSubscribedClient(t *testing.T) {
	hub := NewHub(nil, logging.NewNopLogger())
	go hub.Run()
	defer hub.Stop()

	conn := dialHub(t, hub)
	subscribe(t, conn, "map-one")

	hub.BroadcastMapEvent("map-one", "data_updated", "map-one")

	msg := readMessage(t, conn)
	if msg.Type != "data_updated" {
		t.Errorf("type = %q, want data_updated", msg.Type)
	}
	if msg.MapID != "map-one" {
		t.Errorf("map_id = %q, want map-one", msg.MapID)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestBroadcastSkipsOtherMaps(t *testing.T) {
	hub := NewHub(nil, logging.NewNopLogger())
	go hub.Run()
	defer hub.Stop()

	conn := dialHub(t, hub)
	subscribe(t, conn, "map-one")

	hub.BroadcastMapEvent("map-two", "data_updated", nil)
	hub.BroadcastMapEvent("map-one", "data_updated", nil)

	// Only the map-one event should come through.
	msg := readMessage(t, conn)
	if msg.MapID != "map-one" {
		t.Errorf("map_id = %q, want map-one", msg.MapID)
	}
}

func TestWildcardSubscription(t *testing.T) {
	hub := NewHub(nil, logging.NewNopLogger())
	go hub.Run()
	defer hub.Stop()

	conn := dialHub(t, hub)
	subscribe(t, conn, "all")

	hub.BroadcastMapEvent("anything", "border_systems_detected", []string{"B"})

	msg := readMessage(t, conn)
	if msg.Type != "border_systems_detected" {
		t.Errorf("type = %q", msg.Type)
	}
}

func TestRelayTopicForwardsBusTraffic(t *testing.T) {
	hub := NewHub(nil, logging.NewNopLogger())
	go hub.Run()
	defer hub.Stop()

	bus := pubsub.NewBus(logging.NewNopLogger(), 0)

	hub.RelayTopic(bus, "https://maps.example/wh", "map-one")

	conn := dialHub(t, hub)
	subscribe(t, conn, "map-one")

	bus.Broadcast("https://maps.example/wh", "data_updated", "map-one")

	msg := readMessage(t, conn)
	if msg.Type != "data_updated" || msg.MapID != "map-one" {
		t.Errorf("got %+v", msg)
	}
}

func TestMonitorTracksClientLifecycle(t *testing.T) {
	mon := monitor.New(logging.NewNopLogger())
	hub := NewHub(mon, logging.NewNopLogger())
	go hub.Run()
	defer hub.Stop()

	conn := dialHub(t, hub)
	subscribe(t, conn, "map-one")

	reports := mon.Snapshot()
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}
	if reports[0].Kind != monitor.KindWebSocket {
		t.Errorf("kind = %q", reports[0].Kind)
	}
	if reports[0].Status != monitor.StatusConnected {
		t.Errorf("status = %q", reports[0].Status)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, _ := mon.Status(reports[0].ID); st == monitor.StatusDisconnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never marked disconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStats(t *testing.T) {
	hub := NewHub(nil, logging.NewNopLogger())
	go hub.Run()
	defer hub.Stop()

	conn := dialHub(t, hub)
	subscribe(t, conn, "map-one", "map-two")

	stats := hub.Stats()
	if stats["total_clients"] != 1 {
		t.Errorf("total_clients = %v", stats["total_clients"])
	}
	counts := stats["map_subscriptions"].(map[string]int)
	if counts["map-one"] != 1 || counts["map-two"] != 1 {
		t.Errorf("map_subscriptions = %v", counts)
	}
}
