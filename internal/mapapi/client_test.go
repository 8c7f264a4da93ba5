package mapapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

func testClient(t *testing.T, srv *httptest.Server, slug string) *Client {
	t.Helper()
	store := cache.New(cache.Options{MaxEntries: 100, DefaultTTL: time.Hour}, cache.MetricsHooks{})
	c, err := NewClient(Config{
		MapURL: srv.URL + "/" + slug,
		APIKey: "key",
		Store:  store,
		Logger: logging.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return c
}

func TestNewClientRejectsMalformedURL(t *testing.T) {
	if _, err := NewClient(Config{MapURL: "not a url", Logger: logging.NewNopLogger()}); err == nil {
		t.Fatalf("expected malformed url error")
	}
	if _, err := NewClient(Config{MapURL: "https://host.example.com", Logger: logging.NewNopLogger()}); err == nil {
		t.Fatalf("expected missing slug error")
	}
}

func TestGetMapIdentity(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "srv-1"}})
	}))
	defer srv.Close()

	c := testClient(t, srv, "wormhole-map")
	id, err := c.GetMap(context.Background())
	if err != nil || id != "srv-1" {
		t.Fatalf("expected srv-1, got %q err=%v", id, err)
	}
	if gotPath != "/api/maps/wormhole-map" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer key" {
		t.Fatalf("missing bearer auth, got %q", gotAuth)
	}
}

func TestGetMapSystems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"systems": []map[string]any{
				{"solar_system_id": 30000142, "name": "Jita", "status": 1},
			},
			"connections": []map[string]any{
				{"solar_system_source_id": 30000142, "solar_system_target_id": 30000144},
			},
		}})
	}))
	defer srv.Close()

	c := testClient(t, srv, "m")
	data, err := c.GetMapSystems(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(data.Systems) != 1 || data.Systems[0].SolarSystemID != 30000142 {
		t.Fatalf("unexpected systems %+v", data.Systems)
	}
	// The *_id variant must normalize onto the stripped names.
	if len(data.Connections) != 1 || data.Connections[0].Source != 30000142 || data.Connections[0].Target != 30000144 {
		t.Fatalf("unexpected connections %+v", data.Connections)
	}
}

func TestGetMapSystemUnwrapsAttributes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"attributes": map[string]any{"solar_system_id": 31000001, "name": "J123456"}},
		}})
	}))
	defer srv.Close()

	c := testClient(t, srv, "m")
	sys, err := c.GetMapSystem(context.Background(), 31000001)
	if err != nil || sys.Name != "J123456" {
		t.Fatalf("unexpected system %+v err=%v", sys, err)
	}
}

func TestConnectionKeyUnordered(t *testing.T) {
	a := Connection{Source: 2, Target: 1}
	b := Connection{Source: 1, Target: 2}
	if a.Key() != b.Key() {
		t.Fatalf("expected identical unordered keys")
	}
	if !a.Matches(1, 2) || !a.Matches(2, 1) {
		t.Fatalf("expected undirected match")
	}
}

func TestLabelsRoundTrip(t *testing.T) {
	if got, err := DecodeLabels(nil); err != nil || got != nil {
		t.Fatalf("nil labels must decode empty, got %v %v", got, err)
	}

	encoded, err := EncodeLabels([]string{"c", "x"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeLabels(&encoded)
	if err != nil || len(decoded) != 2 || decoded[0] != "c" {
		t.Fatalf("round trip failed: %v %v", decoded, err)
	}

	bad := "{not json"
	if _, err := DecodeLabels(&bad); err == nil {
		t.Fatalf("expected decode error")
	}
}
