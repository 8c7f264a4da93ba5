package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/wanderer-industries/wanderer-core/internal/mapactor"
	"github.com/wanderer-industries/wanderer-core/internal/mapapi"
	"github.com/wanderer-industries/wanderer-core/internal/mapstore"
	"github.com/wanderer-industries/wanderer-core/internal/monitor"
	"github.com/wanderer-industries/wanderer-core/internal/topology"
	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
	"github.com/wanderer-industries/wanderer-core/pkg/pubsub"
)

func testRouter(t *testing.T, deps Deps) *gin.Engine {
	t.Helper()

	gin.SetMode(gin.TestMode)
	if deps.Cache == nil {
		deps.Cache = cache.New(cache.Options{}, cache.MetricsHooks{})
	}
	if deps.Registry == nil {
		deps.Registry = mapactor.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}

	router := gin.New()
	New(deps).RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, path string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]any
	if len(rec.Body.Bytes()) > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, body
}

func TestGetStatus(t *testing.T) {
	bus := pubsub.NewBus(logging.NewNopLogger(), 0)
	mon := monitor.New(logging.NewNopLogger())
	mon.Register("sse:map-one", monitor.KindSSE)

	router := testRouter(t, Deps{
		Store:   mapstore.NewMemory(),
		Bus:     bus,
		Monitor: mon,
	})

	code, body := doJSON(t, router, "/api/status")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["service"] != "wayfinder" {
		t.Errorf("service = %v", body["service"])
	}
	conns := body["connections"].([]any)
	if len(conns) != 1 {
		t.Errorf("got %d connections, want 1", len(conns))
	}
	if _, ok := body["cache"]; !ok {
		t.Error("cache stats missing")
	}
	if _, ok := body["bus"]; !ok {
		t.Error("bus stats missing")
	}
}

func TestGetTopologyServesCachedViews(t *testing.T) {
	store := mapstore.NewMemory(mapapi.Map{ID: "map-one", IsMain: true})
	c := cache.New(cache.Options{}, cache.MetricsHooks{})
	c.Put(topology.AssembledViewKey("map-one"), mapapi.MapData{
		Systems: []mapapi.System{{SolarSystemID: 31000001, MapID: "map-one"}},
	}, cache.NoExpiry)

	router := testRouter(t, Deps{Store: store, Cache: c})

	code, body := doJSON(t, router, "/api/topology")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	maps := body["maps"].(map[string]any)
	if _, ok := maps["map-one"]; !ok {
		t.Fatalf("map-one view missing: %v", maps)
	}
}

func TestListMapsReportsRunningState(t *testing.T) {
	store := mapstore.NewMemory(
		mapapi.Map{ID: "map-one", Title: "Main", IsMain: true},
		mapapi.Map{ID: "map-two", Title: "Satellite"},
	)
	registry := mapactor.NewRegistry()
	registry.Register("map-one", nil)

	router := testRouter(t, Deps{Store: store, Registry: registry})

	code, body := doJSON(t, router, "/api/maps")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	maps := body["maps"].([]any)
	if len(maps) != 2 {
		t.Fatalf("got %d maps", len(maps))
	}
	running := make(map[string]bool)
	for _, raw := range maps {
		m := raw.(map[string]any)
		running[m["id"].(string)] = m["running"].(bool)
	}
	if !running["map-one"] || running["map-two"] {
		t.Errorf("running flags = %v", running)
	}
}

func TestGetMapDataNotRunning(t *testing.T) {
	router := testRouter(t, Deps{Store: mapstore.NewMemory()})

	code, _ := doJSON(t, router, "/api/maps/ghost/data")
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestGetMapDataViews(t *testing.T) {
	c := cache.New(cache.Options{}, cache.MetricsHooks{})
	raw := mapapi.MapData{Systems: []mapapi.System{
		{SolarSystemID: 31000001, Status: mapapi.HomeStatus},
		{SolarSystemID: 31000002},
	}}
	c.Put(mapactor.RawViewKey("map-one"), raw, cache.NoExpiry)
	c.Put(mapactor.FilteredViewKey("map-one"), mapactor.FilterFromHome(raw, "map-one"), cache.NoExpiry)

	registry := mapactor.NewRegistry()
	registry.Register("map-one", nil)

	router := testRouter(t, Deps{Store: mapstore.NewMemory(), Cache: c, Registry: registry})

	code, body := doJSON(t, router, "/api/maps/map-one/data?view=raw")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(body["systems"].([]any)) != 2 {
		t.Errorf("raw view systems = %v", body["systems"])
	}

	code, body = doJSON(t, router, "/api/maps/map-one/data")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(body["systems"].([]any)) != 1 {
		t.Errorf("filtered view systems = %v", body["systems"])
	}
}
