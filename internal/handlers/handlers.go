// Package handlers exposes the service HTTP API: runtime status, assembled
// topology views, per-map data, and the WebSocket relay endpoint.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wanderer-industries/wanderer-core/internal/license"
	"github.com/wanderer-industries/wanderer-core/internal/mapactor"
	"github.com/wanderer-industries/wanderer-core/internal/mapstore"
	"github.com/wanderer-industries/wanderer-core/internal/monitor"
	"github.com/wanderer-industries/wanderer-core/internal/relay"
	"github.com/wanderer-industries/wanderer-core/internal/topology"
	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
	"github.com/wanderer-industries/wanderer-core/pkg/pubsub"
	"github.com/wanderer-industries/wanderer-core/pkg/version"
)

// Deps carries everything the API surfaces.
type Deps struct {
	Store     mapstore.Store
	Cache     *cache.Cache
	Bus       *pubsub.Bus
	Registry  *mapactor.Registry
	Monitor   *monitor.Monitor
	License   *license.Validator
	Runner    *topology.Runner
	Hub       *relay.Hub
	Logger    logging.Logger
	StartedAt time.Time
}

// Handler serves the service API.
type Handler struct {
	deps Deps
}

func New(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now().UTC()
	}
	return &Handler{deps: deps}
}

// RegisterRoutes attaches the API to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/topology", h.GetTopology)
		api.GET("/maps", h.ListMaps)
		api.GET("/maps/:id/data", h.GetMapData)
	}
	if h.deps.Hub != nil {
		router.GET("/ws", gin.WrapF(h.deps.Hub.ServeWS))
	}
}

// GetStatus reports service health in one document.
func (h *Handler) GetStatus(c *gin.Context) {
	status := gin.H{
		"service":        "wayfinder",
		"version":        version.Version,
		"uptime_seconds": int64(time.Since(h.deps.StartedAt).Seconds()),
	}

	if h.deps.License != nil {
		status["license"] = h.deps.License.Current()
	}
	if h.deps.Monitor != nil {
		status["connections"] = h.deps.Monitor.Snapshot()
	}
	if h.deps.Bus != nil {
		status["bus"] = gin.H{"dropped_messages": h.deps.Bus.Dropped()}
	}
	if h.deps.Cache != nil {
		status["cache"] = h.deps.Cache.GetStats()
	}
	if h.deps.Hub != nil {
		status["relay"] = h.deps.Hub.Stats()
	}
	if h.deps.Registry != nil {
		actors := h.deps.Registry.All()
		ids := make([]string, 0, len(actors))
		for _, a := range actors {
			ids = append(ids, a.Map().ID)
		}
		status["active_maps"] = ids
	}

	c.JSON(http.StatusOK, status)
}

// GetTopology returns the merged cross-map view per map. `?refresh=true`
// forces a synchronous topology pass first.
func (h *Handler) GetTopology(c *gin.Context) {
	if c.Query("refresh") == "true" && h.deps.Runner != nil {
		h.deps.Runner.RunNow(c.Request.Context())
	}

	maps, err := h.deps.Store.ListMaps(c.Request.Context())
	if err != nil {
		h.deps.Logger.WithFields(logging.Fields{"error": err.Error()}).Error("Failed to list maps")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list maps"})
		return
	}

	views := make(gin.H, len(maps))
	for _, m := range maps {
		if view, ok := topology.AssembledView(h.deps.Cache, m.ID); ok {
			views[m.ID] = view
		}
	}
	c.JSON(http.StatusOK, gin.H{"maps": views})
}

// ListMaps returns the configured map records with their running state.
func (h *Handler) ListMaps(c *gin.Context) {
	maps, err := h.deps.Store.ListMaps(c.Request.Context())
	if err != nil {
		h.deps.Logger.WithFields(logging.Fields{"error": err.Error()}).Error("Failed to list maps")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list maps"})
		return
	}

	out := make([]gin.H, 0, len(maps))
	for _, m := range maps {
		_, running := h.deps.Registry.Lookup(m.ID)
		out = append(out, gin.H{
			"id":      m.ID,
			"title":   m.Title,
			"is_main": m.IsMain,
			"running": running,
		})
	}
	c.JSON(http.StatusOK, gin.H{"maps": out})
}

// GetMapData returns one map's view. `?view=raw` skips home-reachability
// filtering.
func (h *Handler) GetMapData(c *gin.Context) {
	mapID := c.Param("id")
	if _, ok := h.deps.Registry.Lookup(mapID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "map not running"})
		return
	}

	var data any
	if c.Query("view") == "raw" {
		data = mapactor.RawView(h.deps.Cache, mapID)
	} else {
		data = mapactor.FilteredView(h.deps.Cache, mapID)
	}
	c.JSON(http.StatusOK, data)
}
