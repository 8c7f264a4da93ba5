package mapstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/wanderer-industries/wanderer-core/internal/mapapi"
	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/clients"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

// DefaultStaticInfoURL is the public game-universe API.
const DefaultStaticInfoURL = "https://esi.evetech.net/latest"

// StaticInfo serves per-system enrichment blobs, cached for an hour. Lookups
// go through the ESI-preset client so the shared error-limit backpressure
// applies.
type StaticInfo struct {
	baseURL string
	store   *cache.Cache
	http    *clients.Client
	logger  logging.Logger
}

// NewStaticInfo builds the facade. A nil httpClient gets the ESI preset
// backed by the shared cache.
func NewStaticInfo(baseURL string, store *cache.Cache, httpClient *clients.Client, logger logging.Logger) *StaticInfo {
	if baseURL == "" {
		baseURL = DefaultStaticInfoURL
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if httpClient == nil {
		httpClient = clients.New(clients.ServicePreset(clients.ServiceESI), store, logger, clients.Options{})
	}
	return &StaticInfo{baseURL: baseURL, store: store, http: httpClient, logger: logger}
}

// Get returns the static-info blob for a solar system, or nil when the
// upstream has nothing. Failures degrade to nil; enrichment is best-effort.
func (s *StaticInfo) Get(ctx context.Context, solarSystemID int64) json.RawMessage {
	key := cache.Key("system", strconv.FormatInt(solarSystemID, 10))
	if s.store != nil {
		if raw, ok := s.store.Get(key); ok {
			if blob, ok := raw.(json.RawMessage); ok {
				return blob
			}
		}
	}

	var blob json.RawMessage
	url := fmt.Sprintf("%s/universe/systems/%d/", s.baseURL, solarSystemID)
	if err := s.http.Get(ctx, url, clients.Auth{}, &blob); err != nil {
		s.logger.WithFields(logging.Fields{
			"solar_system_id": solarSystemID,
			"error":           err.Error(),
		}).Debug("Static info lookup failed")
		return nil
	}
	if s.store != nil {
		s.store.Put(key, blob, cache.TTLFor("system"))
	}
	return blob
}

// Enrich overlays static info onto each system that lacks it.
func (s *StaticInfo) Enrich(ctx context.Context, systems []mapapi.System) {
	for i := range systems {
		if len(systems[i].StaticInfo) > 0 {
			continue
		}
		systems[i].StaticInfo = s.Get(ctx, systems[i].SolarSystemID)
	}
}
