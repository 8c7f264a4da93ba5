// Package topology implements the cross-map pass: border detection over the
// per-map raw views and assembly of the deduplicated read-only views.
package topology

import (
	"context"
	"sort"

	"github.com/wanderer-industries/wanderer-core/internal/mapactor"
	"github.com/wanderer-industries/wanderer-core/internal/mapapi"
	"github.com/wanderer-industries/wanderer-core/internal/mapstore"
	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
	"github.com/wanderer-industries/wanderer-core/pkg/pubsub"
)

// AssembledViewKey caches one map's output of the last pass.
func AssembledViewKey(mapID string) string {
	return cache.Key("map_data", mapID, "assembled")
}

// AssembledView reads a map's assembled view from the cache.
func AssembledView(store *cache.Cache, mapID string) (mapapi.MapData, bool) {
	raw, ok := store.Get(AssembledViewKey(mapID))
	if !ok {
		return mapapi.MapData{}, false
	}
	view, ok := raw.(mapapi.MapData)
	return view, ok
}

// Pass computes border systems and the deduplicated per-map views.
type Pass struct {
	store      mapstore.Store
	cache      *cache.Cache
	bus        *pubsub.Bus
	staticInfo *mapstore.StaticInfo // optional enrichment
	logger     logging.Logger
}

// New builds a pass. staticInfo may be nil to skip enrichment.
func New(store mapstore.Store, c *cache.Cache, bus *pubsub.Bus, staticInfo *mapstore.StaticInfo, logger logging.Logger) *Pass {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Pass{store: store, cache: c, bus: bus, staticInfo: staticInfo, logger: logger}
}

// neighborRegistry is solar_system_id -> map_id -> neighbor set.
type neighborRegistry map[int64]map[string]map[int64]bool

// Run executes the full pass and returns the assembled views keyed by map
// id. Results are also cached for the read-only API.
func (p *Pass) Run(ctx context.Context) (map[string]mapapi.MapData, error) {
	maps, err := p.store.ListMaps(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(maps, func(i, j int) bool {
		return maps[i].IsMain && !maps[j].IsMain
	})

	views := make(map[string]mapapi.MapData, len(maps))
	for _, m := range maps {
		views[m.ID] = mapactor.RawView(p.cache, m.ID)
	}

	registry := buildRegistry(views)
	borders := p.detectBorders(maps, registry)

	borderIDs := make([]int64, 0, len(borders))
	for id := range borders {
		borderIDs = append(borderIDs, id)
	}
	sort.Slice(borderIDs, func(i, j int) bool { return borderIDs[i] < borderIDs[j] })

	for _, m := range maps {
		p.bus.Broadcast(mapactor.ServerTopic(m.ID), "border_systems_detected",
			mapactor.BorderNotice{BorderSystems: borderIDs})
	}

	assembled := p.assemble(maps, views, borders)

	if p.staticInfo != nil {
		for id, view := range assembled {
			p.staticInfo.Enrich(ctx, view.Systems)
			assembled[id] = view
		}
	}

	for id, view := range assembled {
		p.cache.Put(AssembledViewKey(id), view, cache.TTLFor("map_data"))
	}

	p.logger.WithFields(logging.Fields{
		"maps":    len(maps),
		"borders": len(borderIDs),
	}).Debug("Topology pass complete")
	return assembled, nil
}

func buildRegistry(views map[string]mapapi.MapData) neighborRegistry {
	registry := make(neighborRegistry)
	touch := func(systemID int64, mapID string) map[int64]bool {
		byMap, ok := registry[systemID]
		if !ok {
			byMap = make(map[string]map[int64]bool)
			registry[systemID] = byMap
		}
		set, ok := byMap[mapID]
		if !ok {
			set = make(map[int64]bool)
			byMap[mapID] = set
		}
		return set
	}

	for mapID, view := range views {
		for _, s := range view.Systems {
			touch(s.SolarSystemID, mapID)
		}
		for _, c := range view.Connections {
			touch(c.Source, mapID)[c.Target] = true
			touch(c.Target, mapID)[c.Source] = true
		}
	}
	return registry
}

// detectBorders flags systems present in main with a non-empty neighbor set
// and in at least one other map whose neighbor set is non-empty and disjoint
// from main's. Returns system id -> border map ids, main first.
func (p *Pass) detectBorders(maps []mapapi.Map, registry neighborRegistry) map[int64][]string {
	var mainID string
	for _, m := range maps {
		if m.IsMain {
			mainID = m.ID
			break
		}
	}
	if mainID == "" {
		return nil
	}

	mapOrder := make(map[string]int, len(maps))
	for i, m := range maps {
		mapOrder[m.ID] = i
	}

	borders := make(map[int64][]string)
	for systemID, byMap := range registry {
		mainSet := byMap[mainID]
		if len(mainSet) == 0 {
			continue
		}
		others := make([]string, 0, len(byMap)-1)
		qualified := true
		for mapID, set := range byMap {
			if mapID == mainID {
				continue
			}
			if len(set) == 0 || !disjoint(mainSet, set) {
				qualified = false
				break
			}
			others = append(others, mapID)
		}
		if !qualified || len(others) == 0 {
			continue
		}
		sort.Slice(others, func(i, j int) bool { return mapOrder[others[i]] < mapOrder[others[j]] })
		borders[systemID] = append([]string{mainID}, others...)
	}
	return borders
}

func disjoint(a, b map[int64]bool) bool {
	for k := range a {
		if b[k] {
			return false
		}
	}
	return true
}

// assemble walks maps main-first, giving each system and undirected edge to
// the earliest map that holds it. Edges touching a claimed system go with
// the claim.
func (p *Pass) assemble(maps []mapapi.Map, views map[string]mapapi.MapData, borders map[int64][]string) map[string]mapapi.MapData {
	usedSystems := make(map[int64]bool)
	usedConnections := make(map[mapapi.ConnectionKey]bool)

	out := make(map[string]mapapi.MapData, len(maps))
	for _, m := range maps {
		view := views[m.ID]
		var kept mapapi.MapData

		for _, s := range view.Systems {
			if usedSystems[s.SolarSystemID] {
				continue
			}
			s.MapID = m.ID
			if owners, ok := borders[s.SolarSystemID]; ok {
				s.IsBorder = true
				s.BorderMaps = owners
			}
			kept.Systems = append(kept.Systems, s)
		}
		for _, c := range view.Connections {
			if usedConnections[c.Key()] || usedSystems[c.Source] || usedSystems[c.Target] {
				continue
			}
			kept.Connections = append(kept.Connections, c)
		}

		for _, s := range kept.Systems {
			usedSystems[s.SolarSystemID] = true
		}
		for _, c := range kept.Connections {
			usedConnections[c.Key()] = true
		}
		out[m.ID] = kept
	}
	return out
}
