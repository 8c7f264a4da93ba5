package mapactor

import (
	"github.com/wanderer-industries/wanderer-core/internal/mapapi"
	"github.com/wanderer-industries/wanderer-core/pkg/cache"
)

// Cache keys shared between the actors and the topology pass. Raw views are
// the full per-map state; filtered views are the home-reachable subgraph.
func RawViewKey(mapID string) string {
	return cache.Key("map_data", mapID, "raw")
}

func FilteredViewKey(mapID string) string {
	return cache.Key("map_data", mapID, "filtered")
}

func StartedKey(mapID string) string {
	return cache.Key("map_data", mapID, "started")
}

// MainMapKey holds the id of the current main map.
func MainMapKey() string {
	return cache.Key("map_data", "shared", "main")
}

// RawView reads a map's raw view from the cache; a missing view is empty.
func RawView(store *cache.Cache, mapID string) mapapi.MapData {
	if raw, ok := store.Get(RawViewKey(mapID)); ok {
		if view, ok := raw.(mapapi.MapData); ok {
			return view
		}
	}
	return mapapi.MapData{}
}

// FilteredView reads a map's filtered view from the cache.
func FilteredView(store *cache.Cache, mapID string) mapapi.MapData {
	if raw, ok := store.Get(FilteredViewKey(mapID)); ok {
		if view, ok := raw.(mapapi.MapData); ok {
			return view
		}
	}
	return mapapi.MapData{}
}

// MainMapID returns the id of the main map, if one has registered.
func MainMapID(store *cache.Cache) (string, bool) {
	raw, ok := store.Get(MainMapKey())
	if !ok {
		return "", false
	}
	id, ok := raw.(string)
	return id, ok
}

// FilterFromHome computes the filtered view: the subgraph reachable from the
// home system (status == 1) over the raw edges. A map with no home yields an
// empty view. Edges referencing systems absent from the raw view are never
// traversed. Retained systems get their map_id rewritten to the owning map.
func FilterFromHome(raw mapapi.MapData, mapID string) mapapi.MapData {
	var home int64
	found := false
	for _, s := range raw.Systems {
		if s.IsHome() {
			home = s.SolarSystemID
			found = true
			break
		}
	}
	if !found {
		return mapapi.MapData{}
	}

	present := make(map[int64]bool, len(raw.Systems))
	for _, s := range raw.Systems {
		present[s.SolarSystemID] = true
	}

	adjacency := make(map[int64][]int64)
	for _, c := range raw.Connections {
		if !present[c.Source] || !present[c.Target] {
			continue
		}
		adjacency[c.Source] = append(adjacency[c.Source], c.Target)
		adjacency[c.Target] = append(adjacency[c.Target], c.Source)
	}

	reachable := map[int64]bool{home: true}
	queue := []int64{home}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[current] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	var out mapapi.MapData
	for _, s := range raw.Systems {
		if reachable[s.SolarSystemID] {
			s.MapID = mapID
			out.Systems = append(out.Systems, s)
		}
	}
	for _, c := range raw.Connections {
		if reachable[c.Source] && reachable[c.Target] {
			out.Connections = append(out.Connections, c)
		}
	}
	return out
}
