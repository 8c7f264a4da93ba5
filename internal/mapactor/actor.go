// Package mapactor runs one long-lived actor per map. Each actor owns its
// map's raw view, applies inbound topology events serially, and keeps the
// cached raw and filtered views current.
package mapactor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wanderer-industries/wanderer-core/internal/mapapi"
	"github.com/wanderer-industries/wanderer-core/internal/mapstore"
	"github.com/wanderer-industries/wanderer-core/internal/sse"
	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
	"github.com/wanderer-industries/wanderer-core/pkg/pubsub"
)

const (
	defaultRefreshInterval = 30 * time.Minute
	bootDelay              = 100 * time.Millisecond

	maxRestarts   = 3
	restartWindow = time.Minute
)

// ServerTopic is the control topic for a map.
func ServerTopic(mapID string) string {
	return "server:" + mapID
}

// BorderNotice is the payload broadcast by the topology pass on each map's
// server topic.
type BorderNotice struct {
	BorderSystems []int64 `json:"border_systems"`
}

// Config wires an actor's collaborators.
type Config struct {
	MapID    string
	Store    mapstore.Store
	Cache    *cache.Cache
	Bus      *pubsub.Bus
	Registry *Registry
	Logger   logging.Logger

	// NewAPIClient builds the remote topology API client for a map. The
	// default uses the map's own url and public api key.
	NewAPIClient func(m mapapi.Map) (*mapapi.Client, error)

	RefreshInterval time.Duration

	// OnTerminate fires once when the actor stops for good, so the paired
	// stream client can be torn down with it.
	OnTerminate func()
}

// Actor is the per-map state owner. Events are processed strictly serially
// in mailbox order.
type Actor struct {
	cfg    Config
	logger logging.Entry

	m           mapapi.Map
	api         *mapapi.Client
	serverMapID string

	mu  sync.RWMutex
	raw mapapi.MapData

	mapSub    *pubsub.Subscription
	serverSub *pubsub.Subscription

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	restarts []time.Time
}

// Start loads the map record, resolves the remote identity and launches the
// event loop. A map whose remote identity cannot be resolved stops itself
// shortly after boot instead of erroring.
func Start(ctx context.Context, cfg Config) (*Actor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.NewAPIClient == nil {
		cfg.NewAPIClient = func(m mapapi.Map) (*mapapi.Client, error) {
			return mapapi.NewClient(mapapi.Config{
				MapURL: m.URL,
				APIKey: m.PublicAPIKey,
				Store:  cfg.Cache,
				Logger: logger,
			})
		}
	}

	record, err := cfg.Store.GetMap(ctx, cfg.MapID)
	if err != nil {
		return nil, err
	}

	a := &Actor{
		cfg:    cfg,
		logger: logger.WithFields(logging.Fields{"map_id": record.ID}),
		m:      *record,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if a.m.IsMain {
		cfg.Cache.Put(MainMapKey(), a.m.ID, cache.NoExpiry)
	}

	a.api, err = cfg.NewAPIClient(a.m)
	if err != nil {
		return nil, err
	}

	if id, err := a.api.GetMap(ctx); err != nil {
		a.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Remote map identity unavailable")
	} else {
		a.serverMapID = id
	}

	if cfg.Registry != nil {
		cfg.Registry.Register(a.m.ID, a)
	}

	if a.serverMapID == "" {
		// No remote identity: linger briefly, then stop for good.
		go func() {
			defer close(a.done)
			select {
			case <-time.After(bootDelay):
			case <-a.stop:
			}
			a.terminate()
		}()
		return a, nil
	}

	a.mapSub = cfg.Bus.Subscribe(a.m.URL)
	a.serverSub = cfg.Bus.Subscribe(ServerTopic(a.m.ID))
	cfg.Cache.Put(StartedKey(a.m.ID), true, cache.NoExpiry)

	go a.supervise()
	return a, nil
}

// Map returns the actor's map record.
func (a *Actor) Map() mapapi.Map { return a.m }

// ServerMapID returns the remote identity, empty when unresolved.
func (a *Actor) ServerMapID() string { return a.serverMapID }

// RawSnapshot returns a copy of the in-memory raw view.
func (a *Actor) RawSnapshot() mapapi.MapData {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.raw.Clone()
}

// Stop shuts the actor down and waits for the loop to exit.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}

// supervise reruns the loop on panic, up to maxRestarts per window, then
// gives up and tears the actor down.
func (a *Actor) supervise() {
	defer close(a.done)
	defer a.terminate()

	for {
		panicked := a.runOnce()
		if !panicked {
			return
		}
		now := time.Now()
		recent := a.restarts[:0]
		for _, t := range a.restarts {
			if now.Sub(t) < restartWindow {
				recent = append(recent, t)
			}
		}
		a.restarts = append(recent, now)
		if len(a.restarts) > maxRestarts {
			a.logger.Error("Actor crash loop, giving up")
			return
		}
		a.logger.WithFields(logging.Fields{"restarts": len(a.restarts)}).Warn("Actor restarted after panic")
	}
}

func (a *Actor) runOnce() (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.WithFields(logging.Fields{"panic": r}).Error("Actor loop panicked")
			panicked = true
		}
	}()
	a.run()
	return false
}

func (a *Actor) run() {
	refresh := time.NewTimer(bootDelay)
	defer refresh.Stop()

	for {
		select {
		case <-a.stop:
			return
		case msg := <-a.mapSub.C:
			a.handleEvent(msg)
		case msg := <-a.serverSub.C:
			a.handleEvent(msg)
		case <-refresh.C:
			a.refreshData()
			refresh.Reset(a.cfg.RefreshInterval)
		}
	}
}

func (a *Actor) terminate() {
	if a.mapSub != nil {
		a.mapSub.Unsubscribe()
	}
	if a.serverSub != nil {
		a.serverSub.Unsubscribe()
	}
	a.cfg.Cache.Delete(StartedKey(a.m.ID))
	if a.cfg.Registry != nil {
		a.cfg.Registry.Unregister(a.m.ID)
	}
	if a.cfg.OnTerminate != nil {
		a.cfg.OnTerminate()
	}
}

// refreshData replaces the raw view wholesale from the remote API. Failures
// keep the existing view.
func (a *Actor) refreshData() {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	data, err := a.api.GetMapSystems(ctx)
	if err != nil {
		a.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Map refresh failed, keeping current view")
		return
	}
	a.mu.Lock()
	a.raw = data
	a.mu.Unlock()
	a.persistAndAnnounce()
}

// persistAndAnnounce rebuilds both cached views from the raw state and
// broadcasts the change.
func (a *Actor) persistAndAnnounce() {
	a.mu.RLock()
	raw := a.raw.Clone()
	a.mu.RUnlock()

	a.cfg.Cache.Put(RawViewKey(a.m.ID), raw, cache.TTLFor("map_data"))
	a.cfg.Cache.Put(FilteredViewKey(a.m.ID), FilterFromHome(raw, a.m.ID), cache.TTLFor("map_data"))
	a.cfg.Bus.Broadcast(a.m.URL, "data_updated", a.m.ID)
}

func (a *Actor) handleEvent(msg pubsub.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	switch msg.Name {
	case "add_system":
		a.handleAddSystem(ctx, msg)
	case "system_metadata_changed":
		a.handleSystemMetadataChanged(msg)
	case "update_system":
		a.handleUpdateSystem(ctx, msg)
	case "deleted_system":
		a.handleDeletedSystem(msg)
	case "remove_system":
		a.handleRemoveSystem(ctx, msg)
	case "connection_added", "connection_updated":
		a.handleConnectionUpserted(ctx, msg)
	case "connection_removed":
		a.handleConnectionRemoved(msg)
	case "add_connection":
		a.handleAddConnection(ctx, msg)
	case "remove_connection":
		a.handleRemoveConnection(ctx, msg)
	case "border_systems_detected":
		a.handleBorderSystems(ctx, msg)
	case "data_updated":
		// Our own announcement echoing back; nothing to do.
	default:
		a.logger.WithFields(logging.Fields{"event": msg.Name}).Debug("Ignoring unhandled event")
	}
}

// eventPayload extracts the JSON payload from a bus message, unwrapping the
// doubled envelope some producers emit.
func eventPayload(msg pubsub.Message) (json.RawMessage, bool) {
	var raw json.RawMessage
	switch p := msg.Payload.(type) {
	case sse.Event:
		raw = p.Payload
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		return nil, false
	}
	return unwrapPayload(raw), true
}

func unwrapPayload(raw json.RawMessage) json.RawMessage {
	var probe struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && len(probe.Payload) > 0 {
		return probe.Payload
	}
	return raw
}

func (a *Actor) handleAddSystem(ctx context.Context, msg pubsub.Message) {
	raw, ok := eventPayload(msg)
	if !ok {
		return
	}
	var system mapapi.System
	if err := json.Unmarshal(raw, &system); err != nil {
		a.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Bad add_system payload")
		return
	}

	if !a.m.IsMain {
		// Positions are strictly per-map: never copy them across.
		source, ok := a.mainSystem(system.SolarSystemID)
		if ok {
			system = source
		}
		system.PositionX = 0
		system.PositionY = 0
		err := a.api.UpsertSystemsAndConnections(ctx, mapapi.UpsertRequest{
			Systems:        []mapapi.System{system},
			UpdateExisting: true,
		})
		if err != nil {
			a.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Remote upsert failed for add_system")
			return
		}
	}

	a.mu.Lock()
	upsertSystem(&a.raw, system)
	a.mu.Unlock()
	a.persistAndAnnounce()
}

func (a *Actor) handleSystemMetadataChanged(msg pubsub.Message) {
	if !a.m.IsMain {
		return
	}
	raw, ok := eventPayload(msg)
	if !ok {
		return
	}
	for _, sat := range a.satellites() {
		a.cfg.Bus.Broadcast(sat.Map().URL, "update_system", raw)
	}

	var probe struct {
		SolarSystemID int64 `json:"solar_system_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}
	a.mu.Lock()
	for i := range a.raw.Systems {
		if a.raw.Systems[i].SolarSystemID == probe.SolarSystemID {
			// Unmarshal into the existing struct merges only the fields
			// present in the payload.
			if err := json.Unmarshal(raw, &a.raw.Systems[i]); err != nil {
				a.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Bad metadata payload")
			}
			break
		}
	}
	a.mu.Unlock()
	a.persistAndAnnounce()
}

func (a *Actor) handleUpdateSystem(ctx context.Context, msg pubsub.Message) {
	if a.m.IsMain {
		return
	}
	raw, ok := eventPayload(msg)
	if !ok {
		return
	}
	var probe struct {
		SolarSystemID int64 `json:"solar_system_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}
	if !a.hasSystem(probe.SolarSystemID) {
		return
	}

	system, ok := a.mainSystem(probe.SolarSystemID)
	if !ok {
		return
	}
	system.PositionX = 0
	system.PositionY = 0
	err := a.api.UpsertSystemsAndConnections(ctx, mapapi.UpsertRequest{
		Systems:        []mapapi.System{system},
		UpdateExisting: true,
	})
	if err != nil {
		a.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Remote upsert failed for update_system")
		return
	}

	a.mu.Lock()
	upsertSystem(&a.raw, system)
	a.mu.Unlock()
	a.persistAndAnnounce()
}

func (a *Actor) handleDeletedSystem(msg pubsub.Message) {
	raw, ok := eventPayload(msg)
	if !ok {
		return
	}
	var probe struct {
		SolarSystemID int64 `json:"solar_system_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	a.mu.Lock()
	removeSystem(&a.raw, probe.SolarSystemID)
	a.mu.Unlock()
	a.persistAndAnnounce()

	if a.m.IsMain {
		for _, sat := range a.satellites() {
			a.cfg.Bus.Broadcast(sat.Map().URL, "remove_system", probe.SolarSystemID)
		}
	}
}

func (a *Actor) handleRemoveSystem(ctx context.Context, msg pubsub.Message) {
	if a.m.IsMain {
		return
	}
	id, ok := msg.Payload.(int64)
	if !ok {
		return
	}
	if err := a.api.DeleteSystem(ctx, id); err != nil {
		a.logger.WithFields(logging.Fields{"error": err.Error(), "solar_system_id": id}).Warn("Remote delete failed")
	}
	a.mu.Lock()
	removeSystem(&a.raw, id)
	a.mu.Unlock()
	a.persistAndAnnounce()
}

func (a *Actor) handleConnectionUpserted(ctx context.Context, msg pubsub.Message) {
	raw, ok := eventPayload(msg)
	if !ok {
		return
	}
	var conn mapapi.Connection
	if err := json.Unmarshal(raw, &conn); err != nil {
		a.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Bad connection payload")
		return
	}

	a.mu.Lock()
	upsertConnection(&a.raw, conn)
	a.mu.Unlock()
	a.persistAndAnnounce()

	// Only connection_updated fans out; the initial add is observed by each
	// satellite on its own stream.
	if a.m.IsMain && msg.Name == "connection_updated" {
		resolved := conn
		if remote, err := a.api.GetConnection(ctx, conn.Source, conn.Target); err == nil && remote != nil {
			resolved = *remote
		}
		for _, sat := range a.satellites() {
			a.cfg.Bus.Broadcast(sat.Map().URL, "add_connection", resolved)
		}
	}
}

func (a *Actor) handleConnectionRemoved(msg pubsub.Message) {
	raw, ok := eventPayload(msg)
	if !ok {
		return
	}
	var conn mapapi.Connection
	if err := json.Unmarshal(raw, &conn); err != nil {
		return
	}

	a.mu.Lock()
	removeConnection(&a.raw, conn)
	a.mu.Unlock()
	a.persistAndAnnounce()

	if a.m.IsMain {
		for _, sat := range a.satellites() {
			a.cfg.Bus.Broadcast(sat.Map().URL, "remove_connection", conn)
		}
	}
}

func (a *Actor) handleAddConnection(ctx context.Context, msg pubsub.Message) {
	if a.m.IsMain {
		return
	}
	conn, ok := msg.Payload.(mapapi.Connection)
	if !ok {
		return
	}
	err := a.api.UpsertSystemsAndConnections(ctx, mapapi.UpsertRequest{
		Connections: []mapapi.Connection{conn},
	})
	if err != nil {
		a.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Remote upsert failed for add_connection")
		return
	}
	a.mu.Lock()
	upsertConnection(&a.raw, conn)
	a.mu.Unlock()
	a.persistAndAnnounce()
}

func (a *Actor) handleRemoveConnection(ctx context.Context, msg pubsub.Message) {
	if a.m.IsMain {
		return
	}
	conn, ok := msg.Payload.(mapapi.Connection)
	if !ok {
		return
	}
	if err := a.api.DeleteConnection(ctx, conn.Source, conn.Target); err != nil {
		a.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Remote connection delete failed")
	}
	a.mu.Lock()
	removeConnection(&a.raw, conn)
	a.mu.Unlock()
	a.persistAndAnnounce()
}

// handleBorderSystems reconciles the "c" label on every system against the
// detected border set, pushing label changes to the remote API.
func (a *Actor) handleBorderSystems(ctx context.Context, msg pubsub.Message) {
	if !a.m.IsMain {
		return
	}
	notice, ok := msg.Payload.(BorderNotice)
	if !ok {
		return
	}
	borders := make(map[int64]bool, len(notice.BorderSystems))
	for _, id := range notice.BorderSystems {
		borders[id] = true
	}

	changed := false
	a.mu.Lock()
	for i := range a.raw.Systems {
		s := &a.raw.Systems[i]
		labels, err := mapapi.DecodeLabels(s.Labels)
		if err != nil {
			a.logger.WithFields(logging.Fields{
				"solar_system_id": s.SolarSystemID,
				"error":           err.Error(),
			}).Warn("Undecodable labels, skipping")
			continue
		}
		updated, wasChanged := reconcileBorderLabel(labels, borders[s.SolarSystemID])
		if !wasChanged {
			continue
		}
		encoded, err := mapapi.EncodeLabels(updated)
		if err != nil {
			continue
		}
		s.Labels = &encoded
		changed = true
		if err := a.api.UpdateSystem(ctx, s.SolarSystemID, map[string]any{"labels": encoded}); err != nil {
			a.logger.WithFields(logging.Fields{
				"solar_system_id": s.SolarSystemID,
				"error":           err.Error(),
			}).Warn("Failed to push border label")
		}
	}
	a.mu.Unlock()

	if changed {
		a.refreshData()
	}
}

// reconcileBorderLabel adds or removes the border marker "c" as needed.
func reconcileBorderLabel(labels []string, isBorder bool) ([]string, bool) {
	has := false
	for _, l := range labels {
		if l == "c" {
			has = true
			break
		}
	}
	switch {
	case isBorder && !has:
		return append(labels, "c"), true
	case !isBorder && has:
		out := labels[:0]
		for _, l := range labels {
			if l != "c" {
				out = append(out, l)
			}
		}
		return out, true
	default:
		return labels, false
	}
}

func (a *Actor) satellites() []*Actor {
	if a.cfg.Registry == nil {
		return nil
	}
	var out []*Actor
	for _, other := range a.cfg.Registry.Satellites(a.m.ID) {
		if !other.Map().IsMain {
			out = append(out, other)
		}
	}
	return out
}

func (a *Actor) hasSystem(solarSystemID int64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, s := range a.raw.Systems {
		if s.SolarSystemID == solarSystemID {
			return true
		}
	}
	return false
}

// mainSystem reads a system from the main map's cached raw view.
func (a *Actor) mainSystem(solarSystemID int64) (mapapi.System, bool) {
	mainID, ok := MainMapID(a.cfg.Cache)
	if !ok {
		return mapapi.System{}, false
	}
	for _, s := range RawView(a.cfg.Cache, mainID).Systems {
		if s.SolarSystemID == solarSystemID {
			return s, true
		}
	}
	return mapapi.System{}, false
}

func upsertSystem(view *mapapi.MapData, system mapapi.System) {
	for i := range view.Systems {
		if view.Systems[i].SolarSystemID == system.SolarSystemID {
			view.Systems[i] = system
			return
		}
	}
	view.Systems = append(view.Systems, system)
}

func removeSystem(view *mapapi.MapData, solarSystemID int64) {
	out := view.Systems[:0]
	for _, s := range view.Systems {
		if s.SolarSystemID != solarSystemID {
			out = append(out, s)
		}
	}
	view.Systems = out
}

func upsertConnection(view *mapapi.MapData, conn mapapi.Connection) {
	key := conn.Key()
	for i := range view.Connections {
		if view.Connections[i].Key() == key {
			view.Connections[i] = conn
			return
		}
	}
	view.Connections = append(view.Connections, conn)
}

func removeConnection(view *mapapi.MapData, conn mapapi.Connection) {
	out := view.Connections[:0]
	for _, c := range view.Connections {
		if !c.Matches(conn.Source, conn.Target) {
			out = append(out, c)
		}
	}
	view.Connections = out
}
