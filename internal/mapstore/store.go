// Package mapstore fronts the external CRUD facade that owns Map records.
// Map metadata is authored elsewhere; the core only reads it at actor
// startup.
package mapstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wanderer-industries/wanderer-core/internal/mapapi"
	"github.com/wanderer-industries/wanderer-core/pkg/clients"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

// Store reads Map records from the external facade.
type Store interface {
	GetMap(ctx context.Context, id string) (*mapapi.Map, error)
	ListMaps(ctx context.Context) ([]mapapi.Map, error)
}

// HTTPStore reads Map records over the facade's REST API.
type HTTPStore struct {
	baseURL string
	auth    clients.Auth
	http    *clients.Client
}

// NewHTTPStore builds a store against the facade at baseURL.
func NewHTTPStore(baseURL, apiKey string, httpClient *clients.Client, logger logging.Logger) *HTTPStore {
	if httpClient == nil {
		httpClient = clients.New(clients.ServicePreset(clients.ServiceMap), nil, logger, clients.Options{})
	}
	return &HTTPStore{
		baseURL: baseURL,
		auth:    clients.Auth{Type: clients.AuthBearer, Token: apiKey},
		http:    httpClient,
	}
}

type recordEnvelope struct {
	Data mapapi.Map `json:"data"`
}

type listEnvelope struct {
	Data []mapapi.Map `json:"data"`
}

func (s *HTTPStore) GetMap(ctx context.Context, id string) (*mapapi.Map, error) {
	var env recordEnvelope
	if err := s.http.Get(ctx, s.baseURL+"/api/map-records/"+id, s.auth, &env); err != nil {
		return nil, fmt.Errorf("failed to fetch map record %s: %w", id, err)
	}
	return &env.Data, nil
}

func (s *HTTPStore) ListMaps(ctx context.Context) ([]mapapi.Map, error) {
	var env listEnvelope
	if err := s.http.Get(ctx, s.baseURL+"/api/map-records", s.auth, &env); err != nil {
		return nil, fmt.Errorf("failed to list map records: %w", err)
	}
	return env.Data, nil
}

// Memory is an in-process Store used by tests and local development.
type Memory struct {
	mu   sync.RWMutex
	maps map[string]mapapi.Map
}

// NewMemory seeds an in-memory store.
func NewMemory(maps ...mapapi.Map) *Memory {
	m := &Memory{maps: make(map[string]mapapi.Map, len(maps))}
	for _, record := range maps {
		m.maps[record.ID] = record
	}
	return m
}

// Put inserts or replaces a record.
func (m *Memory) Put(record mapapi.Map) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maps[record.ID] = record
}

func (m *Memory) GetMap(_ context.Context, id string) (*mapapi.Map, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.maps[id]
	if !ok {
		return nil, fmt.Errorf("map record %s: %w", id, clients.ErrNotFound)
	}
	return &record, nil
}

func (m *Memory) ListMaps(_ context.Context) ([]mapapi.Map, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]mapapi.Map, 0, len(m.maps))
	for _, record := range m.maps {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
