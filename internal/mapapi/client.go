package mapapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/clients"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
)

// Client talks to one map's slice of the remote topology API, authenticated
// with that map's public API key.
type Client struct {
	baseURL string // scheme + host
	slug    string // path of the map URL
	auth    clients.Auth
	http    *clients.Client
	logger  logging.Logger
}

// Config configures a map API client.
type Config struct {
	// MapURL is the map's stable identity URL; its host addresses the remote
	// API and its path is the map slug.
	MapURL string
	APIKey string
	Store  *cache.Cache
	Logger logging.Logger
	// Telemetry is optional.
	Telemetry *clients.Telemetry
	// Breaker guards the client when true.
	Breaker bool
}

// NewClient builds a client for the map addressed by cfg.MapURL.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.MapURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("malformed map url %q", cfg.MapURL)
	}
	slug := strings.Trim(u.Path, "/")
	if slug == "" {
		return nil, fmt.Errorf("map url %q has no slug path", cfg.MapURL)
	}

	opts := clients.Options{Telemetry: cfg.Telemetry}
	if cfg.Breaker {
		opts.CircuitBreaker = clients.NewCircuitBreaker("mapapi:"+slug, cfg.Logger)
	}
	return &Client{
		baseURL: u.Scheme + "://" + u.Host,
		slug:    slug,
		auth:    clients.Auth{Type: clients.AuthBearer, Token: cfg.APIKey},
		http:    clients.New(clients.ServicePreset(clients.ServiceMap), cfg.Store, cfg.Logger, opts),
		logger:  cfg.Logger,
	}, nil
}

// Slug returns the map path component used in API routes.
func (c *Client) Slug() string { return c.slug }

func (c *Client) endpoint(parts ...string) string {
	path := c.baseURL + "/api/maps/" + c.slug
	for _, p := range parts {
		path += "/" + p
	}
	return path
}

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

// GetMap resolves the remote map identity and returns its server-side id.
func (c *Client) GetMap(ctx context.Context) (string, error) {
	var out dataEnvelope[struct {
		ID string `json:"id"`
	}]
	if err := c.http.Get(ctx, c.endpoint(), c.auth, &out); err != nil {
		return "", fmt.Errorf("failed to resolve map identity: %w", err)
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("map identity response missing id")
	}
	return out.Data.ID, nil
}

// GetMapSystems fetches the full raw view of the map.
func (c *Client) GetMapSystems(ctx context.Context) (MapData, error) {
	var out dataEnvelope[MapData]
	if err := c.http.Get(ctx, c.endpoint("systems"), c.auth, &out); err != nil {
		return MapData{}, fmt.Errorf("failed to fetch map systems: %w", err)
	}
	return out.Data, nil
}

// GetMapSystem fetches one system by solar system id.
func (c *Client) GetMapSystem(ctx context.Context, solarSystemID int64) (System, error) {
	var out dataEnvelope[[]struct {
		Attributes System `json:"attributes"`
	}]
	if err := c.http.Get(ctx, c.endpoint("systems", fmt.Sprint(solarSystemID)), c.auth, &out); err != nil {
		return System{}, fmt.Errorf("failed to fetch system %d: %w", solarSystemID, err)
	}
	if len(out.Data) == 0 {
		return System{}, clients.ErrNotFound
	}
	return out.Data[0].Attributes, nil
}

// GetConnection resolves the edge between two systems, if any.
func (c *Client) GetConnection(ctx context.Context, source, target int64) (*Connection, error) {
	u := fmt.Sprintf("%s?source=%d&target=%d", c.endpoint("connections"), source, target)
	var out dataEnvelope[[]Connection]
	if err := c.http.Get(ctx, u, c.auth, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch connection %d-%d: %w", source, target, err)
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	conn := out.Data[0]
	return &conn, nil
}

// UpsertSystemsAndConnections pushes a batch of systems and connections.
func (c *Client) UpsertSystemsAndConnections(ctx context.Context, req UpsertRequest) error {
	if err := c.http.Post(ctx, c.endpoint("systems_and_connections"), c.auth, req, nil); err != nil {
		return fmt.Errorf("failed to upsert systems and connections: %w", err)
	}
	return nil
}

// UpdateSystem patches attributes of one system (labels, status, ...).
func (c *Client) UpdateSystem(ctx context.Context, solarSystemID int64, attrs map[string]any) error {
	if err := c.http.Patch(ctx, c.endpoint("systems", fmt.Sprint(solarSystemID)), c.auth, attrs, nil); err != nil {
		return fmt.Errorf("failed to update system %d: %w", solarSystemID, err)
	}
	return nil
}

// DeleteSystem removes one system from the map.
func (c *Client) DeleteSystem(ctx context.Context, solarSystemID int64) error {
	if err := c.http.Delete(ctx, c.endpoint("systems", fmt.Sprint(solarSystemID)), c.auth, nil); err != nil {
		return fmt.Errorf("failed to delete system %d: %w", solarSystemID, err)
	}
	return nil
}

// DeleteConnection removes the edge between two systems.
func (c *Client) DeleteConnection(ctx context.Context, source, target int64) error {
	u := fmt.Sprintf("%s?source=%d&target=%d", c.endpoint("connections"), source, target)
	if err := c.http.Delete(ctx, u, c.auth, nil); err != nil {
		return fmt.Errorf("failed to delete connection %d-%d: %w", source, target, err)
	}
	return nil
}
