// Package mapapi is the typed client for the remote topology API: per-map
// identity, systems/connections reads, cross-map upserts and deletes.
package mapapi

import (
	"encoding/json"
	"fmt"
)

// Map is the identity of a topology shard as known to this service.
type Map struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	PublicAPIKey    string `json:"public_api_key"`
	Color           string `json:"color,omitempty"`
	Title           string `json:"title,omitempty"`
	IsMain          bool   `json:"is_main"`
	MainSystemEveID *int64 `json:"main_system_eve_id,omitempty"`
}

// HomeStatus marks a map's home system.
const HomeStatus = 1

// System is a node of the topology.
type System struct {
	SolarSystemID int64           `json:"solar_system_id"`
	Name          string          `json:"name"`
	PositionX     float64         `json:"position_x"`
	PositionY     float64         `json:"position_y"`
	Status        int             `json:"status"`
	Labels        *string         `json:"labels,omitempty"`
	StaticInfo    json.RawMessage `json:"static_info,omitempty"`

	// Derived fields set by the topology pass and view builds.
	MapID      string   `json:"map_id,omitempty"`
	IsBorder   bool     `json:"is_border,omitempty"`
	BorderMaps []string `json:"border_maps,omitempty"`
}

// IsHome reports whether this system is the map's home.
func (s System) IsHome() bool { return s.Status == HomeStatus }

// Connection is an undirected edge keyed by its unordered endpoint pair.
type Connection struct {
	Source int64 `json:"solar_system_source"`
	Target int64 `json:"solar_system_target"`
}

// connectionWire accepts both the stripped field names and the longer *_id
// variants that event payloads use.
type connectionWire struct {
	Source   *int64 `json:"solar_system_source"`
	Target   *int64 `json:"solar_system_target"`
	SourceID *int64 `json:"solar_system_source_id"`
	TargetID *int64 `json:"solar_system_target_id"`
}

func (c *Connection) UnmarshalJSON(data []byte) error {
	var w connectionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.Source != nil && w.Target != nil:
		c.Source, c.Target = *w.Source, *w.Target
	case w.SourceID != nil && w.TargetID != nil:
		c.Source, c.Target = *w.SourceID, *w.TargetID
	default:
		return fmt.Errorf("connection payload missing endpoints")
	}
	return nil
}

// Key returns the unordered endpoint pair, smaller id first.
func (c Connection) Key() ConnectionKey {
	if c.Source <= c.Target {
		return ConnectionKey{A: c.Source, B: c.Target}
	}
	return ConnectionKey{A: c.Target, B: c.Source}
}

// Matches reports whether the edge joins the two systems in either direction.
func (c Connection) Matches(a, b int64) bool {
	return (c.Source == a && c.Target == b) || (c.Source == b && c.Target == a)
}

// ConnectionKey identifies an undirected edge.
type ConnectionKey struct {
	A, B int64
}

// MapData is the raw systems+connections view of one map.
type MapData struct {
	Systems     []System     `json:"systems"`
	Connections []Connection `json:"connections"`
}

// Clone deep-copies the view so consumers can mutate their copy.
func (d MapData) Clone() MapData {
	out := MapData{
		Systems:     make([]System, len(d.Systems)),
		Connections: make([]Connection, len(d.Connections)),
	}
	copy(out.Systems, d.Systems)
	copy(out.Connections, d.Connections)
	return out
}

// UpsertRequest is the batch body for systems_and_connections.
type UpsertRequest struct {
	Systems        []System     `json:"systems,omitempty"`
	Connections    []Connection `json:"connections,omitempty"`
	UpdateExisting bool         `json:"update_existing,omitempty"`
}

// Labels helpers: labels are stored as a JSON-encoded {"labels": [...]}
// string on the system record.

type labelsEnvelope struct {
	Labels []string `json:"labels"`
}

// DecodeLabels parses a system's labels field. A nil or empty field decodes
// to an empty list.
func DecodeLabels(labels *string) ([]string, error) {
	if labels == nil || *labels == "" {
		return nil, nil
	}
	var env labelsEnvelope
	if err := json.Unmarshal([]byte(*labels), &env); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	return env.Labels, nil
}

// EncodeLabels renders a label list back into the stored string form.
func EncodeLabels(labels []string) (string, error) {
	if labels == nil {
		labels = []string{}
	}
	encoded, err := json.Marshal(labelsEnvelope{Labels: labels})
	if err != nil {
		return "", fmt.Errorf("failed to encode labels: %w", err)
	}
	return string(encoded), nil
}
