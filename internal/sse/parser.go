package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// frame is one wire-level SSE record: the event/id lines plus the joined
// data payload.
type frame struct {
	event string
	id    string
	data  []byte
}

// readFrame consumes one blank-line-terminated SSE block. Multiple data:
// lines concatenate with a newline. Returns io.EOF when the stream ends
// cleanly with no pending block.
func readFrame(r *bufio.Reader) (frame, error) {
	var f frame
	var dataLines []string
	flush := func() frame {
		f.data = []byte(strings.Join(dataLines, "\n"))
		return f
	}
	for {
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(dataLines) > 0 {
				return flush(), nil
			}
			if errors.Is(err, io.EOF) {
				return frame{}, io.EOF
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, "event:"):
			f.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			f.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
		if errors.Is(err, io.EOF) {
			if len(dataLines) > 0 {
				return flush(), nil
			}
			return frame{}, io.EOF
		}
	}
}

// ParseChunk reads one blank-line-terminated block from the reader and
// decodes it into an Event.
func ParseChunk(r *bufio.Reader) (Event, error) {
	f, err := readFrame(r)
	if err != nil {
		return Event{}, err
	}
	return decodeEvent(f)
}

// Event is a decoded map event as delivered on the stream.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	MapID      string          `json:"map_id"`
	Timestamp  string          `json:"timestamp"`
	ServerTime string          `json:"server_time"`
	Payload    json.RawMessage `json:"payload"`
}

// decodeEvent parses the JSON body of a frame and overlays the frame's
// event name and id on top of the body's own fields.
func decodeEvent(f frame) (Event, error) {
	var ev Event
	if err := json.Unmarshal(f.data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event body: %w", err)
	}
	if f.event != "" {
		ev.Type = f.event
	}
	if f.id != "" {
		ev.ID = f.id
	}
	return ev, nil
}

// EventConnected is sent once by the remote when the stream is established.
const EventConnected = "connected"

// validate checks the required fields for the event's type. Invalid events
// are dropped by the caller.
func (e Event) validate() error {
	if e.ID == "" || e.Type == "" || e.MapID == "" {
		return errors.New("missing id, type or map_id")
	}
	if e.Type == EventConnected {
		if e.ServerTime == "" {
			return errors.New("connected event missing server_time")
		}
		return nil
	}
	if e.Timestamp == "" {
		return errors.New("missing timestamp")
	}
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return nil
}

// Event categories drive routing: system and connection events fan out on
// the map topic, special events are handled in-process, everything else is
// dropped.
const (
	categorySystem     = "system"
	categoryConnection = "connection"
	categorySpecial    = "special"
	categoryOther      = "other"
)

func categoryFor(eventType string) string {
	switch eventType {
	case "add_system", "deleted_system", "system_metadata_changed":
		return categorySystem
	case "connection_added", "connection_updated", "connection_removed":
		return categoryConnection
	case EventConnected, "map_kill":
		return categorySpecial
	default:
		return categoryOther
	}
}
