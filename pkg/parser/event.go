package parser

import (
	"errors"
	"fmt"
	"time"

	"github.com/MIAOMC-Server/SSaver/pkg/collector"
	"github.com/MIAOMC-Server/SSaver/pkg/session"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EventType distinguishes session start and end events
type EventType string

const (
	EventJoin EventType = "join"
	EventQuit EventType = "quit"
)

// Event is a session lifecycle event published by a game server
type Event struct {
	Type          EventType       `json:"type"`
	PlayerID      uuid.UUID       `json:"player_id"`
	PlayerName    string          `json:"player_name,omitempty"`
	FirstPlayed   int64           `json:"first_played,omitempty"` // unix millis
	EngineVersion string          `json:"engine_version,omitempty"`
	Timestamp     int64           `json:"timestamp"` // unix millis
	Statistics    *collector.Dump `json:"statistics,omitempty"`
}

// ParseEvent deserializes a Kafka message value into an Event
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal session event: %w", err)
	}

	switch ev.Type {
	case EventJoin, EventQuit:
	case "":
		return Event{}, errors.New("missing event type")
	default:
		return Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.PlayerID == uuid.Nil {
		return Event{}, errors.New("missing player id")
	}
	if ev.Timestamp < 0 {
		return Event{}, fmt.Errorf("negative timestamp %d", ev.Timestamp)
	}

	return ev, nil
}

// Encode serializes an event for publishing
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Time is the event time, or zero if the publisher did not set one
func (e Event) Time() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp)
}

// SessionEnd converts a quit event for the aggregator
func (e Event) SessionEnd() session.SessionEnd {
	end := session.SessionEnd{
		PlayerID:      e.PlayerID,
		PlayerName:    e.PlayerName,
		FirstJoin:     e.FirstPlayed,
		EngineVersion: e.EngineVersion,
		At:            e.Time(),
	}
	if e.Statistics != nil {
		end.Counters = e.Statistics
	}
	return end
}
