package model

import (
	"fmt"
	"sort"
	"time"
)

// EventType identifies one of the three mandatory checkpoints
type EventType string

const (
	EventPickup  EventType = "PICKUP"
	EventTransit EventType = "TRANSIT"
	EventFinal   EventType = "FINAL"
)

// CheckpointSequence is the only order in which checkpoints are accepted
var CheckpointSequence = []EventType{EventPickup, EventTransit, EventFinal}

// Position returns the index of e in CheckpointSequence, or -1
func (e EventType) Position() int {
	for i, t := range CheckpointSequence {
		if t == e {
			return i
		}
	}
	return -1
}

// ParseEventType converts a raw string into an EventType
func ParseEventType(raw string) (EventType, error) {
	e := EventType(raw)
	if e.Position() < 0 {
		return "", fmt.Errorf("invalid event type: %q", raw)
	}
	return e, nil
}

// CheckpointEvent is immutable evidence recorded at one checkpoint
type CheckpointEvent struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	EventType       EventType `json:"event_type"`
	ImageKey        string    `json:"-"`
	ImageURL        string    `json:"image_url"`
	ImageHash       string    `json:"image_hash"` // hex SHA-256
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	CreatedAt       time.Time `json:"created_at"`
}

// ValidateCoordinates checks latitude and longitude bounds
func ValidateCoordinates(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", lng)
	}
	return nil
}

// SortByCheckpoint orders events PICKUP < TRANSIT < FINAL in place
func SortByCheckpoint(events []*CheckpointEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].EventType.Position() < events[j].EventType.Position()
	})
}

// NextExpected returns the checkpoint that must come next given the
// recorded ones, and false once the sequence is complete
func NextExpected(events []*CheckpointEvent) (EventType, bool) {
	seen := make(map[EventType]bool, len(events))
	for _, e := range events {
		seen[e.EventType] = true
	}
	for _, t := range CheckpointSequence {
		if !seen[t] {
			return t, true
		}
	}
	return "", false
}

// HasEvent reports whether events already contain type t
func HasEvent(events []*CheckpointEvent, t EventType) bool {
	for _, e := range events {
		if e.EventType == t {
			return true
		}
	}
	return false
}
