package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// WireTimeFormat is RFC 3339 with millisecond precision.
const WireTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// wireEvent is the JSON shape the ingest endpoint expects.
type wireEvent struct {
	ID          string         `json:"id"`
	ClassroomID string         `json:"classroomId"`
	LessonID    *string        `json:"lessonId,omitempty"`
	SessionID   string         `json:"sessionId"`
	EventType   string         `json:"eventType"`
	Properties  map[string]any `json:"properties"`
	CreatedAt   string         `json:"createdAt"`
}

func toWire(e Event) wireEvent {
	props := e.Properties
	if props == nil {
		props = map[string]any{}
	}
	return wireEvent{
		ID:          e.ID,
		ClassroomID: e.ClassroomID,
		LessonID:    e.LessonID,
		SessionID:   e.SessionID,
		EventType:   e.EventType,
		Properties:  props,
		CreatedAt:   e.CreatedAt.UTC().Format(WireTimeFormat),
	}
}

func fromWire(w wireEvent) (Event, error) {
	createdAt, err := time.Parse(WireTimeFormat, w.CreatedAt)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: invalid createdAt: %w", w.ID, err)
	}
	return Event{
		ID:          w.ID,
		ClassroomID: w.ClassroomID,
		LessonID:    w.LessonID,
		SessionID:   w.SessionID,
		EventType:   w.EventType,
		Properties:  w.Properties,
		CreatedAt:   createdAt,
	}, nil
}

// EncodeEvents renders events as the JSON array posted to the ingest endpoint.
func EncodeEvents(events []Event) ([]byte, error) {
	out := make([]wireEvent, 0, len(events))
	for _, e := range events {
		out = append(out, toWire(e))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode events: %w", err)
	}
	return data, nil
}

// DecodeEvents parses a payload produced by EncodeEvents.
func DecodeEvents(data []byte) ([]Event, error) {
	var in []wireEvent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	events := make([]Event, 0, len(in))
	for _, w := range in {
		e, err := fromWire(w)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
