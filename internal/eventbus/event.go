// ABOUTME: Event record and the closed set of event types published by agents
// ABOUTME: Frame renders an event in the shape sent to websocket clients

package eventbus

import (
	"time"
)

// EventType names what happened.
type EventType string

const (
	UserJoined  EventType = "user_joined"
	UserLeft    EventType = "user_left"
	UserUpdated EventType = "user_updated"

	DocumentCreated EventType = "document_created"
	DocumentUpdated EventType = "document_updated"
	DocumentDeleted EventType = "document_deleted"

	CursorMoved      EventType = "cursor_moved"
	SelectionChanged EventType = "selection_changed"
	EditStarted      EventType = "edit_started"
	EditCompleted    EventType = "edit_completed"

	ConflictDetected EventType = "conflict_detected"
	SyncRequired     EventType = "sync_required"
	VersionCreated   EventType = "version_created"
	VersionReverted  EventType = "version_reverted"

	SystemMessage EventType = "system_message"
	Error         EventType = "error"
)

// Event is something that happened to a user or a document.
type Event struct {
	Type       EventType      `json:"type"`
	Data       map[string]any `json:"data"`
	UserID     string         `json:"user_id,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(t EventType, data map[string]any, userID, documentID string) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Type:       t,
		Data:       data,
		UserID:     userID,
		DocumentID: documentID,
		Timestamp:  time.Now().UTC(),
	}
}

// Frame returns the event as a websocket frame.
func (e Event) Frame() map[string]any {
	frame := map[string]any{
		"type":      string(e.Type),
		"data":      e.Data,
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
	}
	if e.UserID != "" {
		frame["user_id"] = e.UserID
	} else {
		frame["user_id"] = nil
	}
	if e.DocumentID != "" {
		frame["document_id"] = e.DocumentID
	} else {
		frame["document_id"] = nil
	}
	return frame
}
