package session

import (
	"context"
	"encoding/json"
)

// Session is a conversation thread as listed by the Goose server. The companion
// treats it as read-only.
type Session struct {
	ID           string `json:"id"`
	UpdatedAt    string `json:"updated_at"`
	MessageCount int    `json:"message_count"`
	Description  string `json:"description,omitempty"`
	WorkingDir   string `json:"working_dir,omitempty"`
}

// EventType identifies server-push events on a session stream.
type EventType string

const (
	EventMessage      EventType = "message"
	EventModelChange  EventType = "model_change"
	EventNotification EventType = "notification"
	EventFinish       EventType = "finish"
	EventPing         EventType = "ping"
	EventError        EventType = "error"
)

// Event is one decoded frame from a session stream.
type Event struct {
	Type    EventType
	Payload json.RawMessage
	Detail  string
}

// EventStream is an open server-push stream. Events is closed when the stream
// ends; Close is safe to call more than once.
type EventStream interface {
	Events() <-chan Event
	Close() error
}

// EventSource opens session-scoped event streams. messages may be empty.
type EventSource interface {
	Open(ctx context.Context, sessionID string, messages []json.RawMessage) (EventStream, error)
}

// Lister fetches the current session list.
type Lister interface {
	ListSessions(ctx context.Context) ([]Session, error)
}
