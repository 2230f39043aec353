// Package streaming translates raw runner output into the public event
// taxonomy, deduplicates final-response echoes, persists turn output and
// fans events out to SSE subscribers.
package streaming

import (
	"time"
)

// Public event types, in the order a client typically sees them.
const (
	EventStart        = "start"
	EventContent      = "content"
	EventThinking     = "thinking"
	EventToolCall     = "tool_call"
	EventToolResponse = "tool_response"
	EventError        = "error"
	EventComplete     = "complete"
)

// Event is one typed record of the public taxonomy, delivered to clients as
// the JSON body of an SSE data line. Clients must tolerate unknown fields.
type Event struct {
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SessionID string         `json:"session_id"`
	CreatedAt time.Time      `json:"created_at"`
}

func newEvent(sessionID, eventType, content string, metadata map[string]any) Event {
	return Event{
		Type:      eventType,
		Content:   content,
		Metadata:  metadata,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
}
