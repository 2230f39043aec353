// Package store provides the relational persistence layer for agents,
// conversations and messages.
//
// Persistence is optional: when no database is configured or the database is
// unreachable the process runs in degraded mode with a no-op store, and the
// in-memory state of the registries stays authoritative. Every caller treats
// store failures as warnings, never as turn-aborting errors.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Agent is the durable form of an agent definition.
type Agent struct {
	ID                 string         `json:"agent_id"`
	Name               string         `json:"name"`
	Version            int64          `json:"version"`
	IsActive           bool           `json:"is_active"`
	Description        string         `json:"description,omitempty"`
	Personality        string         `json:"personality,omitempty"`
	Expertise          []string       `json:"expertise,omitempty"`
	CommunicationStyle string         `json:"communication_style,omitempty"`
	Language           string         `json:"language,omitempty"`
	CustomInstructions string         `json:"custom_instructions,omitempty"`
	ModelID            string         `json:"model_id,omitempty"`
	Temperature        float64        `json:"temperature,omitempty"`
	MaxOutputTokens    int            `json:"max_output_tokens,omitempty"`
	AgentType          string         `json:"agent_type,omitempty"`
	Planner            string         `json:"planner,omitempty"`
	SubAgentIDs        []string       `json:"sub_agent_ids,omitempty"`
	ToolNames          []string       `json:"tool_names,omitempty"`
	UsageCount         int64          `json:"usage_count"`
	CreatedAt          time.Time      `json:"created_at"`
	LastUsedAt         time.Time      `json:"last_used_at,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Conversation is the durable form of a session.
type Conversation struct {
	SessionID     string         `json:"session_id"`
	UserID        string         `json:"user_id"`
	AgentID       string         `json:"agent_id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastMessageAt time.Time      `json:"last_message_at,omitempty"`
	IsActive      bool           `json:"is_active"`
	MessageCount  int            `json:"message_count"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Message is a single entry of a conversation log.
type Message struct {
	MessageID   string         `json:"message_id"`
	SessionID   string         `json:"session_id"`
	Seq         int            `json:"seq"`
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	MessageType string         `json:"message_type"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolArgs    map[string]any `json:"tool_args,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	IsStreaming bool           `json:"is_streaming,omitempty"`
	IsComplete  bool           `json:"is_complete"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Store is the narrow persistence interface. All operations are
// transactional; AppendMessage updates the owning conversation's counters
// and last_message_at in the same transaction as the insert.
type Store interface {
	SaveAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, activeOnly bool, limit, offset int) ([]*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	DeleteAgent(ctx context.Context, id string) error
	BumpAgentUsage(ctx context.Context, id string) error

	SaveConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, sessionID string) (*Conversation, error)
	ListConversationsByAgent(ctx context.Context, agentID string, limit, offset int) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, c *Conversation) error
	DeleteConversation(ctx context.Context, sessionID string) error

	AppendMessage(ctx context.Context, m *Message) error
	ListMessagesBySession(ctx context.Context, sessionID string, ascending bool) ([]*Message, error)
	CountMessagesBySession(ctx context.Context, sessionID string) (int, error)
	DeleteMessagesBySession(ctx context.Context, sessionID string) error

	Close() error
}
