// Package conversation owns session state: the in-memory session table, the
// ordered message log per session and write-through persistence.
//
// Within one session appends are serialized, so persisted created_at values
// are non-decreasing and message sequence numbers are dense from 0. Appends
// across sessions run concurrently.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/maestro/pkg/store"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message types.
const (
	TypeContent      = "content"
	TypeToolCall     = "tool_call"
	TypeToolResponse = "tool_response"
	TypeThinking     = "thinking"
	TypeError        = "error"
)

// AppendRequest carries the caller-provided fields of a new message; the
// manager assigns message_id, seq and created_at.
type AppendRequest struct {
	Role        string
	Content     string
	MessageType string
	ToolName    string
	ToolArgs    map[string]any
	ToolCallID  string
	IsStreaming bool
	IsComplete  bool
	Metadata    map[string]any
}

type session struct {
	mu       sync.Mutex
	conv     store.Conversation
	messages []*store.Message
	lastAt   time.Time
}

// Manager is the conversation manager. The in-memory table is authoritative;
// the store is a write-through, best-effort copy that also serves lazy loads
// after a restart.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	store    store.Store
}

// NewManager builds a manager over the given store; pass store.Noop() in
// degraded mode.
func NewManager(st store.Store) *Manager {
	if st == nil {
		st = store.Noop()
	}
	return &Manager{
		sessions: make(map[string]*session),
		store:    st,
	}
}

// Start creates a session bound to one agent and user. When initialMessage
// is non-empty it becomes the first user message.
func (m *Manager) Start(ctx context.Context, userID, agentID, initialMessage string, metadata map[string]any) (string, error) {
	if userID == "" || agentID == "" {
		return "", fmt.Errorf("user_id and agent_id are required")
	}

	now := time.Now().UTC()
	s := &session{
		conv: store.Conversation{
			SessionID: uuid.NewString(),
			UserID:    userID,
			AgentID:   agentID,
			CreatedAt: now,
			UpdatedAt: now,
			IsActive:  true,
			Metadata:  metadata,
		},
	}

	m.mu.Lock()
	m.sessions[s.conv.SessionID] = s
	m.mu.Unlock()

	if err := m.store.SaveConversation(ctx, &s.conv); err != nil {
		slog.Warn("Failed to persist conversation, in-memory state stays authoritative",
			"session_id", s.conv.SessionID, "error", err)
	}

	if initialMessage != "" {
		if _, err := m.Append(ctx, s.conv.SessionID, AppendRequest{
			Role:        RoleUser,
			Content:     initialMessage,
			MessageType: TypeContent,
			IsComplete:  true,
		}); err != nil {
			return "", err
		}
	}
	return s.conv.SessionID, nil
}

// Append adds one message to the session log. Appends within a session are
// serialized; the emitted created_at never decreases and seq is dense.
func (m *Manager) Append(ctx context.Context, sessionID string, req AppendRequest) (*store.Message, error) {
	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := time.Now().UTC()
	if now.Before(s.lastAt) {
		now = s.lastAt
	}
	s.lastAt = now

	msg := &store.Message{
		MessageID:   uuid.NewString(),
		SessionID:   sessionID,
		Seq:         len(s.messages),
		Role:        req.Role,
		Content:     req.Content,
		MessageType: req.MessageType,
		ToolName:    req.ToolName,
		ToolArgs:    req.ToolArgs,
		ToolCallID:  req.ToolCallID,
		IsStreaming: req.IsStreaming,
		IsComplete:  req.IsComplete,
		CreatedAt:   now,
		Metadata:    req.Metadata,
	}
	s.messages = append(s.messages, msg)
	s.conv.MessageCount = len(s.messages)
	s.conv.LastMessageAt = now
	s.conv.UpdatedAt = now
	s.mu.Unlock()

	if err := m.store.AppendMessage(ctx, msg); err != nil {
		slog.Warn("Failed to persist message, in-memory state stays authoritative",
			"session_id", sessionID, "seq", msg.Seq, "error", err)
	}
	return msg, nil
}

// Get returns the session and its messages in order.
func (m *Manager) Get(ctx context.Context, sessionID string) (*store.Conversation, []*store.Message, error) {
	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conv
	messages := make([]*store.Message, len(s.messages))
	copy(messages, s.messages)
	return &conv, messages, nil
}

// ListByAgent returns the agent's sessions, most recently updated first.
// In-memory sessions take precedence over their persisted copies.
func (m *Manager) ListByAgent(ctx context.Context, agentID string, limit, offset int) ([]*store.Conversation, error) {
	seen := make(map[string]bool)
	var out []*store.Conversation

	m.mu.RLock()
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.conv.AgentID == agentID {
			conv := s.conv
			out = append(out, &conv)
			seen[conv.SessionID] = true
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	persisted, err := m.store.ListConversationsByAgent(ctx, agentID, 0, 0)
	if err != nil {
		slog.Warn("Failed to list persisted conversations", "agent_id", agentID, "error", err)
	}
	for _, conv := range persisted {
		if !seen[conv.SessionID] {
			out = append(out, conv)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// End marks a session inactive.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	s, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conv.IsActive = false
	s.conv.UpdatedAt = time.Now().UTC()
	conv := s.conv
	s.mu.Unlock()

	if err := m.store.UpdateConversation(ctx, &conv); err != nil {
		slog.Warn("Failed to persist session end", "session_id", sessionID, "error", err)
	}
	return nil
}

// EndByAgent marks every session of an agent inactive. Used when the agent
// definition is deleted; the logs themselves are kept.
func (m *Manager) EndByAgent(ctx context.Context, agentID string) {
	m.mu.RLock()
	var affected []*session
	for _, s := range m.sessions {
		affected = append(affected, s)
	}
	m.mu.RUnlock()

	for _, s := range affected {
		s.mu.Lock()
		if s.conv.AgentID != agentID || !s.conv.IsActive {
			s.mu.Unlock()
			continue
		}
		s.conv.IsActive = false
		s.conv.UpdatedAt = time.Now().UTC()
		conv := s.conv
		s.mu.Unlock()

		if err := m.store.UpdateConversation(ctx, &conv); err != nil {
			slog.Warn("Failed to persist session end", "session_id", conv.SessionID, "error", err)
		}
	}
}

// Delete removes a session and its messages, memory and store both.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	_, inMemory := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	err := m.store.DeleteConversation(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Failed to delete persisted conversation", "session_id", sessionID, "error", err)
	}
	if !inMemory && err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// History returns the user/assistant turns of a session in model message
// form, for prompt assembly.
func (m *Manager) History(ctx context.Context, sessionID string) ([]*store.Message, error) {
	_, messages, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := messages[:0:0]
	for _, msg := range messages {
		if msg.MessageType == TypeContent && (msg.Role == RoleUser || msg.Role == RoleAssistant) {
			out = append(out, msg)
		}
	}
	return out, nil
}

// load returns the in-memory session, lazy-loading from the store on a
// miss.
func (m *Manager) load(ctx context.Context, sessionID string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	conv, err := m.store.GetConversation(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	records, err := m.store.ListMessagesBySession(ctx, sessionID, true)
	if err != nil {
		slog.Warn("Failed to load persisted messages", "session_id", sessionID, "error", err)
	}

	loaded := &session{conv: *conv, messages: records}
	if n := len(records); n > 0 {
		loaded.lastAt = records[n-1].CreatedAt
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		loaded = existing
	} else {
		m.sessions[sessionID] = loaded
	}
	m.mu.Unlock()
	return loaded, nil
}
