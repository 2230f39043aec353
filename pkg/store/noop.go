package store

import "context"

// noopStore backs degraded mode. All writes succeed without effect, all
// reads report not found or empty.
type noopStore struct{}

// Noop returns a store for degraded mode.
func Noop() Store {
	return noopStore{}
}

func (noopStore) SaveAgent(context.Context, *Agent) error   { return nil }
func (noopStore) UpdateAgent(context.Context, *Agent) error { return nil }
func (noopStore) DeleteAgent(context.Context, string) error { return nil }
func (noopStore) BumpAgentUsage(context.Context, string) error {
	return nil
}

func (noopStore) GetAgent(context.Context, string) (*Agent, error) {
	return nil, ErrNotFound
}

func (noopStore) ListAgents(context.Context, bool, int, int) ([]*Agent, error) {
	return nil, nil
}

func (noopStore) SaveConversation(context.Context, *Conversation) error   { return nil }
func (noopStore) UpdateConversation(context.Context, *Conversation) error { return nil }

// DeleteConversation reports not found so callers can distinguish a session
// that never existed from one held only in memory.
func (noopStore) DeleteConversation(context.Context, string) error { return ErrNotFound }

func (noopStore) GetConversation(context.Context, string) (*Conversation, error) {
	return nil, ErrNotFound
}

func (noopStore) ListConversationsByAgent(context.Context, string, int, int) ([]*Conversation, error) {
	return nil, nil
}

func (noopStore) AppendMessage(context.Context, *Message) error          { return nil }
func (noopStore) DeleteMessagesBySession(context.Context, string) error  { return nil }
func (noopStore) CountMessagesBySession(context.Context, string) (int, error) {
	return 0, nil
}

func (noopStore) ListMessagesBySession(context.Context, string, bool) ([]*Message, error) {
	return nil, nil
}

func (noopStore) Close() error { return nil }
