package conversation

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/store"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(store.Noop())
}

func newPersistentManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.NewSQLStore(db, "sqlite")
	require.NoError(t, err)
	return NewManager(st), st
}

func TestStartRequiresIdentity(t *testing.T) {
	m := newManager(t)
	_, err := m.Start(context.Background(), "", "a1", "", nil)
	require.Error(t, err)
	_, err = m.Start(context.Background(), "u1", "", "", nil)
	require.Error(t, err)
}

func TestStartWithInitialMessage(t *testing.T) {
	m := newManager(t)
	sessionID, err := m.Start(context.Background(), "u1", "a1", "hello", nil)
	require.NoError(t, err)

	conv, messages, err := m.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "a1", conv.AgentID)
	assert.True(t, conv.IsActive)
	require.Len(t, messages, 1)
	assert.Equal(t, RoleUser, messages[0].Role)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, 0, messages[0].Seq)
}

func TestAppendAssignsDenseSeq(t *testing.T) {
	m := newManager(t)
	sessionID, err := m.Start(context.Background(), "u1", "a1", "", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		msg, err := m.Append(context.Background(), sessionID, AppendRequest{
			Role:        RoleUser,
			Content:     "m",
			MessageType: TypeContent,
			IsComplete:  true,
		})
		require.NoError(t, err)
		assert.Equal(t, i, msg.Seq)
	}

	conv, messages, err := m.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 5, conv.MessageCount)
	assert.Len(t, messages, 5)
}

func TestConcurrentAppendsStayMonotone(t *testing.T) {
	m := newManager(t)
	sessionID, err := m.Start(context.Background(), "u1", "a1", "", nil)
	require.NoError(t, err)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := m.Append(context.Background(), sessionID, AppendRequest{
					Role:        RoleUser,
					Content:     "m",
					MessageType: TypeContent,
					IsComplete:  true,
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	_, messages, err := m.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, messages, writers*perWriter)

	// Dense indices from 0 and non-decreasing timestamps, regardless of
	// interleaving.
	for i, msg := range messages {
		assert.Equal(t, i, msg.Seq)
		if i > 0 {
			assert.False(t, msg.CreatedAt.Before(messages[i-1].CreatedAt),
				"created_at regressed at seq %d", i)
		}
	}
}

func TestAppendUnknownSession(t *testing.T) {
	m := newManager(t)
	_, err := m.Append(context.Background(), "missing", AppendRequest{
		Role: RoleUser, Content: "m", MessageType: TypeContent,
	})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHistoryFiltersToolTraffic(t *testing.T) {
	m := newManager(t)
	sessionID, err := m.Start(context.Background(), "u1", "a1", "question", nil)
	require.NoError(t, err)

	_, err = m.Append(context.Background(), sessionID, AppendRequest{
		Role: RoleAssistant, MessageType: TypeToolCall, ToolName: "custom_calculator",
	})
	require.NoError(t, err)
	_, err = m.Append(context.Background(), sessionID, AppendRequest{
		Role: RoleTool, MessageType: TypeToolResponse, Content: `{"result":"4"}`,
	})
	require.NoError(t, err)
	_, err = m.Append(context.Background(), sessionID, AppendRequest{
		Role: RoleAssistant, MessageType: TypeContent, Content: "answer", IsComplete: true,
	})
	require.NoError(t, err)

	history, err := m.History(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "question", history[0].Content)
	assert.Equal(t, "answer", history[1].Content)
}

func TestEndAndEndByAgent(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	s1, err := m.Start(ctx, "u1", "a1", "", nil)
	require.NoError(t, err)
	s2, err := m.Start(ctx, "u1", "a1", "", nil)
	require.NoError(t, err)
	s3, err := m.Start(ctx, "u1", "a2", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.End(ctx, s1))
	conv, _, err := m.Get(ctx, s1)
	require.NoError(t, err)
	assert.False(t, conv.IsActive)

	m.EndByAgent(ctx, "a1")
	conv, _, err = m.Get(ctx, s2)
	require.NoError(t, err)
	assert.False(t, conv.IsActive)

	// Other agents' sessions are untouched; logs are kept.
	conv, _, err = m.Get(ctx, s3)
	require.NoError(t, err)
	assert.True(t, conv.IsActive)
}

func TestDelete(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	sessionID, err := m.Start(ctx, "u1", "a1", "hello", nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, sessionID))
	_, _, err = m.Get(ctx, sessionID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	require.ErrorIs(t, m.Delete(ctx, "missing"), ErrSessionNotFound)
}

func TestListByAgentOrdersByRecency(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	s1, err := m.Start(ctx, "u1", "a1", "", nil)
	require.NoError(t, err)
	s2, err := m.Start(ctx, "u1", "a1", "", nil)
	require.NoError(t, err)

	// Touch s1 so it becomes the most recently updated.
	_, err = m.Append(ctx, s1, AppendRequest{Role: RoleUser, Content: "m", MessageType: TypeContent})
	require.NoError(t, err)

	convs, err := m.ListByAgent(ctx, "a1", 0, 0)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, s1, convs[0].SessionID)
	assert.Equal(t, s2, convs[1].SessionID)

	limited, err := m.ListByAgent(ctx, "a1", 1, 0)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestLazyLoadFromStore(t *testing.T) {
	m, st := newPersistentManager(t)
	ctx := context.Background()

	sessionID, err := m.Start(ctx, "u1", "a1", "hello", nil)
	require.NoError(t, err)
	_, err = m.Append(ctx, sessionID, AppendRequest{
		Role: RoleAssistant, Content: "hi", MessageType: TypeContent, IsComplete: true,
	})
	require.NoError(t, err)

	// A fresh manager over the same store sees the persisted session.
	reloaded := NewManager(st)
	conv, messages, err := reloaded.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "a1", conv.AgentID)
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, "hi", messages[1].Content)
}
