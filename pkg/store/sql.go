package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/maestro/pkg/config"
)

// SQLStore implements Store over sqlite, postgres or mysql.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createAgentsTableSQL = `
CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    version BIGINT NOT NULL DEFAULT 1,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    description TEXT,
    personality TEXT,
    expertise TEXT,
    communication_style VARCHAR(255),
    language VARCHAR(64),
    custom_instructions TEXT,
    model_id VARCHAR(255),
    temperature DOUBLE PRECISION,
    max_output_tokens INTEGER,
    agent_type VARCHAR(64),
    planner VARCHAR(64),
    sub_agent_ids TEXT,
    tool_names TEXT,
    usage_count BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    last_used_at TIMESTAMP,
    metadata TEXT
);
`

const createConversationsTableSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    session_id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    last_message_at TIMESTAMP,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    message_count INTEGER NOT NULL DEFAULT 0,
    metadata TEXT
);
`

const createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS messages (
    message_id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    seq INTEGER NOT NULL,
    role VARCHAR(32) NOT NULL,
    content TEXT,
    message_type VARCHAR(32) NOT NULL,
    tool_name VARCHAR(255),
    tool_args TEXT,
    tool_call_id VARCHAR(255),
    is_streaming BOOLEAN NOT NULL DEFAULT FALSE,
    is_complete BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT,
    FOREIGN KEY (session_id) REFERENCES conversations(session_id) ON DELETE CASCADE
);
`

const createIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_conversations_agent_id ON conversations(agent_id);
CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
`

// Open connects to the database described by cfg and initializes the schema.
// The caller decides what to do on failure (degraded mode).
func Open(cfg config.DatabaseConfig) (*SQLStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no database URL configured")
	}

	dialect := cfg.Driver
	if dialect == "" {
		dialect = inferDialect(cfg.URL)
	}

	driverName := dialect
	dsn := cfg.URL
	switch dialect {
	case "sqlite":
		driverName = "sqlite3"
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	case "postgres":
	case "mysql":
		// mysql DSNs carry no scheme
		dsn = strings.TrimPrefix(dsn, "mysql://")
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", dialect)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewSQLStore wraps an existing connection. Used by tests with sqlite :memory:.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func inferDialect(url string) string {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(url, "mysql://"), strings.Contains(url, "@tcp("):
		return "mysql"
	default:
		return "sqlite"
	}
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range []string{
		createAgentsTableSQL,
		createConversationsTableSQL,
		createMessagesTableSQL,
		createIndexesSQL,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// q rewrites ? placeholders to $N for postgres. sqlite and mysql take the
// query as written.
func (s *SQLStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalStrings(data string) []string {
	if data == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(data), &out)
	return out
}

func unmarshalMap(data string) map[string]any {
	if data == "" {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal([]byte(data), &out)
	return out
}

// ----------------------------------------------------------------------------
// Agents
// ----------------------------------------------------------------------------

func (s *SQLStore) SaveAgent(ctx context.Context, a *Agent) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("agent with id is required")
	}

	expertise, err := marshalJSON(a.Expertise)
	if err != nil {
		return fmt.Errorf("failed to marshal expertise: %w", err)
	}
	subAgents, _ := marshalJSON(a.SubAgentIDs)
	toolNames, _ := marshalJSON(a.ToolNames)
	metadata, err := marshalJSON(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := s.q(`
INSERT INTO agents (id, name, version, is_active, description, personality, expertise,
    communication_style, language, custom_instructions, model_id, temperature,
    max_output_tokens, agent_type, planner, sub_agent_ids, tool_names, usage_count,
    created_at, last_used_at, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.Name, a.Version, a.IsActive, a.Description, a.Personality, expertise,
		a.CommunicationStyle, a.Language, a.CustomInstructions, a.ModelID, a.Temperature,
		a.MaxOutputTokens, a.AgentType, a.Planner, subAgents, toolNames, a.UsageCount,
		a.CreatedAt, a.LastUsedAt, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

const agentColumns = `id, name, version, is_active, description, personality, expertise,
    communication_style, language, custom_instructions, model_id, temperature,
    max_output_tokens, agent_type, planner, sub_agent_ids, tool_names, usage_count,
    created_at, last_used_at, metadata`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var expertise, subAgents, toolNames, metadata sql.NullString
	var lastUsed sql.NullTime
	err := row.Scan(&a.ID, &a.Name, &a.Version, &a.IsActive, &a.Description, &a.Personality,
		&expertise, &a.CommunicationStyle, &a.Language, &a.CustomInstructions, &a.ModelID,
		&a.Temperature, &a.MaxOutputTokens, &a.AgentType, &a.Planner, &subAgents,
		&toolNames, &a.UsageCount, &a.CreatedAt, &lastUsed, &metadata)
	if err != nil {
		return nil, err
	}
	a.Expertise = unmarshalStrings(expertise.String)
	a.SubAgentIDs = unmarshalStrings(subAgents.String)
	a.ToolNames = unmarshalStrings(toolNames.String)
	a.Metadata = unmarshalMap(metadata.String)
	if lastUsed.Valid {
		a.LastUsedAt = lastUsed.Time
	}
	return &a, nil
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := s.q(`SELECT ` + agentColumns + ` FROM agents WHERE id = ?`)
	a, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}
	return a, nil
}

func (s *SQLStore) ListAgents(ctx context.Context, activeOnly bool, limit, offset int) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY created_at ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLStore) UpdateAgent(ctx context.Context, a *Agent) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("agent with id is required")
	}

	expertise, _ := marshalJSON(a.Expertise)
	subAgents, _ := marshalJSON(a.SubAgentIDs)
	toolNames, _ := marshalJSON(a.ToolNames)
	metadata, _ := marshalJSON(a.Metadata)

	query := s.q(`
UPDATE agents SET name = ?, version = ?, is_active = ?, description = ?, personality = ?,
    expertise = ?, communication_style = ?, language = ?, custom_instructions = ?,
    model_id = ?, temperature = ?, max_output_tokens = ?, agent_type = ?, planner = ?,
    sub_agent_ids = ?, tool_names = ?, usage_count = ?, last_used_at = ?, metadata = ?
WHERE id = ?
`)
	res, err := s.db.ExecContext(ctx, query,
		a.Name, a.Version, a.IsActive, a.Description, a.Personality,
		expertise, a.CommunicationStyle, a.Language, a.CustomInstructions,
		a.ModelID, a.Temperature, a.MaxOutputTokens, a.AgentType, a.Planner,
		subAgents, toolNames, a.UsageCount, a.LastUsedAt, metadata,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	query := s.q(`UPDATE agents SET is_active = FALSE WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) BumpAgentUsage(ctx context.Context, id string) error {
	query := s.q(`UPDATE agents SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to bump agent usage: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Conversations
// ----------------------------------------------------------------------------

func (s *SQLStore) SaveConversation(ctx context.Context, c *Conversation) error {
	if c == nil || c.SessionID == "" {
		return fmt.Errorf("conversation with session id is required")
	}
	metadata, err := marshalJSON(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := s.q(`
INSERT INTO conversations (session_id, user_id, agent_id, created_at, updated_at,
    last_message_at, is_active, message_count, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err = s.db.ExecContext(ctx, query,
		c.SessionID, c.UserID, c.AgentID, c.CreatedAt, c.UpdatedAt,
		c.LastMessageAt, c.IsActive, c.MessageCount, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

const conversationColumns = `session_id, user_id, agent_id, created_at, updated_at,
    last_message_at, is_active, message_count, metadata`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	var lastMessageAt sql.NullTime
	var metadata sql.NullString
	err := row.Scan(&c.SessionID, &c.UserID, &c.AgentID, &c.CreatedAt, &c.UpdatedAt,
		&lastMessageAt, &c.IsActive, &c.MessageCount, &metadata)
	if err != nil {
		return nil, err
	}
	if lastMessageAt.Valid {
		c.LastMessageAt = lastMessageAt.Time
	}
	c.Metadata = unmarshalMap(metadata.String)
	return &c, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, sessionID string) (*Conversation, error) {
	query := s.q(`SELECT ` + conversationColumns + ` FROM conversations WHERE session_id = ?`)
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return c, nil
}

func (s *SQLStore) ListConversationsByAgent(ctx context.Context, agentID string, limit, offset int) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE agent_id = ? ORDER BY updated_at DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *SQLStore) UpdateConversation(ctx context.Context, c *Conversation) error {
	if c == nil || c.SessionID == "" {
		return fmt.Errorf("conversation with session id is required")
	}
	metadata, _ := marshalJSON(c.Metadata)

	query := s.q(`
UPDATE conversations SET user_id = ?, agent_id = ?, updated_at = ?, last_message_at = ?,
    is_active = ?, message_count = ?, metadata = ?
WHERE session_id = ?
`)
	res, err := s.db.ExecContext(ctx, query,
		c.UserID, c.AgentID, c.UpdatedAt, c.LastMessageAt,
		c.IsActive, c.MessageCount, metadata, c.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation and all its messages.
func (s *SQLStore) DeleteConversation(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.q(`DELETE FROM messages WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	var res sql.Result
	if res, err = tx.ExecContext(ctx, s.q(`DELETE FROM conversations WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, affErr := res.RowsAffected(); affErr == nil && n == 0 {
		err = ErrNotFound
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Messages
// ----------------------------------------------------------------------------

// AppendMessage inserts the message and updates the owning conversation's
// message_count, last_message_at and updated_at in one transaction.
func (s *SQLStore) AppendMessage(ctx context.Context, m *Message) error {
	if m == nil || m.SessionID == "" || m.MessageID == "" {
		return fmt.Errorf("message with session id and message id is required")
	}

	toolArgs, err := marshalJSON(m.ToolArgs)
	if err != nil {
		return fmt.Errorf("failed to marshal tool args: %w", err)
	}
	metadata, _ := marshalJSON(m.Metadata)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertQuery := s.q(`
INSERT INTO messages (message_id, session_id, seq, role, content, message_type,
    tool_name, tool_args, tool_call_id, is_streaming, is_complete, created_at, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err = tx.ExecContext(ctx, insertQuery,
		m.MessageID, m.SessionID, m.Seq, m.Role, m.Content, m.MessageType,
		m.ToolName, toolArgs, m.ToolCallID, m.IsStreaming, m.IsComplete,
		m.CreatedAt, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	updateQuery := s.q(`
UPDATE conversations SET message_count = message_count + 1, last_message_at = ?, updated_at = ?
WHERE session_id = ?
`)
	if _, err = tx.ExecContext(ctx, updateQuery, m.CreatedAt, m.CreatedAt, m.SessionID); err != nil {
		return fmt.Errorf("failed to update conversation counters: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const messageColumns = `message_id, session_id, seq, role, content, message_type,
    tool_name, tool_args, tool_call_id, is_streaming, is_complete, created_at, metadata`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var toolArgs, metadata sql.NullString
	err := row.Scan(&m.MessageID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.MessageType,
		&m.ToolName, &toolArgs, &m.ToolCallID, &m.IsStreaming, &m.IsComplete,
		&m.CreatedAt, &metadata)
	if err != nil {
		return nil, err
	}
	m.ToolArgs = unmarshalMap(toolArgs.String)
	m.Metadata = unmarshalMap(metadata.String)
	return &m, nil
}

func (s *SQLStore) ListMessagesBySession(ctx context.Context, sessionID string, ascending bool) ([]*Message, error) {
	order := "ASC"
	if !ascending {
		order = "DESC"
	}
	query := s.q(`SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? ORDER BY seq ` + order)

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLStore) CountMessagesBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	query := s.q(`SELECT COUNT(*) FROM messages WHERE session_id = ?`)
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (s *SQLStore) DeleteMessagesBySession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM messages WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
