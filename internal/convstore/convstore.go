// Package convstore implements the conversation store: conversations and
// their messages, persisted to SQLite. Grounded on
// nevindra-oasis/store/sqlite.Store's thread/message tables, adapted to
// this runtime's conversation/message shape (tool_calls_json and
// tool_results_json sidecars instead of embeddings).
package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/agentrt/agentrt/internal/wire"
)

// Conversation is one conversation's metadata row.
type Conversation struct {
	ID           string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	SystemPrompt string
	Metadata     map[string]string
}

// StoredMessage is one persisted conversation message.
type StoredMessage struct {
	ID             string
	ConversationID string
	Role           wire.Role
	Content        string
	ToolCalls      []wire.ToolCall
	ToolResults    []wire.ToolResult
	CreatedAt      time.Time
}

// Store persists conversations and messages.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at dbPath and
// ensures its schema exists. A single connection serializes writers, the
// same SetMaxOpenConns(1) discipline internal/recorder uses for the same
// reason.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("convstore: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			system_prompt TEXT,
			metadata_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls_json TEXT,
			tool_results_json TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_time ON messages(conversation_id, created_at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("convstore: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateConversation inserts a new conversation and returns its id.
func (s *Store) CreateConversation(ctx context.Context, title, systemPrompt string, metadata map[string]string) (string, error) {
	var metaJSON []byte
	if len(metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("convstore: encode metadata: %w", err)
		}
	}
	id := uuid.NewString()
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at, system_prompt, metadata_json) VALUES (?, ?, ?, ?, ?, ?)`,
		id, title, now, now, systemPrompt, string(metaJSON),
	)
	if err != nil {
		return "", fmt.Errorf("convstore: create conversation: %w", err)
	}
	return id, nil
}

// GetConversation fetches one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at, system_prompt, metadata_json FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns every conversation, most recently updated
// first.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at, system_prompt, metadata_json FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("convstore: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation; its messages cascade.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("convstore: delete conversation %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("convstore: cascade delete messages for %s: %w", id, err)
	}
	return nil
}

// AppendMessage inserts a message and bumps the conversation's
// updated_at.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role wire.Role, content string, toolCalls []wire.ToolCall, toolResults []wire.ToolResult) (string, error) {
	var toolCallsJSON, toolResultsJSON []byte
	var err error
	if len(toolCalls) > 0 {
		toolCallsJSON, err = json.Marshal(toolCalls)
		if err != nil {
			return "", fmt.Errorf("convstore: encode tool_calls: %w", err)
		}
	}
	if len(toolResults) > 0 {
		toolResultsJSON, err = json.Marshal(toolResults)
		if err != nil {
			return "", fmt.Errorf("convstore: encode tool_results: %w", err)
		}
	}

	id := uuid.NewString()
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tool_calls_json, tool_results_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, conversationID, string(role), content, string(toolCallsJSON), string(toolResultsJSON), now,
	)
	if err != nil {
		return "", fmt.Errorf("convstore: append message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return "", fmt.Errorf("convstore: bump conversation updated_at: %w", err)
	}
	return id, nil
}

// GetMessages returns a conversation's messages in chronological order.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tool_calls_json, tool_results_json, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("convstore: get messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var role string
		var toolCallsJSON, toolResultsJSON sql.NullString
		var createdAtMs int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &toolCallsJSON, &toolResultsJSON, &createdAtMs); err != nil {
			return nil, fmt.Errorf("convstore: scan message: %w", err)
		}
		m.Role = wire.Role(role)
		m.CreatedAt = time.UnixMilli(createdAtMs)
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			_ = json.Unmarshal([]byte(toolCallsJSON.String), &m.ToolCalls)
		}
		if toolResultsJSON.Valid && toolResultsJSON.String != "" {
			_ = json.Unmarshal([]byte(toolResultsJSON.String), &m.ToolResults)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row *sql.Row) (Conversation, error) {
	return scanConversationScanner(row)
}

func scanConversationRows(rows *sql.Rows) (Conversation, error) {
	return scanConversationScanner(rows)
}

func scanConversationScanner(scanner rowScanner) (Conversation, error) {
	var c Conversation
	var title, systemPrompt, metadataJSON sql.NullString
	var createdAtMs, updatedAtMs int64
	if err := scanner.Scan(&c.ID, &title, &createdAtMs, &updatedAtMs, &systemPrompt, &metadataJSON); err != nil {
		return Conversation{}, fmt.Errorf("convstore: scan conversation: %w", err)
	}
	c.Title = title.String
	c.SystemPrompt = systemPrompt.String
	c.CreatedAt = time.UnixMilli(createdAtMs)
	c.UpdatedAt = time.UnixMilli(updatedAtMs)
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &c.Metadata)
	}
	return c, nil
}
