// Package session provides conversation session persistence. A session row
// is never deleted; its message log can be cleared, pruned, or compacted.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/store"
)

// Session types.
const (
	TypeMain     = "main"
	TypeSubAgent = "sub-agent"
)

// MainID is the id of the coordinator session.
const MainID = "main"

// Message is a persisted chat message.
type Message struct {
	ID         int64               `json:"id"`
	Role       string              `json:"role"`
	Content    string              `json:"content"`
	ToolCalls  []provider.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// ToProvider converts the message for a model request.
func (m Message) ToProvider() provider.Message {
	return provider.Message{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls, ToolCallID: m.ToolCallID}
}

// FromProvider converts a model message for persistence.
func FromProvider(pm provider.Message) Message {
	return Message{Role: pm.Role, Content: pm.Content, ToolCalls: pm.ToolCalls, ToolCallID: pm.ToolCallID}
}

// Session is a conversation owner.
type Session struct {
	ID        string    `json:"id"`
	Model     string    `json:"model,omitempty"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager persists sessions and their messages.
type Manager struct {
	db *sql.DB
}

// NewManager creates a session manager over the shared store.
func NewManager(st *store.Store) *Manager {
	return &Manager{db: st.DB()}
}

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(ctx context.Context, id, typ, model string) (*Session, error) {
	if typ == "" {
		typ = TypeMain
	}
	now := store.Millis(time.Now())
	if _, err := m.db.ExecContext(ctx, `INSERT OR IGNORE INTO sessions (id, created_at, updated_at, model, type) VALUES (?, ?, ?, ?, ?)`,
		id, now, now, nullString(model), typ); err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	return m.Get(ctx, id)
}

// Get returns a session or store.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	var created, updated int64
	err := m.db.QueryRowContext(ctx, `SELECT id, COALESCE(model,''), type, created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.Model, &s.Type, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt = store.FromMillis(created)
	s.UpdatedAt = store.FromMillis(updated)
	return &s, nil
}

// Append adds messages to the end of a session log.
func (m *Manager) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		return appendTx(ctx, tx, sessionID, msgs)
	})
}

func appendTx(ctx context.Context, tx *sql.Tx, sessionID string, msgs []Message) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now()
	for _, msg := range msgs {
		var toolCalls any
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			toolCalls = string(data)
		}
		created := msg.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, sessionID, msg.Role, msg.Content, toolCalls, nullString(msg.ToolCallID), store.Millis(created)); err != nil {
			return fmt.Errorf("append message to %s: %w", sessionID, err)
		}
	}
	_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, store.Millis(now), sessionID)
	return err
}

// History returns the most recent limit messages in chronological order.
// limit <= 0 returns the whole log.
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	query := `SELECT id, role, content, tool_calls, tool_call_id, created_at FROM messages WHERE session_id = ? ORDER BY id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT * FROM (SELECT id, role, content, tool_calls, tool_call_id, created_at FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id ASC`
		args = append(args, limit)
	}
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var toolCalls, toolCallID sql.NullString
		var created int64
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &toolCalls, &toolCallID, &created); err != nil {
			return nil, err
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of message %d: %w", msg.ID, err)
			}
		}
		msg.ToolCallID = toolCallID.String
		msg.CreatedAt = store.FromMillis(created)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Count returns the number of messages in a session.
func (m *Manager) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// Clear wipes a session's history. The session row remains.
func (m *Manager) Clear(ctx context.Context, sessionID string) (int64, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	return res.RowsAffected()
}

// Prune deletes the oldest messages so at most maxMessages remain.
func (m *Manager) Prune(ctx context.Context, sessionID string, maxMessages int) (int64, error) {
	if maxMessages < 0 {
		maxMessages = 0
	}
	res, err := m.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND id NOT IN (
		SELECT id FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?)`, sessionID, sessionID, maxMessages)
	if err != nil {
		return 0, fmt.Errorf("prune session %s: %w", sessionID, err)
	}
	return res.RowsAffected()
}

// ReplacePrefix deletes the given message ids and inserts summary in their
// place, ahead of the remaining tail. It runs in one transaction.
func (m *Manager) ReplacePrefix(ctx context.Context, sessionID string, ids []int64, summary Message) error {
	if len(ids) == 0 {
		return nil
	}
	return store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		del, err := tx.PrepareContext(ctx, `DELETE FROM messages WHERE session_id = ? AND id = ?`)
		if err != nil {
			return err
		}
		defer del.Close()
		for _, id := range ids {
			if _, err := del.ExecContext(ctx, sessionID, id); err != nil {
				return fmt.Errorf("delete compacted message %d: %w", id, err)
			}
		}
		// Reuse the newest compacted id so the summary sorts before the kept tail.
		last := ids[0]
		for _, id := range ids {
			if id > last {
				last = id
			}
		}
		var toolCalls any
		if len(summary.ToolCalls) > 0 {
			data, _ := json.Marshal(summary.ToolCalls)
			toolCalls = string(data)
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			last, sessionID, summary.Role, summary.Content, toolCalls, nullString(summary.ToolCallID), store.Millis(now)); err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, store.Millis(now), sessionID)
		return err
	})
}

// List returns all sessions, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]Session, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, COALESCE(model,''), type, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var s Session
		var created, updated int64
		if err := rows.Scan(&s.ID, &s.Model, &s.Type, &created, &updated); err != nil {
			return nil, err
		}
		s.CreatedAt = store.FromMillis(created)
		s.UpdatedAt = store.FromMillis(updated)
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
