// Package buffer is the persistent staging area for inbound channel messages.
// Unrouted rows are grouped into batches per (conversation, channel) and
// served in (priority ASC, id ASC) order.
package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/KafClaw/clawcore/internal/store"
)

// Priority classes. Lower values are served first.
const (
	PriorityDirect       = 10
	PriorityWebhook      = 50
	PriorityNotification = 100
	DefaultPriority      = PriorityNotification
)

// Message is a buffered inbound message.
type Message struct {
	ID           int64     `json:"id"`
	Channel      string    `json:"channel"`
	Sender       string    `json:"sender,omitempty"`
	Conversation string    `json:"conversation,omitempty"`
	Payload      string    `json:"payload"`
	ReceivedAt   time.Time `json:"received_at"`
	Priority     int       `json:"priority"`
	Routed       bool      `json:"routed"`
}

// Inbound is what a channel hands to Insert. A zero Priority means default.
type Inbound struct {
	Channel      string
	Sender       string
	Conversation string
	Payload      string
	Priority     int
}

// Batch groups unrouted messages of one (conversation, channel) pair.
type Batch struct {
	Channel      string
	Conversation string
	Messages     []Message
}

// IDs returns the ids of every message in the batch.
func (b Batch) IDs() []int64 {
	ids := make([]int64, len(b.Messages))
	for i, m := range b.Messages {
		ids[i] = m.ID
	}
	return ids
}

// First returns the earliest message of the batch.
func (b Batch) First() (Message, bool) {
	if len(b.Messages) == 0 {
		return Message{}, false
	}
	return b.Messages[0], true
}

// Text joins the payloads of the batch, one per line.
func (b Batch) Text() string {
	parts := make([]string, 0, len(b.Messages))
	for _, m := range b.Messages {
		parts = append(parts, m.Payload)
	}
	return strings.Join(parts, "\n")
}

// Buffer reads and writes the buffer table.
type Buffer struct {
	db *sql.DB
}

// New creates a Buffer over the shared store.
func New(st *store.Store) *Buffer {
	return &Buffer{db: st.DB()}
}

// Insert stores an inbound message and returns its id.
func (b *Buffer) Insert(ctx context.Context, in Inbound) (int64, error) {
	if strings.TrimSpace(in.Channel) == "" {
		return 0, fmt.Errorf("channel is required")
	}
	priority := in.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}
	res, err := b.db.ExecContext(ctx, `INSERT INTO buffer (channel, sender, conversation, payload, received_at, priority, routed)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		in.Channel, nullString(in.Sender), nullString(in.Conversation), in.Payload, store.Millis(time.Now()), priority)
	if err != nil {
		return 0, fmt.Errorf("insert buffered message: %w", err)
	}
	return res.LastInsertId()
}

// GetUnrouted returns all unrouted messages grouped into batches. Batches are
// ordered by their most urgent message; messages inside a batch keep
// insertion order.
func (b *Buffer) GetUnrouted(ctx context.Context) ([]Batch, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, channel, COALESCE(sender,''), COALESCE(conversation,''), payload, received_at, priority, routed
		FROM buffer WHERE routed = 0 ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unrouted: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	index := map[string]int{}
	for rows.Next() {
		var m Message
		var received int64
		if err := rows.Scan(&m.ID, &m.Channel, &m.Sender, &m.Conversation, &m.Payload, &received, &m.Priority, &m.Routed); err != nil {
			return nil, err
		}
		m.ReceivedAt = store.FromMillis(received)
		key := m.Conversation + "\x00" + m.Channel
		i, ok := index[key]
		if !ok {
			i = len(batches)
			index[key] = i
			batches = append(batches, Batch{Channel: m.Channel, Conversation: m.Conversation})
		}
		batches[i].Messages = append(batches[i].Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range batches {
		msgs := batches[i].Messages
		sort.SliceStable(msgs, func(a, c int) bool { return msgs[a].ID < msgs[c].ID })
	}
	return batches, nil
}

// MarkRouted flips routed for every id in one transaction. Already-routed
// ids are left untouched.
func (b *Buffer) MarkRouted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return store.WithTx(ctx, b.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE buffer SET routed = 1 WHERE id = ? AND routed = 0`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return fmt.Errorf("mark routed %d: %w", id, err)
			}
		}
		return nil
	})
}

// Cleanup deletes routed messages older than retentionDays and returns how
// many were removed. Unrouted rows are never touched.
func (b *Buffer) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		retentionDays = 0
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	res, err := b.db.ExecContext(ctx, `DELETE FROM buffer WHERE routed = 1 AND received_at < ?`, store.Millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup buffer: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Buffer cleanup", "removed", n, "retention_days", retentionDays)
	}
	return n, nil
}

// Get returns a single buffered message.
func (b *Buffer) Get(ctx context.Context, id int64) (*Message, error) {
	var m Message
	var received int64
	err := b.db.QueryRowContext(ctx, `SELECT id, channel, COALESCE(sender,''), COALESCE(conversation,''), payload, received_at, priority, routed
		FROM buffer WHERE id = ?`, id).
		Scan(&m.ID, &m.Channel, &m.Sender, &m.Conversation, &m.Payload, &received, &m.Priority, &m.Routed)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.ReceivedAt = store.FromMillis(received)
	return &m, nil
}

// Stats reports unrouted and total row counts.
func (b *Buffer) Stats(ctx context.Context) (unrouted, total int, err error) {
	err = b.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(CASE WHEN routed = 0 THEN 1 ELSE 0 END), 0), COUNT(*) FROM buffer`).
		Scan(&unrouted, &total)
	return unrouted, total, err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
