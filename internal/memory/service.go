// Package memory stores long-term facts in SQLite and retrieves them with a
// full-text match re-ranked by reinforcement score and recency.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/clawcore/internal/store"
)

// Default reinforcement weights.
const (
	DefaultReinforceWeight = 3
	DefaultDemoteWeight    = 1
)

// Memory is a stored fact.
type Memory struct {
	ID        int64      `json:"id"`
	Content   string     `json:"content"`
	Source    string     `json:"source,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	Score     int        `json:"score"`
	CreatedAt time.Time  `json:"created_at"`
	LastHitAt *time.Time `json:"last_hit_at,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
}

// Entry is the input to Store.
type Entry struct {
	Content   string
	Source    string
	Tags      []string
	SessionID string
}

// Service is the memory engine. It is safe for concurrent use; all state
// lives in the store.
type Service struct {
	db       *sql.DB
	synonyms Synonyms
	now      func() time.Time
}

// NewService creates a Service. A nil synonym table falls back to the
// built-in English table.
func NewService(st *store.Store, synonyms Synonyms) *Service {
	if synonyms == nil {
		synonyms = DefaultSynonyms()
	}
	return &Service{db: st.DB(), synonyms: synonyms, now: time.Now}
}

// Store persists a new memory with score 0 and returns its id.
func (s *Service) Store(ctx context.Context, e Entry) (int64, error) {
	content := strings.TrimSpace(e.Content)
	if content == "" {
		return 0, fmt.Errorf("memory content is required")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO memories (content, source, tags, score, created_at, session_id)
		VALUES (?, ?, ?, 0, ?, ?)`,
		content, nullString(e.Source), nullString(joinTags(e.Tags)), store.Millis(s.now()), nullString(e.SessionID))
	if err != nil {
		return 0, fmt.Errorf("store memory: %w", err)
	}
	return res.LastInsertId()
}

// Get returns a single memory or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, content, COALESCE(source,''), COALESCE(tags,''), score, created_at, last_hit_at, COALESCE(session_id,'')
		FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// List returns memories ordered by score, best first.
func (s *Service) List(ctx context.Context, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, COALESCE(source,''), COALESCE(tags,''), score, created_at, last_hit_at, COALESCE(session_id,'')
		FROM memories ORDER BY score DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Reinforce raises a memory's score by weight (default 3) and refreshes its
// recency reference.
func (s *Service) Reinforce(ctx context.Context, id int64, weight int) error {
	if weight <= 0 {
		weight = DefaultReinforceWeight
	}
	return s.exec(ctx, id, `UPDATE memories SET score = score + ?, last_hit_at = ? WHERE id = ?`,
		weight, store.Millis(s.now()), id)
}

// Demote lowers a memory's score by weight (default 1). Recency is untouched.
func (s *Service) Demote(ctx context.Context, id int64, weight int) error {
	if weight <= 0 {
		weight = DefaultDemoteWeight
	}
	return s.exec(ctx, id, `UPDATE memories SET score = score - ? WHERE id = ?`, weight, id)
}

// Update replaces a memory's content. Tags are replaced only when non-nil.
func (s *Service) Update(ctx context.Context, id int64, content string, tags []string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("memory content is required")
	}
	if tags == nil {
		return s.exec(ctx, id, `UPDATE memories SET content = ? WHERE id = ?`, content, id)
	}
	return s.exec(ctx, id, `UPDATE memories SET content = ?, tags = ? WHERE id = ?`, content, nullString(joinTags(tags)), id)
}

// Forget hard-deletes a memory without archiving it.
func (s *Service) Forget(ctx context.Context, id int64) error {
	return s.exec(ctx, id, `DELETE FROM memories WHERE id = ?`, id)
}

// Count returns the number of active memories.
func (s *Service) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

// ArchiveCount returns the number of archived memories.
func (s *Service) ArchiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories_archive`).Scan(&n)
	return n, err
}

func (s *Service) exec(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("memory %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(r rowScanner) (*Memory, error) {
	var m Memory
	var tags string
	var created int64
	var lastHit sql.NullInt64
	if err := r.Scan(&m.ID, &m.Content, &m.Source, &tags, &m.Score, &created, &lastHit, &m.SessionID); err != nil {
		return nil, err
	}
	m.Tags = splitTags(tags)
	m.CreatedAt = store.FromMillis(created)
	m.LastHitAt = store.NullableMillis(lastHit)
	return &m, nil
}

func joinTags(tags []string) string {
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	return strings.Join(clean, ",")
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
