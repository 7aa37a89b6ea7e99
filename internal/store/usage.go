package store

import (
	"time"
)

// RecordTokenUsage appends one accounting row.
func (s *Store) RecordTokenUsage(u TokenUsage) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO token_usage (session_id, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.SessionID, u.Model, u.PromptTokens, u.CompletionTokens, u.TotalTokens, Millis(u.CreatedAt))
	return err
}

// DailyTokenUsage sums total tokens recorded since local midnight.
func (s *Store) DailyTokenUsage() (int, error) {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var total int
	err := s.db.QueryRow(`SELECT COALESCE(SUM(total_tokens), 0) FROM token_usage WHERE created_at >= ?`, Millis(midnight)).Scan(&total)
	return total, err
}

// SessionTokenUsage sums total tokens recorded for a session.
func (s *Store) SessionTokenUsage(sessionID string) (int, error) {
	var total int
	err := s.db.QueryRow(`SELECT COALESCE(SUM(total_tokens), 0) FROM token_usage WHERE session_id = ?`, sessionID).Scan(&total)
	return total, err
}
