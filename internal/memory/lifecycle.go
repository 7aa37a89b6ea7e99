package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/KafClaw/clawcore/internal/store"
)

// Prune moves the lowest-scoring floor(count*percent/100) memories to the
// archive table and deletes them, in one transaction. Ties on score go to
// the oldest id first. It returns the number of memories moved.
func (s *Service) Prune(ctx context.Context, percent float64) (int, error) {
	if percent < 0 || percent > 100 {
		return 0, fmt.Errorf("prune percent must be between 0 and 100, got %v", percent)
	}
	moved := 0
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&count); err != nil {
			return err
		}
		n := int(float64(count) * percent / 100)
		if n == 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `SELECT id FROM memories ORDER BY score ASC, id ASC LIMIT ?`, n)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		archive, err := tx.PrepareContext(ctx, `INSERT INTO memories_archive (id, content, source, tags, score, created_at, last_hit_at, session_id, archived_at)
			SELECT id, content, source, tags, score, created_at, last_hit_at, session_id, ? FROM memories WHERE id = ?`)
		if err != nil {
			return err
		}
		defer archive.Close()
		del, err := tx.PrepareContext(ctx, `DELETE FROM memories WHERE id = ?`)
		if err != nil {
			return err
		}
		defer del.Close()

		archivedAt := store.Millis(s.now())
		for _, id := range ids {
			if _, err := archive.ExecContext(ctx, archivedAt, id); err != nil {
				return fmt.Errorf("archive memory %d: %w", id, err)
			}
			if _, err := del.ExecContext(ctx, id); err != nil {
				return fmt.Errorf("delete memory %d: %w", id, err)
			}
		}
		moved = len(ids)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune memories: %w", err)
	}
	if moved > 0 {
		slog.Info("Memory pruned to archive", "moved", moved, "percent", percent)
	}
	return moved, nil
}
