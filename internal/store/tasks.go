package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateTask inserts a task. ID defaults to a new UUID and Status to open.
func (s *Store) CreateTask(task *Task) (*Task, error) {
	if strings.TrimSpace(task.Title) == "" {
		return nil, fmt.Errorf("title is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskStatusOpen
	}
	if !validTaskStatus(task.Status) {
		return nil, fmt.Errorf("invalid task status %q", task.Status)
	}
	blocked, err := json.Marshal(nonNil(task.BlockedBy))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	_, err = s.db.Exec(`INSERT INTO tasks (id, title, description, status, priority, blocked_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, task.Status, task.Priority, string(blocked), Millis(now), Millis(now))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask returns a task by id or ErrNotFound.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT id, title, COALESCE(description,''), status, priority, blocked_by, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// ListTasks returns tasks filtered by status (empty = all), highest priority first.
func (s *Store) ListTasks(status string) ([]Task, error) {
	query := `SELECT id, title, COALESCE(description,''), status, priority, blocked_by, created_at, updated_at FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority DESC, created_at ASC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

// UpdateTaskStatus moves a task to status.
func (s *Store) UpdateTaskStatus(id, status string) error {
	if !validTaskStatus(status) {
		return fmt.Errorf("invalid task status %q", status)
	}
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, Millis(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReadyTasks returns open tasks whose every blocker is done. Unknown blocker
// ids count as not done.
func (s *Store) ReadyTasks() ([]Task, error) {
	all, err := s.ListTasks("")
	if err != nil {
		return nil, err
	}
	status := make(map[string]string, len(all))
	for _, t := range all {
		status[t.ID] = t.Status
	}
	var ready []Task
	for _, t := range all {
		if IsReady(t, status) {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// IsReady reports whether t is open and all of its blockers are done
// according to statusByID.
func IsReady(t Task, statusByID map[string]string) bool {
	if t.Status != TaskStatusOpen {
		return false
	}
	for _, dep := range t.BlockedBy {
		if statusByID[dep] != TaskStatusDone {
			return false
		}
	}
	return true
}

// StartTaskRun records an execution attempt for a task and marks the task
// in progress.
func (s *Store) StartTaskRun(ctx context.Context, taskID, agentRunID string) (int64, error) {
	var runID int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		now := Millis(time.Now())
		res, err := tx.Exec(`INSERT INTO task_runs (task_id, agent_run_id, status, started_at) VALUES (?, ?, 'running', ?)`,
			taskID, agentRunID, now)
		if err != nil {
			return fmt.Errorf("insert task run: %w", err)
		}
		runID, _ = res.LastInsertId()
		_, err = tx.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, TaskStatusInProgress, now, taskID)
		return err
	})
	return runID, err
}

// FinishTaskRun closes a task run and moves the task to taskStatus.
func (s *Store) FinishTaskRun(ctx context.Context, agentRunID, runStatus, result, taskStatus string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := Millis(time.Now())
		var taskID string
		err := tx.QueryRow(`SELECT task_id FROM task_runs WHERE agent_run_id = ? AND ended_at IS NULL`, agentRunID).Scan(&taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE task_runs SET status = ?, result = ?, ended_at = ? WHERE agent_run_id = ? AND ended_at IS NULL`,
			runStatus, result, now, agentRunID); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, taskStatus, now, taskID)
		return err
	})
}

// ListTaskRuns returns the runs recorded for a task, oldest first.
func (s *Store) ListTaskRuns(taskID string) ([]TaskRun, error) {
	rows, err := s.db.Query(`SELECT id, task_id, agent_run_id, status, COALESCE(result,''), started_at, ended_at
		FROM task_runs WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&r.ID, &r.TaskID, &r.AgentRunID, &r.Status, &r.Result, &started, &ended); err != nil {
			return nil, err
		}
		r.StartedAt = FromMillis(started)
		r.EndedAt = NullableMillis(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var blocked string
	var created, updated int64
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &blocked, &created, &updated); err != nil {
		return nil, err
	}
	if blocked != "" {
		if err := json.Unmarshal([]byte(blocked), &t.BlockedBy); err != nil {
			return nil, fmt.Errorf("decode blocked_by for %s: %w", t.ID, err)
		}
	}
	t.CreatedAt = FromMillis(created)
	t.UpdatedAt = FromMillis(updated)
	return &t, nil
}

func validTaskStatus(status string) bool {
	switch status {
	case TaskStatusOpen, TaskStatusInProgress, TaskStatusDone, TaskStatusCancelled:
		return true
	}
	return false
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
