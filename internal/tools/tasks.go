package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/clawcore/internal/store"
)

// TaskCreateTool records a tracked task.
type TaskCreateTool struct {
	st *store.Store
}

func NewTaskCreateTool(st *store.Store) *TaskCreateTool { return &TaskCreateTool{st: st} }

func (t *TaskCreateTool) Name() string { return "task_create" }
func (t *TaskCreateTool) Description() string {
	return "Create a tracked task. blockedBy lists task ids that must be done first."
}

func (t *TaskCreateTool) Parameters() map[string]any {
	return schema(map[string]any{
		"title":       prop("string", "Task title"),
		"description": prop("string", "Optional details"),
		"priority":    prop("integer", "Higher runs first (default 0)"),
		"blockedBy":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Blocking task ids"},
	}, "title")
}

func (t *TaskCreateTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	task, err := t.st.CreateTask(&store.Task{
		Title:       GetString(params, "title", ""),
		Description: GetString(params, "description", ""),
		Priority:    GetInt(params, "priority", 0),
		BlockedBy:   GetStrings(params, "blockedBy"),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created task %s: %s", task.ID, task.Title), nil
}

// TaskListTool lists tasks.
type TaskListTool struct {
	st *store.Store
}

func NewTaskListTool(st *store.Store) *TaskListTool { return &TaskListTool{st: st} }

func (t *TaskListTool) Name() string        { return "task_list" }
func (t *TaskListTool) Description() string { return "List tracked tasks. status=ready shows unblocked open tasks." }
func (t *TaskListTool) Parameters() map[string]any {
	return schema(map[string]any{
		"status": prop("string", "Optional filter: open, in_progress, done, cancelled or ready"),
	})
}

func (t *TaskListTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	status := strings.TrimSpace(GetString(params, "status", ""))
	var (
		tasks []store.Task
		err   error
	)
	if status == "ready" {
		tasks, err = t.st.ReadyTasks()
	} else {
		tasks, err = t.st.ListTasks(status)
	}
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "No tasks.", nil
	}
	return FormatTasks(tasks), nil
}

// FormatTasks renders tasks one per line.
func FormatTasks(tasks []store.Task) string {
	var sb strings.Builder
	for _, task := range tasks {
		sb.WriteString(fmt.Sprintf("- %s [%s] p%d %s", task.ID, task.Status, task.Priority, task.Title))
		if len(task.BlockedBy) > 0 {
			sb.WriteString(" (blocked by " + strings.Join(task.BlockedBy, ", ") + ")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// TaskUpdateTool changes a task's status.
type TaskUpdateTool struct {
	st *store.Store
}

func NewTaskUpdateTool(st *store.Store) *TaskUpdateTool { return &TaskUpdateTool{st: st} }

func (t *TaskUpdateTool) Name() string        { return "task_update" }
func (t *TaskUpdateTool) Description() string { return "Set the status of a tracked task." }
func (t *TaskUpdateTool) Parameters() map[string]any {
	return schema(map[string]any{
		"id":     prop("string", "Task id"),
		"status": prop("string", "open, in_progress, done or cancelled"),
	}, "id", "status")
}

func (t *TaskUpdateTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	id := GetString(params, "id", "")
	status := GetString(params, "status", "")
	if err := t.st.UpdateTaskStatus(id, status); err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %s is now %s", id, status), nil
}
