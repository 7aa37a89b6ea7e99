package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/clawcore/internal/memory"
)

func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func idParam(params map[string]any) (int64, error) {
	id := GetInt(params, "id", 0)
	if id <= 0 {
		return 0, fmt.Errorf("id is required")
	}
	return int64(id), nil
}

// MemoryStoreTool stores a fact in long-term memory.
type MemoryStoreTool struct {
	service *memory.Service
}

func NewMemoryStoreTool(service *memory.Service) *MemoryStoreTool {
	return &MemoryStoreTool{service: service}
}

func (t *MemoryStoreTool) Name() string { return "memory_store" }
func (t *MemoryStoreTool) Description() string {
	return "Store a fact in long-term memory for later recall. Use this when the user asks you to remember something or states a lasting preference."
}

func (t *MemoryStoreTool) Parameters() map[string]any {
	return schema(map[string]any{
		"content": prop("string", "The fact to remember"),
		"tags":    prop("string", "Optional comma-separated tags"),
	}, "content")
}

func (t *MemoryStoreTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	content := GetString(params, "content", "")
	if strings.TrimSpace(content) == "" {
		return "Error: content is required", nil
	}
	id, err := t.service.Store(ctx, memory.Entry{
		Content:   content,
		Source:    "tool",
		Tags:      GetStrings(params, "tags"),
		SessionID: SessionID(ctx),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Remembered: %q (id: %d)", preview(content, 80), id), nil
}

// MemoryQueryTool searches long-term memory.
type MemoryQueryTool struct {
	service *memory.Service
}

func NewMemoryQueryTool(service *memory.Service) *MemoryQueryTool {
	return &MemoryQueryTool{service: service}
}

func (t *MemoryQueryTool) Name() string { return "memory_query" }
func (t *MemoryQueryTool) Description() string {
	return "Search long-term memory for facts relevant to a query. Returns ranked memories with their ids."
}

func (t *MemoryQueryTool) Parameters() map[string]any {
	return schema(map[string]any{
		"query": prop("string", "The search query"),
		"limit": prop("integer", "Maximum number of results (default: 5)"),
	}, "query")
}

func (t *MemoryQueryTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	query := GetString(params, "query", "")
	if query == "" {
		return "Error: query is required", nil
	}
	results, err := t.service.Query(ctx, query, GetInt(params, "limit", 5))
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No relevant memories found.", nil
	}
	return FormatMemories(results), nil
}

// FormatMemories renders ranked memories one per line.
func FormatMemories(results []memory.Result) string {
	var sb strings.Builder
	for _, r := range results {
		sb.WriteString(fmt.Sprintf("%d. [id=%d score=%d] %s\n", r.Rank, r.ID, r.Score, r.Content))
	}
	return sb.String()
}

// MemoryReinforceTool raises a memory's score.
type MemoryReinforceTool struct {
	service *memory.Service
}

func NewMemoryReinforceTool(service *memory.Service) *MemoryReinforceTool {
	return &MemoryReinforceTool{service: service}
}

func (t *MemoryReinforceTool) Name() string { return "memory_reinforce" }
func (t *MemoryReinforceTool) Description() string {
	return "Mark a memory as useful so it ranks higher in future searches."
}

func (t *MemoryReinforceTool) Parameters() map[string]any {
	return schema(map[string]any{
		"id":     prop("integer", "Memory id"),
		"weight": prop("integer", "Score increase (default: 3)"),
	}, "id")
}

func (t *MemoryReinforceTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	id, err := idParam(params)
	if err != nil {
		return "", err
	}
	if err := t.service.Reinforce(ctx, id, GetInt(params, "weight", 0)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Reinforced memory %d", id), nil
}

// MemoryDemoteTool lowers a memory's score.
type MemoryDemoteTool struct {
	service *memory.Service
}

func NewMemoryDemoteTool(service *memory.Service) *MemoryDemoteTool {
	return &MemoryDemoteTool{service: service}
}

func (t *MemoryDemoteTool) Name() string { return "memory_demote" }
func (t *MemoryDemoteTool) Description() string {
	return "Mark a memory as unhelpful or outdated so it ranks lower."
}

func (t *MemoryDemoteTool) Parameters() map[string]any {
	return schema(map[string]any{
		"id":     prop("integer", "Memory id"),
		"weight": prop("integer", "Score decrease (default: 1)"),
	}, "id")
}

func (t *MemoryDemoteTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	id, err := idParam(params)
	if err != nil {
		return "", err
	}
	if err := t.service.Demote(ctx, id, GetInt(params, "weight", 0)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Demoted memory %d", id), nil
}

// MemoryUpdateTool rewrites a memory.
type MemoryUpdateTool struct {
	service *memory.Service
}

func NewMemoryUpdateTool(service *memory.Service) *MemoryUpdateTool {
	return &MemoryUpdateTool{service: service}
}

func (t *MemoryUpdateTool) Name() string { return "memory_update" }
func (t *MemoryUpdateTool) Description() string {
	return "Replace the content of an existing memory, e.g. when a fact changed."
}

func (t *MemoryUpdateTool) Parameters() map[string]any {
	return schema(map[string]any{
		"id":      prop("integer", "Memory id"),
		"content": prop("string", "New content"),
		"tags":    prop("string", "Optional comma-separated tags; omitted keeps existing tags"),
	}, "id", "content")
}

func (t *MemoryUpdateTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	id, err := idParam(params)
	if err != nil {
		return "", err
	}
	var tags []string
	if _, ok := params["tags"]; ok {
		tags = GetStrings(params, "tags")
		if tags == nil {
			tags = []string{}
		}
	}
	if err := t.service.Update(ctx, id, GetString(params, "content", ""), tags); err != nil {
		return "", err
	}
	return fmt.Sprintf("Updated memory %d", id), nil
}

// MemoryForgetTool deletes a memory without archiving it.
type MemoryForgetTool struct {
	service *memory.Service
}

func NewMemoryForgetTool(service *memory.Service) *MemoryForgetTool {
	return &MemoryForgetTool{service: service}
}

func (t *MemoryForgetTool) Name() string { return "memory_forget" }
func (t *MemoryForgetTool) Description() string {
	return "Permanently delete a memory. Use only when the user asks to forget something."
}

func (t *MemoryForgetTool) Parameters() map[string]any {
	return schema(map[string]any{"id": prop("integer", "Memory id")}, "id")
}

func (t *MemoryForgetTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	id, err := idParam(params)
	if err != nil {
		return "", err
	}
	if err := t.service.Forget(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("Forgot memory %d", id), nil
}

func preview(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
