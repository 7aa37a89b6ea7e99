package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/KafClaw/clawcore/internal/skills"
)

// SkillListTool lists available skills.
type SkillListTool struct {
	lib *skills.Library
}

func NewSkillListTool(lib *skills.Library) *SkillListTool { return &SkillListTool{lib: lib} }

func (t *SkillListTool) Name() string        { return "skill_list" }
func (t *SkillListTool) Description() string { return "List available skills with their triggers." }
func (t *SkillListTool) Parameters() map[string]any {
	return schema(map[string]any{})
}

func (t *SkillListTool) Execute(ctx context.Context, _ map[string]any) (string, error) {
	all, err := t.lib.List(ctx)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "No skills defined.", nil
	}
	var sb strings.Builder
	for _, s := range all {
		sb.WriteString(fmt.Sprintf("- %s [%s] %s", s.Name, s.Source, s.Description))
		if len(s.Triggers) > 0 {
			sb.WriteString(" (triggers: " + strings.Join(s.Triggers, ", ") + ")")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// SkillGetTool loads a skill's full content.
type SkillGetTool struct {
	lib *skills.Library
}

func NewSkillGetTool(lib *skills.Library) *SkillGetTool { return &SkillGetTool{lib: lib} }

func (t *SkillGetTool) Name() string        { return "skill_get" }
func (t *SkillGetTool) Description() string { return "Load the full instructions of a skill by name." }
func (t *SkillGetTool) Parameters() map[string]any {
	return schema(map[string]any{"name": prop("string", "Skill name")}, "name")
}

func (t *SkillGetTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	s, err := t.lib.Get(ctx, GetString(params, "name", ""))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("# %s\n%s\n\n%s", s.Name, s.Description, s.Content), nil
}

func skillFromParams(params map[string]any) skills.Skill {
	return skills.Skill{
		Name:        GetString(params, "name", ""),
		Description: GetString(params, "description", ""),
		Triggers:    GetStrings(params, "triggers"),
		Tools:       GetStrings(params, "tools"),
		Content:     GetString(params, "content", ""),
	}
}

func skillSchema() map[string]any {
	return schema(map[string]any{
		"name":        prop("string", "Unique lowercase skill name"),
		"description": prop("string", "One-line description"),
		"triggers":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Words or phrases that activate the skill"},
		"tools":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Tools a sub-agent running this skill may use"},
		"content":     prop("string", "The instructions"),
	}, "name", "description", "content")
}

// SkillCreateTool creates a DB skill.
type SkillCreateTool struct {
	lib *skills.Library
}

func NewSkillCreateTool(lib *skills.Library) *SkillCreateTool { return &SkillCreateTool{lib: lib} }

func (t *SkillCreateTool) Name() string { return "skill_create" }
func (t *SkillCreateTool) Description() string {
	return "Save a reusable recipe as a new skill. Triggers must be specific words, not common ones."
}
func (t *SkillCreateTool) Parameters() map[string]any { return skillSchema() }

func (t *SkillCreateTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	s := skillFromParams(params)
	if err := t.lib.Create(ctx, s); err != nil {
		return "", err
	}
	return fmt.Sprintf("Created skill %s", s.Name), nil
}

// SkillUpdateTool replaces a DB skill.
type SkillUpdateTool struct {
	lib *skills.Library
}

func NewSkillUpdateTool(lib *skills.Library) *SkillUpdateTool { return &SkillUpdateTool{lib: lib} }

func (t *SkillUpdateTool) Name() string                { return "skill_update" }
func (t *SkillUpdateTool) Description() string         { return "Replace an agent-created skill." }
func (t *SkillUpdateTool) Parameters() map[string]any { return skillSchema() }

func (t *SkillUpdateTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	s := skillFromParams(params)
	if err := t.lib.Update(ctx, s); err != nil {
		return "", err
	}
	return fmt.Sprintf("Updated skill %s", s.Name), nil
}

// SkillDeleteTool deletes a DB skill.
type SkillDeleteTool struct {
	lib *skills.Library
}

func NewSkillDeleteTool(lib *skills.Library) *SkillDeleteTool { return &SkillDeleteTool{lib: lib} }

func (t *SkillDeleteTool) Name() string        { return "skill_delete" }
func (t *SkillDeleteTool) Description() string { return "Delete an agent-created skill." }
func (t *SkillDeleteTool) Parameters() map[string]any {
	return schema(map[string]any{"name": prop("string", "Skill name")}, "name")
}

func (t *SkillDeleteTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	name := GetString(params, "name", "")
	if err := t.lib.Delete(ctx, name); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted skill %s", name), nil
}

func toJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
