package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SpawnRequest asks the agent manager for a sub-agent run.
type SpawnRequest struct {
	Task   string
	Skill  string
	TaskID string
	Label  string
}

type SpawnResult struct {
	Status  string `json:"status"`
	RunID   string `json:"runId,omitempty"`
	Message string `json:"message,omitempty"`
}

// AgentRunView is the externally visible state of one sub-agent run.
type AgentRunView struct {
	RunID      string     `json:"runId"`
	Task       string     `json:"task"`
	Label      string     `json:"label,omitempty"`
	Skill      string     `json:"skill,omitempty"`
	TaskID     string     `json:"taskId,omitempty"`
	Status     string     `json:"status"`
	Iterations int        `json:"iterations"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type SpawnAgentTool struct {
	spawn func(context.Context, SpawnRequest) (SpawnResult, error)
}

func NewSpawnAgentTool(spawnFn func(context.Context, SpawnRequest) (SpawnResult, error)) *SpawnAgentTool {
	return &SpawnAgentTool{spawn: spawnFn}
}

func (t *SpawnAgentTool) Name() string { return "spawn_agent" }
func (t *SpawnAgentTool) Description() string {
	return "Start a background sub-agent for a self-contained task. Fails immediately when the concurrency limit is reached; try again later."
}

func (t *SpawnAgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "Task instruction for the sub-agent.",
			},
			"skill": map[string]any{
				"type":        "string",
				"description": "Optional skill whose instructions and tool list the sub-agent uses.",
			},
			"taskId": map[string]any{
				"type":        "string",
				"description": "Optional tracked task id this run works on.",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Optional short label for the run.",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnAgentTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	if t.spawn == nil {
		return "", fmt.Errorf("spawn_agent unavailable")
	}
	task := strings.TrimSpace(GetString(params, "task", ""))
	if task == "" {
		return "", fmt.Errorf("task is required")
	}
	res, err := t.spawn(ctx, SpawnRequest{
		Task:   task,
		Skill:  strings.TrimSpace(GetString(params, "skill", "")),
		TaskID: strings.TrimSpace(GetString(params, "taskId", "")),
		Label:  strings.TrimSpace(GetString(params, "label", "")),
	})
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type ListAgentsTool struct {
	listRuns func() []AgentRunView
}

func NewListAgentsTool(listFn func() []AgentRunView) *ListAgentsTool {
	return &ListAgentsTool{listRuns: listFn}
}

func (t *ListAgentsTool) Name() string { return "list_agents" }
func (t *ListAgentsTool) Description() string {
	return "List running sub-agents and recently finished ones with their outcome."
}

func (t *ListAgentsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{
				"type":        "string",
				"description": "Optional status filter (running|completed|timed_out|failed).",
			},
		},
	}
}

func (t *ListAgentsTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	if t.listRuns == nil {
		return "", fmt.Errorf("list_agents unavailable")
	}
	status := strings.TrimSpace(GetString(params, "status", ""))
	runs := make([]AgentRunView, 0)
	for _, run := range t.listRuns() {
		if status != "" && run.Status != status {
			continue
		}
		run.Result = preview(run.Result, 500)
		runs = append(runs, run)
	}
	return toJSON(map[string]any{"runs": runs, "count": len(runs)})
}
