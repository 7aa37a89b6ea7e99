// Package tools provides the tool framework and implementations for the
// reasoning loops.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/KafClaw/clawcore/internal/provider"
)

// Tool is the interface that all agent tools must implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool with the given parameters. Errors are turned
	// into text by the registry so the model can recover.
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// Registry manages tool registration and execution.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all registered tools, sorted by name.
func (r *Registry) List() []Tool {
	result := make([]Tool, 0, len(r.tools))
	for _, name := range r.Names() {
		result = append(result, r.tools[name])
	}
	return result
}

// Definitions returns tool definitions in OpenAI format.
func (r *Registry) Definitions() []provider.ToolDefinition {
	result := make([]provider.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.List() {
		result = append(result, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return result
}

// Subset returns a registry holding the named tools that exist here, minus
// any name in deny.
func (r *Registry) Subset(allow []string, deny map[string]bool) *Registry {
	out := NewRegistry()
	for _, name := range allow {
		if deny[name] {
			continue
		}
		if tool, ok := r.tools[name]; ok {
			out.Register(tool)
		}
	}
	return out
}

// Execute runs a tool by name. It never returns an error: unknown tools and
// tool failures come back as text for the model.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) string {
	tool, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("Unknown tool: %s", name)
	}
	result, err := tool.Execute(ctx, params)
	if err != nil {
		slog.Debug("Tool returned error", "tool", name, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	return result
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// GetStrings extracts a string list parameter. A single comma-separated
// string is accepted too.
func GetStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return splitCSV(v)
	}
	return nil
}

type ctxKey int

const sessionKey ctxKey = 0

// WithSessionID tags ctx with the session a tool call belongs to.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// SessionID returns the session id stored by WithSessionID.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey).(string)
	return id
}
