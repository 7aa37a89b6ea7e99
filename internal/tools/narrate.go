package tools

import (
	"context"
	"fmt"
	"strings"
)

// NarrateTool sends an interim progress note to the user while the loop is
// still working.
type NarrateTool struct {
	send func(ctx context.Context, text string) error
}

func NewNarrateTool(send func(ctx context.Context, text string) error) *NarrateTool {
	return &NarrateTool{send: send}
}

func (t *NarrateTool) Name() string { return "narrate" }
func (t *NarrateTool) Description() string {
	return "Send a short progress update to the user before the final answer."
}

func (t *NarrateTool) Parameters() map[string]any {
	return schema(map[string]any{"text": prop("string", "The update to send")}, "text")
}

func (t *NarrateTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	text := strings.TrimSpace(GetString(params, "text", ""))
	if text == "" {
		return "", fmt.Errorf("text is required")
	}
	if t.send == nil {
		return "", fmt.Errorf("narrate unavailable")
	}
	if err := t.send(ctx, text); err != nil {
		return "", err
	}
	return "Sent.", nil
}
