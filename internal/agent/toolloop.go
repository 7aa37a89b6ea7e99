package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/store"
	"github.com/KafClaw/clawcore/internal/tools"
)

// toolLoop is one bounded run of the call-model / run-tools cycle shared by
// the main loop and sub-agents.
type toolLoop struct {
	prov      provider.LLMProvider
	model     string
	maxTokens int
	registry  *tools.Registry
	sessions  *session.Manager
	sessionID string
	maxRounds int
	st        *store.Store

	// stop is checked before every round. A round already started is
	// never interrupted.
	stop func() bool
	// onToolCall is called before each tool runs.
	onToolCall func(name string)
}

type loopOutcome struct {
	Content   string
	Rounds    int
	Usage     provider.Usage
	Stopped   bool
	Exhausted bool
}

// run drives messages through the model until it answers without tool
// calls, stop trips, or maxRounds is reached. Every assistant turn and tool
// result is appended to the session as it happens.
func (t *toolLoop) run(ctx context.Context, messages []provider.Message) (loopOutcome, error) {
	var out loopOutcome
	defs := t.registry.Definitions()
	toolCtx := tools.WithSessionID(ctx, t.sessionID)

	for out.Rounds < t.maxRounds {
		if t.stop != nil && t.stop() {
			out.Stopped = true
			return out, nil
		}
		out.Rounds++

		start := time.Now()
		resp, err := t.prov.Chat(ctx, &provider.ChatRequest{
			Messages:  messages,
			Tools:     defs,
			Model:     t.model,
			MaxTokens: t.maxTokens,
		})
		if err != nil {
			return out, fmt.Errorf("model call failed: %w", err)
		}
		out.Usage.Add(resp.Usage)
		t.recordUsage(resp.Usage)
		slog.Debug("Model call finished", "session", t.sessionID, "round", out.Rounds,
			"tokens", resp.Usage.TotalTokens, "tool_calls", len(resp.ToolCalls), "duration", time.Since(start))

		assistant := provider.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistant)
		if err := t.persist(ctx, session.FromProvider(assistant)); err != nil {
			return out, err
		}
		if len(resp.ToolCalls) == 0 {
			out.Content = resp.Content
			return out, nil
		}

		for _, tc := range resp.ToolCalls {
			if t.onToolCall != nil {
				t.onToolCall(tc.Name)
			}
			toolStart := time.Now()
			result := t.registry.Execute(toolCtx, tc.Name, tc.Arguments)
			slog.Debug("Tool executed", "session", t.sessionID, "name", tc.Name,
				"result_length", len(result), "duration", time.Since(toolStart))

			msg := provider.Message{Role: "tool", Content: result, ToolCallID: tc.ID}
			messages = append(messages, msg)
			if err := t.persist(ctx, session.FromProvider(msg)); err != nil {
				return out, err
			}
		}
		out.Content = resp.Content
	}
	out.Exhausted = true
	return out, nil
}

func (t *toolLoop) persist(ctx context.Context, msg session.Message) error {
	if t.sessions == nil {
		return nil
	}
	if err := t.sessions.Append(ctx, t.sessionID, msg); err != nil {
		return fmt.Errorf("persist %s turn: %w", msg.Role, err)
	}
	return nil
}

func (t *toolLoop) recordUsage(u provider.Usage) {
	if t.st == nil || u.TotalTokens == 0 {
		return
	}
	err := t.st.RecordTokenUsage(store.TokenUsage{
		SessionID:        t.sessionID,
		Model:            t.model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CreatedAt:        time.Now(),
	})
	if err != nil {
		slog.Warn("Token usage not recorded", "session", t.sessionID, "error", err)
	}
}

func truncateStr(s string, maxLen int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= maxLen {
		return string(r)
	}
	return string(r[:maxLen]) + "..."
}
