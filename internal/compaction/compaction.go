// Package compaction collapses old session history into one summary message
// when the context window fills up.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/session"
)

// Defaults.
const (
	DefaultThreshold    = 0.7
	DefaultKeepRatio    = 0.3
	DefaultContextLimit = 128000
	minKeep             = 2
	minCompact          = 2
	minHistory          = 4
)

// SummaryPrefix starts every synthetic summary message.
const SummaryPrefix = "Summary of earlier conversation:\n"

// Config controls when and how much to compact.
type Config struct {
	Threshold    float64 // fraction of ContextLimit that triggers compaction
	ContextLimit int     // model context window in tokens
	KeepRatio    float64 // fraction of messages kept verbatim
	Model        string
	MaxTokens    int
}

// Result reports what a compaction did.
type Result struct {
	Removed      int    `json:"removed"`
	Kept         int    `json:"kept"`
	TokensBefore int    `json:"tokens_before"`
	TokensAfter  int    `json:"tokens_after"`
	Summary      string `json:"summary,omitempty"`
}

// Compactor summarizes session prefixes through the model.
type Compactor struct {
	sessions *session.Manager
	provider provider.LLMProvider
	cfg      Config
}

// New creates a Compactor. Zero config fields take defaults.
func New(sessions *session.Manager, prov provider.LLMProvider, cfg Config) *Compactor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = DefaultContextLimit
	}
	if cfg.KeepRatio <= 0 || cfg.KeepRatio > 1 {
		cfg.KeepRatio = DefaultKeepRatio
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1500
	}
	return &Compactor{sessions: sessions, provider: prov, cfg: cfg}
}

// ContextLimit returns the configured context window.
func (c *Compactor) ContextLimit() int { return c.cfg.ContextLimit }

// EstimateTokens returns ceil(chars/4) over content and serialized tool calls.
func EstimateTokens(msgs []session.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
		if len(m.ToolCalls) > 0 {
			data, _ := json.Marshal(m.ToolCalls)
			chars += len(data)
		}
	}
	return int(math.Ceil(float64(chars) / 4))
}

// ShouldCompact reports whether usedTokens crosses the threshold for a
// history long enough to be worth compacting.
func (c *Compactor) ShouldCompact(usedTokens, historyLen int) bool {
	if historyLen <= minHistory {
		return false
	}
	return float64(usedTokens)/float64(c.cfg.ContextLimit) > c.cfg.Threshold
}

// TargetTokens is the usage a compaction aims below.
func (c *Compactor) TargetTokens() int {
	return int(float64(c.cfg.ContextLimit) * c.cfg.Threshold)
}

// Compact summarizes the oldest messages of a session. It keeps the newest
// max(2, ceil(n*keepRatio)) messages verbatim and is a no-op when usage is
// already at or below targetTokens (if positive) or fewer than two messages
// would be summarized.
func (c *Compactor) Compact(ctx context.Context, sessionID string, targetTokens int) (Result, error) {
	history, err := c.sessions.History(ctx, sessionID, 0)
	if err != nil {
		return Result{}, err
	}
	n := len(history)
	before := EstimateTokens(history)
	res := Result{Kept: n, TokensBefore: before, TokensAfter: before}

	if targetTokens > 0 && before <= targetTokens {
		return res, nil
	}
	keep := int(math.Ceil(float64(n) * c.cfg.KeepRatio))
	if keep < minKeep {
		keep = minKeep
	}
	split := n - keep
	// A tool result must stay next to the assistant turn that requested it.
	for split > 0 && history[split].Role == "tool" {
		split--
	}
	if split < minCompact {
		return res, nil
	}

	old, tail := history[:split], history[split:]
	summary, err := c.summarize(ctx, old)
	if err != nil {
		return res, fmt.Errorf("summarize session %s: %w", sessionID, err)
	}

	ids := make([]int64, len(old))
	for i, m := range old {
		ids[i] = m.ID
	}
	summaryMsg := session.Message{Role: "system", Content: SummaryPrefix + summary}
	if err := c.sessions.ReplacePrefix(ctx, sessionID, ids, summaryMsg); err != nil {
		return res, err
	}

	res.Removed = len(old)
	res.Kept = len(tail)
	res.Summary = summary
	res.TokensAfter = EstimateTokens(append([]session.Message{summaryMsg}, tail...))
	slog.Info("Session compacted", "session", sessionID, "removed", res.Removed, "kept", res.Kept,
		"tokens_before", res.TokensBefore, "tokens_after", res.TokensAfter)
	return res, nil
}

func (c *Compactor) summarize(ctx context.Context, msgs []session.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range msgs {
		if m.Content != "" {
			fmt.Fprintf(&transcript, "[%s] %s\n", m.Role, m.Content)
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			fmt.Fprintf(&transcript, "[%s called %s] %s\n", m.Role, tc.Name, args)
		}
	}

	model := c.cfg.Model
	if model == "" {
		model = c.provider.DefaultModel()
	}
	resp, err := c.provider.Chat(ctx, &provider.ChatRequest{
		Model: model,
		Messages: []provider.Message{
			{Role: "system", Content: compactionPrompt},
			{Role: "user", Content: transcript.String()},
		},
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}

const compactionPrompt = `You compress conversation history for an assistant whose context window is full.

Summarize the transcript below so the assistant can continue the conversation without it.

Rules:
1. Preserve facts: names, dates, numbers, file paths, identifiers
2. Preserve decisions that were made and the reasons given
3. Preserve open questions and unfinished work
4. Drop greetings, filler and repeated content
5. Write plain prose or short bullet points, no preamble`
