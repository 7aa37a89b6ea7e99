package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/clawcore/internal/cron"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/tools"
)

const helpText = `Commands:
/help     show this list
/clear    wipe the main conversation history
/compact  summarize older history now
/status   show loop, memory and agent counters
/agents   list sub-agent runs
/jobs     list pending scheduled jobs`

// handleCommand answers reserved slash commands without a model call.
// Unknown commands are not handled and reach the model as plain text.
func (l *Loop) handleCommand(ctx context.Context, text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name, _, _ := strings.Cut(text, " ")
	switch strings.ToLower(name) {
	case "/help":
		return helpText, true
	case "/clear":
		n, err := l.deps.Sessions.Clear(ctx, session.MainID)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), true
		}
		return fmt.Sprintf("Cleared %d messages.", n), true
	case "/compact":
		if l.deps.Compactor == nil {
			return "Compaction is not configured.", true
		}
		res, err := l.deps.Compactor.Compact(ctx, session.MainID, 0)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), true
		}
		if res.Removed == 0 {
			return "Nothing to compact.", true
		}
		return fmt.Sprintf("Compacted %d messages into a summary; kept %d. Tokens %d -> %d.",
			res.Removed, res.Kept, res.TokensBefore, res.TokensAfter), true
	case "/status":
		return l.status(ctx), true
	case "/agents":
		runs := l.agents.List()
		if len(runs) == 0 {
			return "No sub-agent runs.", true
		}
		var sb strings.Builder
		for _, r := range runs {
			label := r.Label
			if label == "" {
				label = truncateStr(r.Task, 60)
			}
			fmt.Fprintf(&sb, "- %s [%s] %s (iterations: %d)\n", r.ID, r.Status, label, r.Iterations)
		}
		return strings.TrimRight(sb.String(), "\n"), true
	case "/jobs":
		if l.deps.Cron == nil {
			return "Scheduled jobs are not configured.", true
		}
		jobs, err := l.deps.Cron.List(ctx, cron.StatusPending)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), true
		}
		if len(jobs) == 0 {
			return "No pending jobs.", true
		}
		return strings.TrimRight(tools.FormatJobs(jobs), "\n"), true
	}
	return "", false
}

func (l *Loop) status(ctx context.Context) string {
	var sb strings.Builder
	if n, err := l.deps.Sessions.Count(ctx, session.MainID); err == nil {
		fmt.Fprintf(&sb, "Session messages: %d\n", n)
	}
	fmt.Fprintf(&sb, "Queued batches: %d\n", l.deps.Router.Pending())
	fmt.Fprintf(&sb, "Sub-agents running: %d/%d\n", l.agents.Running(), l.agents.MaxConcurrent())
	if l.deps.Memory != nil {
		active, err1 := l.deps.Memory.Count(ctx)
		archived, err2 := l.deps.Memory.ArchiveCount(ctx)
		if err1 == nil && err2 == nil {
			fmt.Fprintf(&sb, "Memories: %d (archived %d)\n", active, archived)
		}
	}
	if l.deps.Cron != nil {
		if jobs, err := l.deps.Cron.List(ctx, cron.StatusPending); err == nil {
			fmt.Fprintf(&sb, "Pending jobs: %d\n", len(jobs))
		}
	}
	if l.deps.Store != nil {
		if tokens, err := l.deps.Store.DailyTokenUsage(); err == nil {
			fmt.Fprintf(&sb, "Tokens today: %d\n", tokens)
		}
	}
	fmt.Fprintf(&sb, "Model: %s", l.cfg.Model)
	return sb.String()
}
