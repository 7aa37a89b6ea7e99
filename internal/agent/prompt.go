package agent

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/KafClaw/clawcore/internal/memory"
	"github.com/KafClaw/clawcore/internal/skills"
	"github.com/KafClaw/clawcore/internal/tools"
)

// DefaultIdentity opens the main system prompt when none is configured.
const DefaultIdentity = `You are clawcore, a helpful, efficient assistant running as a background daemon.
Messages reach you from chat channels, webhooks, and scheduled jobs.
Reply directly with text; your final answer is sent back to the channel the message came from.
Delegate long or independent work to sub-agents with spawn_agent.
Use memory_store for durable facts worth remembering, and memory_reinforce or memory_demote to rate recalled memories.`

// PromptInput is everything the main system prompt is assembled from.
type PromptInput struct {
	Identity     string
	Now          time.Time
	Channel      string
	Conversation string
	Tools        []tools.Tool
	Memories     []memory.Result
	Skills       []skills.Match
}

// BuildSystemPrompt assembles identity, date reference, tool catalog,
// recalled memories and matched skills, in that order.
func BuildSystemPrompt(in PromptInput) string {
	identity := strings.TrimSpace(in.Identity)
	if identity == "" {
		identity = DefaultIdentity
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	parts := []string{
		identity,
		"## Current Time\n" + now.Format("2006-01-02 15:04 (Monday) MST"),
		"## Date Reference (use these, do not compute dates yourself)\n" + dateReference(now),
		fmt.Sprintf("## Runtime\n%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version()),
	}
	if in.Channel != "" {
		parts = append(parts, fmt.Sprintf("## Current Conversation\nChannel: %s\nConversation: %s", in.Channel, in.Conversation))
	}
	if len(in.Tools) > 0 {
		var sb strings.Builder
		sb.WriteString("## Tools\n")
		for _, t := range in.Tools {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", t.Name(), t.Description()))
		}
		parts = append(parts, strings.TrimRight(sb.String(), "\n"))
	}
	if len(in.Memories) > 0 {
		parts = append(parts, "## Relevant Memories\n"+strings.TrimRight(tools.FormatMemories(in.Memories), "\n"))
	}
	if len(in.Skills) > 0 {
		var sb strings.Builder
		sb.WriteString("## Active Skills")
		for _, m := range in.Skills {
			sb.WriteString(fmt.Sprintf("\n\n### %s\n%s\n\n%s", m.Skill.Name, m.Skill.Description, strings.TrimSpace(m.Skill.Content)))
		}
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// dateReference lists yesterday through the next week so relative dates
// never need arithmetic.
func dateReference(t time.Time) string {
	yesterday := t.AddDate(0, 0, -1)
	tomorrow := t.AddDate(0, 0, 1)
	ref := fmt.Sprintf("- Yesterday: %s (%s)\n- Today: %s (%s)\n- Tomorrow: %s (%s)",
		yesterday.Format("2006-01-02"), yesterday.Format("Monday"),
		t.Format("2006-01-02"), t.Format("Monday"),
		tomorrow.Format("2006-01-02"), tomorrow.Format("Monday"))
	for i := 2; i <= 7; i++ {
		d := t.AddDate(0, 0, i)
		ref += fmt.Sprintf("\n- %s: %s", d.Format("Monday"), d.Format("2006-01-02"))
	}
	return ref
}

// extractionPrompt asks the model for durable facts from one exchange.
const extractionPrompt = `Extract facts from this exchange that are worth remembering long-term: user preferences, decisions, names, recurring tasks, commitments.
Write one fact per line, each a short self-contained sentence.
If there is nothing worth storing, reply exactly: nothing to store`

const extractionSentinel = "nothing to store"

// listMarker matches a bullet or an enumerator such as "2." or "3)". Bare
// leading numbers belong to the fact.
var listMarker = regexp.MustCompile(`^\s*(?:[-*]|\d+[.)])\s+`)

// parseExtraction returns the facts in an extraction reply, or nil when the
// whole reply is the sentinel.
func parseExtraction(reply string) []string {
	reply = strings.TrimSpace(reply)
	if reply == "" || strings.EqualFold(strings.TrimRight(reply, ".! "), extractionSentinel) {
		return nil
	}
	var facts []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if line != "" {
			facts = append(facts, line)
		}
	}
	return facts
}
