package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/clawcore/internal/memory"
	"github.com/KafClaw/clawcore/internal/skills"
	"github.com/KafClaw/clawcore/internal/tools"
)

func TestBuildSystemPromptSections(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	prompt := BuildSystemPrompt(PromptInput{
		Identity:     "You are a test bot.",
		Now:          now,
		Channel:      "slack",
		Conversation: "C1",
		Tools:        []tools.Tool{tools.NewListDirTool("")},
		Memories:     []memory.Result{{Memory: memory.Memory{ID: 7, Content: "User likes tea", Score: 3}}},
		Skills: []skills.Match{{Skill: skills.Skill{
			Name: "deploy", Description: "Ship a release", Content: "Run make release.",
		}}},
	})

	ordered := []string{
		"You are a test bot.",
		"2026-03-04 09:30 (Wednesday)",
		"- Yesterday: 2026-03-03 (Tuesday)",
		"- Monday: 2026-03-09",
		"Channel: slack",
		"- list_dir:",
		"[id=7",
		"User likes tea",
		"### deploy",
		"Run make release.",
	}
	pos := 0
	for _, want := range ordered {
		i := strings.Index(prompt[pos:], want)
		if i < 0 {
			t.Fatalf("prompt missing %q after offset %d:\n%s", want, pos, prompt)
		}
		pos += i
	}
}

func TestBuildSystemPromptDefaults(t *testing.T) {
	prompt := BuildSystemPrompt(PromptInput{})
	if !strings.HasPrefix(prompt, DefaultIdentity) {
		t.Error("empty identity should fall back to the default")
	}
	for _, absent := range []string{"## Tools", "## Relevant Memories", "## Active Skills", "## Current Conversation"} {
		if strings.Contains(prompt, absent) {
			t.Errorf("empty section %q rendered", absent)
		}
	}
}

func TestParseExtraction(t *testing.T) {
	cases := []struct {
		reply string
		want  []string
	}{
		{"nothing to store", nil},
		{"Nothing to store.", nil},
		{"  NOTHING TO STORE  ", nil},
		{"", nil},
		{"- Ada is the user\n\n2. Deploys happen on Fridays\n* Prefers tea", []string{
			"Ada is the user", "Deploys happen on Fridays", "Prefers tea",
		}},
		{"- 3 kids live with the user\n2024 budget was approved\n1.5 GB is the quota\n4) Standup is at 9", []string{
			"3 kids live with the user", "2024 budget was approved", "1.5 GB is the quota", "Standup is at 9",
		}},
		{"- User said nothing to store about deploys\n- Prefers tea", []string{
			"User said nothing to store about deploys", "Prefers tea",
		}},
	}
	for _, tc := range cases {
		got := parseExtraction(tc.reply)
		if strings.Join(got, "|") != strings.Join(tc.want, "|") {
			t.Errorf("parseExtraction(%q) = %q, want %q", tc.reply, got, tc.want)
		}
	}
}
