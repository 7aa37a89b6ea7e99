package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st)
}

func seed(t *testing.T, m *Manager, id string, n int) {
	t.Helper()
	ctx := context.Background()
	if _, err := m.GetOrCreate(ctx, id, TypeMain, ""); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if err := m.Append(ctx, id, Message{Role: "user", Content: fmt.Sprintf("msg %d", i)}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestGetOrCreateIsStable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s1, err := m.GetOrCreate(ctx, "worker-1", TypeSubAgent, "gpt-x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s2, err := m.GetOrCreate(ctx, "worker-1", TypeMain, "other")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s2.Type != TypeSubAgent || s2.Model != "gpt-x" || !s1.CreatedAt.Equal(s2.CreatedAt) {
		t.Fatalf("existing session should be returned unchanged, got %+v", s2)
	}
	if _, err := m.Get(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendAndHistoryRoundTripToolCalls(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	seed(t, m, MainID, 0)

	calls := []provider.ToolCall{{ID: "c1", Name: "exec", Arguments: map[string]any{"command": "ls"}}}
	if err := m.Append(ctx, MainID,
		Message{Role: "user", Content: "list files"},
		Message{Role: "assistant", ToolCalls: calls},
		Message{Role: "tool", Content: "a.txt", ToolCallID: "c1"},
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	hist, err := m.History(ctx, MainID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(hist))
	}
	if len(hist[1].ToolCalls) != 1 || hist[1].ToolCalls[0].Arguments["command"] != "ls" {
		t.Fatalf("tool calls not decoded: %+v", hist[1])
	}
	if hist[2].ToolCallID != "c1" {
		t.Fatalf("tool call id lost: %+v", hist[2])
	}

	last, _ := m.History(ctx, MainID, 2)
	if len(last) != 2 || last[0].Role != "assistant" || last[1].Role != "tool" {
		t.Fatalf("limited history should be the chronological tail, got %+v", last)
	}
}

func TestClearKeepsSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	seed(t, m, MainID, 4)

	n, err := m.Clear(ctx, MainID)
	if err != nil || n != 4 {
		t.Fatalf("expected 4 cleared, got %d (%v)", n, err)
	}
	if _, err := m.Get(ctx, MainID); err != nil {
		t.Fatalf("session row must survive clear: %v", err)
	}
	if c, _ := m.Count(ctx, MainID); c != 0 {
		t.Fatalf("expected empty history, got %d", c)
	}
}

func TestPruneKeepsMostRecent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	seed(t, m, MainID, 10)
	seed(t, m, "other", 3)

	removed, err := m.Prune(ctx, MainID, 4)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 6 {
		t.Fatalf("expected 6 removed, got %d", removed)
	}
	hist, _ := m.History(ctx, MainID, 0)
	if len(hist) != 4 || hist[0].Content != "msg 6" {
		t.Fatalf("unexpected remaining history: %+v", hist)
	}
	if c, _ := m.Count(ctx, "other"); c != 3 {
		t.Fatalf("other sessions must be untouched, got %d", c)
	}
}

func TestReplacePrefix(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	seed(t, m, MainID, 5)

	hist, _ := m.History(ctx, MainID, 0)
	ids := []int64{hist[0].ID, hist[1].ID, hist[2].ID}
	if err := m.ReplacePrefix(ctx, MainID, ids, Message{Role: "system", Content: "summary"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	after, _ := m.History(ctx, MainID, 0)
	if len(after) != 3 {
		t.Fatalf("expected summary + 2 kept, got %d", len(after))
	}
	if after[0].Role != "system" || after[0].Content != "summary" || after[1].Content != "msg 3" {
		t.Fatalf("unexpected order after replace: %+v", after)
	}
}
