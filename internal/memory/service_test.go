package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KafClaw/clawcore/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	svc := NewService(st, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	return svc, st
}

func mustStore(t *testing.T, svc *Service, content string, tags ...string) int64 {
	t.Helper()
	id, err := svc.Store(context.Background(), Entry{Content: content, Source: "test", Tags: tags})
	if err != nil {
		t.Fatalf("store %q: %v", content, err)
	}
	return id
}

func rankOf(t *testing.T, svc *Service, query string, id int64) float64 {
	t.Helper()
	results, err := svc.Query(context.Background(), query, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, r := range results {
		if r.ID == id {
			return r.FinalRank
		}
	}
	t.Fatalf("memory %d not in results for %q", id, query)
	return 0
}

func TestStoreAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id := mustStore(t, svc, "  Alice prefers tea  ", "prefs", " drinks ")
	m, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Content != "Alice prefers tea" || m.Score != 0 || m.LastHitAt != nil {
		t.Fatalf("unexpected memory: %+v", m)
	}
	if len(m.Tags) != 2 || m.Tags[1] != "drinks" {
		t.Fatalf("unexpected tags: %v", m.Tags)
	}
	if _, err := svc.Store(ctx, Entry{Content: "   "}); err == nil {
		t.Fatal("expected error for empty content")
	}
	if _, err := svc.Get(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryRanksAndAssignsDenseRanks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustStore(t, svc, "The deploy pipeline publishes to kafka")
	mustStore(t, svc, "Kafka cluster runs three brokers")
	mustStore(t, svc, "Lunch is at noon on Fridays")

	results, err := svc.Query(ctx, "kafka brokers", 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(results))
	}
	for i, r := range results {
		if r.Rank != i+1 {
			t.Fatalf("expected rank %d, got %d", i+1, r.Rank)
		}
		if r.Relevance <= 0 {
			t.Fatalf("relevance should be positive, got %v", r.Relevance)
		}
	}
	if results[0].Content != "Kafka cluster runs three brokers" {
		t.Fatalf("expected the two-term hit first, got %q", results[0].Content)
	}

	one, err := svc.Query(ctx, "kafka", 1)
	if err != nil || len(one) != 1 {
		t.Fatalf("expected limit to truncate to 1, got %d (%v)", len(one), err)
	}
}

func TestQueryUsesSynonyms(t *testing.T) {
	svc, _ := newTestService(t)
	id := mustStore(t, svc, "Login page defect reported by support")
	mustStore(t, svc, "Quarterly planning notes")

	results, err := svc.Query(context.Background(), "any bug on login?", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 || results[0].ID != id {
		t.Fatalf("expected synonym hit, got %+v", results)
	}
}

func TestReinforceAndDemoteMoveRank(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a := mustStore(t, svc, "Release train leaves every Tuesday")
	mustStore(t, svc, "Release notes live in the wiki")
	mustStore(t, svc, "Coffee machine is on floor two")
	mustStore(t, svc, "Parking permits renew in May")
	mustStore(t, svc, "The printer needs toner")

	before := rankOf(t, svc, "release", a)
	if err := svc.Reinforce(ctx, a, 0); err != nil {
		t.Fatalf("reinforce: %v", err)
	}
	m, _ := svc.Get(ctx, a)
	if m.Score != DefaultReinforceWeight || m.LastHitAt == nil {
		t.Fatalf("reinforce should add 3 and set last hit, got %+v", m)
	}
	boosted := rankOf(t, svc, "release", a)
	if boosted <= before {
		t.Fatalf("reinforce should raise rank: before=%v after=%v", before, boosted)
	}

	if err := svc.Demote(ctx, a, 0); err != nil {
		t.Fatalf("demote: %v", err)
	}
	demoted := rankOf(t, svc, "release", a)
	if demoted >= boosted {
		t.Fatalf("demote should lower rank: before=%v after=%v", boosted, demoted)
	}
	m, _ = svc.Get(ctx, a)
	if m.Score != DefaultReinforceWeight-DefaultDemoteWeight {
		t.Fatalf("unexpected score %d", m.Score)
	}

	if err := svc.Reinforce(ctx, 12345, 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryDoesNotTouchLastHit(t *testing.T) {
	svc, _ := newTestService(t)
	id := mustStore(t, svc, "Standup moved to 9:30")
	if _, err := svc.Query(context.Background(), "standup", 5); err != nil {
		t.Fatal(err)
	}
	m, _ := svc.Get(context.Background(), id)
	if m.LastHitAt != nil {
		t.Fatal("query must not set last_hit_at")
	}
}

func TestUpdateAndForget(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	id := mustStore(t, svc, "Office is in Berlin", "location")

	if err := svc.Update(ctx, id, "Office is in Hamburg", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	m, _ := svc.Get(ctx, id)
	if m.Content != "Office is in Hamburg" || len(m.Tags) != 1 {
		t.Fatalf("unexpected after update: %+v", m)
	}
	if hits, _ := svc.Query(ctx, "berlin", 5); len(hits) != 0 {
		t.Fatal("full-text index should drop old content")
	}
	if hits, _ := svc.Query(ctx, "hamburg", 5); len(hits) != 1 {
		t.Fatal("full-text index should contain new content")
	}

	if err := svc.Forget(ctx, id); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if n, _ := svc.ArchiveCount(ctx); n != 0 {
		t.Fatal("forget must not archive")
	}
	if err := svc.Forget(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second forget, got %v", err)
	}
}

func TestQueryFailureReturnsEmpty(t *testing.T) {
	svc, st := newTestService(t)
	mustStore(t, svc, "something to find")
	if _, err := st.DB().Exec(`DROP TABLE memories_fts`); err != nil {
		t.Fatal(err)
	}
	results, err := svc.Query(context.Background(), "something", 5)
	if err != nil {
		t.Fatalf("full-text failure should not surface, got %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results, got %d", len(results))
	}
}

func TestBuildMatchQuery(t *testing.T) {
	syn := DefaultSynonyms()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Kafka brokers", `"kafka" OR "brokers"`},
		{"synonym group", "the bug", `"the" OR ("bug" OR "issue" OR "defect")`},
		{"urls stripped", "see https://example.com/a?b=c now", `"see" OR "now"`},
		{"operators quoted", `foo" OR bar* NEAR(x)`, `"foo" OR "or" OR "bar" OR "near"`},
		{"short tokens dropped", "a b c", ""},
		{"duplicates collapse", "Tea tea TEA", `"tea"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildMatchQuery(tt.in, syn); got != tt.want {
				t.Fatalf("BuildMatchQuery(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestFinalRank(t *testing.T) {
	now := time.Now()
	base := FinalRank(2, 0, now, now)
	if base != 2 {
		t.Fatalf("expected unmodified relevance, got %v", base)
	}
	if FinalRank(2, 3, now, now) <= base {
		t.Fatal("positive score should boost")
	}
	if FinalRank(2, -3, now, now) >= base {
		t.Fatal("negative score should decay")
	}
	if FinalRank(2, 0, now.Add(-100*24*time.Hour), now) != 1 {
		t.Fatal("100 days should halve the rank")
	}
}

func TestLoadSynonyms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synonyms.yaml")
	if err := os.WriteFile(path, []byte("groups:\n  - [invoice, bill, receipt]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	syn, err := LoadSynonyms(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := syn.Expand("bill"); len(got) != 3 || got[0] != "bill" {
		t.Fatalf("unexpected expansion %v", got)
	}
	if len(syn.Expand("bug")) != 3 {
		t.Fatal("built-in groups should be kept")
	}
	if _, err := LoadSynonyms(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
