package buffer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/KafClaw/clawcore/internal/store"
)

func newTestBuffer(t *testing.T) (*Buffer, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "buffer.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func TestInsertDefaultsPriority(t *testing.T) {
	b, _ := newTestBuffer(t)
	ctx := context.Background()

	id, err := b.Insert(ctx, Inbound{Channel: "slack", Payload: "hi"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	m, err := b.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Priority != DefaultPriority {
		t.Fatalf("expected default priority %d, got %d", DefaultPriority, m.Priority)
	}
	if m.Routed {
		t.Fatal("new message must be unrouted")
	}

	if _, err := b.Insert(ctx, Inbound{Payload: "no channel"}); err == nil {
		t.Fatal("expected error for missing channel")
	}
}

func TestGetUnroutedPriorityOrdering(t *testing.T) {
	b, _ := newTestBuffer(t)
	ctx := context.Background()

	inserts := []Inbound{
		{Channel: "kafka", Conversation: "c-notify", Payload: "n1", Priority: 100},
		{Channel: "whatsapp", Conversation: "c-dm", Payload: "d1", Priority: 10},
		{Channel: "webhook", Conversation: "c-hook", Payload: "w1", Priority: 50},
		{Channel: "whatsapp", Conversation: "c-dm", Payload: "d2", Priority: 10},
	}
	for _, in := range inserts {
		if _, err := b.Insert(ctx, in); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	batches, err := b.GetUnrouted(ctx)
	if err != nil {
		t.Fatalf("get unrouted: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	wantChannels := []string{"whatsapp", "webhook", "kafka"}
	for i, want := range wantChannels {
		if batches[i].Channel != want {
			t.Fatalf("batch %d: expected %s, got %s", i, want, batches[i].Channel)
		}
	}
	dm := batches[0]
	if len(dm.Messages) != 2 || dm.Messages[0].Payload != "d1" || dm.Messages[1].Payload != "d2" {
		t.Fatalf("expected insertion order inside batch, got %+v", dm.Messages)
	}
}

func TestBatchKeepsInsertionOrderAcrossPriorities(t *testing.T) {
	b, _ := newTestBuffer(t)
	ctx := context.Background()

	if _, err := b.Insert(ctx, Inbound{Channel: "slack", Conversation: "c1", Payload: "first", Priority: 100}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Insert(ctx, Inbound{Channel: "slack", Conversation: "c1", Payload: "second", Priority: 10}); err != nil {
		t.Fatal(err)
	}
	batches, err := b.GetUnrouted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	if batches[0].Messages[0].Payload != "first" || batches[0].Text() != "first\nsecond" {
		t.Fatalf("unexpected order: %q", batches[0].Text())
	}
}

func TestMarkRoutedIdempotent(t *testing.T) {
	b, _ := newTestBuffer(t)
	ctx := context.Background()

	id1, _ := b.Insert(ctx, Inbound{Channel: "slack", Conversation: "c", Payload: "a"})
	id2, _ := b.Insert(ctx, Inbound{Channel: "slack", Conversation: "c", Payload: "b"})

	for i := 0; i < 2; i++ {
		if err := b.MarkRouted(ctx, []int64{id1, id2}); err != nil {
			t.Fatalf("mark routed pass %d: %v", i, err)
		}
	}
	batches, err := b.GetUnrouted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 0 {
		t.Fatalf("expected no unrouted batches, got %d", len(batches))
	}
	for _, id := range []int64{id1, id2} {
		m, err := b.Get(ctx, id)
		if err != nil || !m.Routed {
			t.Fatalf("message %d should be routed (%v)", id, err)
		}
	}
}

func TestCleanupOnlyRemovesOldRouted(t *testing.T) {
	b, st := newTestBuffer(t)
	ctx := context.Background()

	oldRouted, _ := b.Insert(ctx, Inbound{Channel: "slack", Payload: "old routed"})
	oldUnrouted, _ := b.Insert(ctx, Inbound{Channel: "slack", Payload: "old unrouted"})
	freshRouted, _ := b.Insert(ctx, Inbound{Channel: "slack", Payload: "fresh routed"})

	old := store.Millis(time.Now().Add(-10 * 24 * time.Hour))
	if _, err := st.DB().Exec(`UPDATE buffer SET received_at = ? WHERE id IN (?, ?)`, old, oldRouted, oldUnrouted); err != nil {
		t.Fatal(err)
	}
	if err := b.MarkRouted(ctx, []int64{oldRouted, freshRouted}); err != nil {
		t.Fatal(err)
	}

	n, err := b.Cleanup(ctx, 7)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if _, err := b.Get(ctx, oldUnrouted); err != nil {
		t.Fatalf("unrouted row must survive cleanup: %v", err)
	}
	if _, err := b.Get(ctx, freshRouted); err != nil {
		t.Fatalf("fresh routed row must survive cleanup: %v", err)
	}
}
