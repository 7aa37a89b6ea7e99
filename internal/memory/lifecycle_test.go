package memory

import (
	"context"
	"fmt"
	"testing"
)

func TestPruneConservesRows(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		id := mustStore(t, svc, fmt.Sprintf("fact number %d", i))
		if _, err := st.DB().Exec(`UPDATE memories SET score = ? WHERE id = ?`, i-5, id); err != nil {
			t.Fatal(err)
		}
	}

	moved, err := svc.Prune(ctx, 35)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if moved != 3 {
		t.Fatalf("expected floor(10*0.35)=3 moved, got %d", moved)
	}
	active, _ := svc.Count(ctx)
	archived, _ := svc.ArchiveCount(ctx)
	if active+archived != 10 {
		t.Fatalf("rows lost or duplicated: active=%d archived=%d", active, archived)
	}

	var maxArchived, minActive int
	st.DB().QueryRow(`SELECT MAX(score) FROM memories_archive`).Scan(&maxArchived)
	st.DB().QueryRow(`SELECT MIN(score) FROM memories`).Scan(&minActive)
	if maxArchived >= minActive {
		t.Fatalf("lowest scores should be archived: archived max %d, active min %d", maxArchived, minActive)
	}

	var dup int
	st.DB().QueryRow(`SELECT COUNT(*) FROM memories m JOIN memories_archive a ON a.id = m.id`).Scan(&dup)
	if dup != 0 {
		t.Fatalf("%d rows exist in both tables", dup)
	}
	if hits, _ := svc.Query(ctx, "fact", 20); len(hits) != 7 {
		t.Fatalf("index should only hold active rows, got %d hits", len(hits))
	}
}

func TestPruneBounds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustStore(t, svc, "only one")

	if n, err := svc.Prune(ctx, 50); err != nil || n != 0 {
		t.Fatalf("floor(1*0.5)=0 should move nothing, got %d (%v)", n, err)
	}
	if _, err := svc.Prune(ctx, 120); err == nil {
		t.Fatal("expected error for percent over 100")
	}
	if n, err := svc.Prune(ctx, 100); err != nil || n != 1 {
		t.Fatalf("expected 1 moved, got %d (%v)", n, err)
	}
}
