package cron

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/KafClaw/clawcore/internal/buffer"
	"github.com/KafClaw/clawcore/internal/router"
	"github.com/KafClaw/clawcore/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cron.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for job to fire")
		return ""
	}
}

func TestFiresOnceThenCancelFails(t *testing.T) {
	st := newTestStore(t)
	fired := make(chan string, 4)
	var count atomic.Int32
	svc := NewService(st, func(_ context.Context, msg string) {
		count.Add(1)
		fired <- msg
	}, nil)
	defer svc.Stop()

	ctx := context.Background()
	job, err := svc.CreateJob(ctx, "ping", time.Now().Add(50*time.Millisecond), PayloadNotify, Payload{Message: "stand up"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if got := waitFor(t, fired); got != "stand up" {
		t.Fatalf("expected notify payload, got %q", got)
	}
	time.Sleep(100 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Fatalf("expected exactly one fire, got %d", n)
	}

	got, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFired {
		t.Fatalf("expected fired, got %s", got.Status)
	}
	ok, err := svc.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if ok {
		t.Fatal("cancel after fire should return false")
	}
	again, err := svc.FireJob(ctx, job.ID)
	if err != nil || again {
		t.Fatalf("second fire should be a no-op, got %v %v", again, err)
	}
}

func TestCancelPendingJob(t *testing.T) {
	st := newTestStore(t)
	var count atomic.Int32
	svc := NewService(st, func(context.Context, string) { count.Add(1) }, nil)
	defer svc.Stop()

	ctx := context.Background()
	job, err := svc.CreateJob(ctx, "", time.Now().Add(time.Hour), PayloadNotify, Payload{Message: "later"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Name != PayloadNotify {
		t.Fatalf("expected default name, got %q", job.Name)
	}
	ok, err := svc.CancelJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("expected cancel to succeed, got %v %v", ok, err)
	}
	ok, _ = svc.CancelJob(ctx, job.ID)
	if ok {
		t.Fatal("second cancel should return false")
	}
	fired, err := svc.FireJob(ctx, job.ID)
	if err != nil || fired {
		t.Fatalf("cancelled job must not fire, got %v %v", fired, err)
	}
	if count.Load() != 0 {
		t.Fatal("notify ran for a cancelled job")
	}
	svc.mu.Lock()
	timers := len(svc.timers)
	svc.mu.Unlock()
	if timers != 0 {
		t.Fatalf("expected no timers, got %d", timers)
	}
}

func TestInitSchedulesPending(t *testing.T) {
	st := newTestStore(t)
	fired := make(chan string, 4)
	svc := NewService(st, func(_ context.Context, msg string) { fired <- msg }, nil)
	defer svc.Stop()

	now := time.Now()
	insert := func(id string, at time.Time, status string) {
		t.Helper()
		_, err := st.DB().Exec(`INSERT INTO cron_jobs (id, name, schedule_at, payload_type, payload, status, created_at)
			VALUES (?, ?, ?, 'notify', ?, ?, ?)`, id, id, store.Millis(at), `{"message":"`+id+`"}`, status, store.Millis(now))
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	insert("overdue", now.Add(-time.Hour), StatusPending)
	insert("next-month", now.Add(30*24*time.Hour), StatusPending)
	insert("soon", now.Add(time.Hour), StatusPending)
	insert("done", now.Add(-time.Hour), StatusFired)

	scheduled, err := svc.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if scheduled != 3 {
		t.Fatalf("expected overdue, soon and next-month scheduled, got %d", scheduled)
	}
	if got := waitFor(t, fired); got != "overdue" {
		t.Fatalf("expected overdue job to fire, got %q", got)
	}
	svc.mu.Lock()
	_, armed := svc.timers["next-month"]
	svc.mu.Unlock()
	if !armed {
		t.Fatal("job 30 days out must be armed")
	}
}

func TestCreateJobArmsDistantJob(t *testing.T) {
	svc := NewService(newTestStore(t), nil, nil)
	defer svc.Stop()

	job, err := svc.CreateJob(context.Background(), "renewal", time.Now().Add(400*24*time.Hour), PayloadNotify, Payload{Message: "renew"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	svc.mu.Lock()
	_, armed := svc.timers[job.ID]
	svc.mu.Unlock()
	if !armed {
		t.Fatal("job a year out was not armed")
	}
}

func TestScheduleDefersBeyondRange(t *testing.T) {
	svc := NewService(newTestStore(t), nil, nil)
	defer svc.Stop()
	svc.maxDelay = time.Hour

	job, err := svc.CreateJob(context.Background(), "far", time.Now().Add(2*time.Hour), PayloadNotify, Payload{Message: "later"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	svc.mu.Lock()
	_, armed := svc.timers[job.ID]
	svc.mu.Unlock()
	if armed {
		t.Fatal("job beyond the timer range must not get a clamped timer")
	}
	got, err := svc.Get(context.Background(), job.ID)
	if err != nil || got.Status != StatusPending {
		t.Fatalf("deferred job = %+v, %v", got, err)
	}
}

func TestSpawnPayload(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, nil, nil)
	defer svc.Stop()

	tasks := make(chan string, 1)
	svc.SetSpawn(func(_ context.Context, task string) error {
		tasks <- task
		return nil
	})
	ctx := context.Background()
	job, err := svc.CreateJob(ctx, "triage", time.Now().Add(time.Hour), PayloadSpawn, Payload{Task: "triage inbox"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	fired, err := svc.FireJob(ctx, job.ID)
	if err != nil || !fired {
		t.Fatalf("FireJob: %v %v", fired, err)
	}
	if got := <-tasks; got != "triage inbox" {
		t.Fatalf("unexpected task %q", got)
	}
}

func TestRejectsUnknownPayload(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, nil, nil)
	defer svc.Stop()

	_, err := svc.CreateJob(context.Background(), "x", time.Now().Add(time.Minute), "email", Payload{Message: "hi"})
	if !errors.Is(err, ErrUnknownPayload) {
		t.Fatalf("expected ErrUnknownPayload, got %v", err)
	}
	if _, err := svc.CreateJob(context.Background(), "x", time.Now().Add(time.Minute), PayloadNotify, Payload{}); err == nil {
		t.Fatal("expected error for empty notify message")
	}

	_, err = st.DB().Exec(`INSERT INTO cron_jobs (id, name, schedule_at, payload_type, payload, status, created_at)
		VALUES ('bad', 'bad', 0, 'email', '{}', 'pending', 0)`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	fired, err := svc.FireJob(context.Background(), "bad")
	if !fired || !errors.Is(err, ErrUnknownPayload) {
		t.Fatalf("expected fired with ErrUnknownPayload, got %v %v", fired, err)
	}
}

func TestRouterNotifier(t *testing.T) {
	st := newTestStore(t)
	r, err := router.New(buffer.New(st), nil)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	RouterNotifier(r)(context.Background(), "reminder")
	batch, ok := r.NextBatch()
	if !ok {
		t.Fatal("expected a queued batch")
	}
	if batch.Channel != "system" || batch.Text() != "reminder" {
		t.Fatalf("unexpected batch %+v", batch)
	}
}

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "10m", want: now.Add(10 * time.Minute)},
		{in: "2026-03-02T08:00:00Z", want: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		{in: "-5m", wantErr: true},
		{in: "tomorrow", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseWhen(tc.in, now)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseWhen(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || !got.Equal(tc.want) {
			t.Errorf("ParseWhen(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}
