// Package cron runs persistent one-shot jobs. A job is marked fired in the
// store before its payload runs, so a restart never fires it twice.
package cron

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/clawcore/internal/buffer"
	"github.com/KafClaw/clawcore/internal/router"
	"github.com/KafClaw/clawcore/internal/store"
)

// Payload types.
const (
	PayloadNotify = "notify"
	PayloadSpawn  = "spawn"
)

// Job status values.
const (
	StatusPending   = "pending"
	StatusFired     = "fired"
	StatusCancelled = "cancelled"
)

// MaxTimerDelay is the longest delay a runtime timer can represent.
const MaxTimerDelay = time.Duration(math.MaxInt64)

// ErrUnknownPayload is returned for payload types other than notify and spawn.
var ErrUnknownPayload = errors.New("unknown payload type")

// Payload is the job body. Notify uses Message, spawn uses Task.
type Payload struct {
	Message string `json:"message,omitempty"`
	Task    string `json:"task,omitempty"`
}

type Job struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ScheduleAt  time.Time `json:"schedule_at"`
	PayloadType string    `json:"payload_type"`
	Payload     Payload   `json:"payload"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// NotifyFunc delivers a notify payload.
type NotifyFunc func(ctx context.Context, message string)

// SpawnFunc launches a sub-agent for a spawn payload.
type SpawnFunc func(ctx context.Context, task string) error

// Service owns the job timers.
type Service struct {
	db     *sql.DB
	notify NotifyFunc
	spawn  SpawnFunc
	now    func() time.Time

	// maxDelay bounds in-process timers; jobs further out stay pending
	// until a later Init.
	maxDelay time.Duration

	mu      sync.Mutex
	ctx     context.Context
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// NewService creates a cron service. Either handler may be nil, in which case
// matching jobs are marked fired and logged.
func NewService(st *store.Store, notify NotifyFunc, spawn SpawnFunc) *Service {
	return &Service{
		db:       st.DB(),
		notify:   notify,
		spawn:    spawn,
		now:      time.Now,
		maxDelay: MaxTimerDelay,
		ctx:      context.Background(),
		timers:   make(map[string]*time.Timer),
	}
}

// SetSpawn replaces the spawn handler. The agent manager is built after the
// cron service, so it is wired late.
func (s *Service) SetSpawn(fn SpawnFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawn = fn
}

// RouterNotifier pushes notify messages into the router's main queue as a
// single-message batch on the "system" channel.
func RouterNotifier(r *router.Router) NotifyFunc {
	return func(_ context.Context, message string) {
		now := time.Now()
		r.Enqueue(buffer.Batch{
			Channel:      "system",
			Conversation: "cron",
			Messages: []buffer.Message{{
				Channel:      "system",
				Sender:       "cron",
				Conversation: "cron",
				Payload:      message,
				ReceivedAt:   now,
				Priority:     buffer.PriorityNotification,
				Routed:       true,
			}},
		})
	}
}

// Init schedules every pending job. Past-due jobs fire right away; jobs
// beyond the timer range are left pending. ctx is used for fired payloads.
func (s *Service) Init(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	jobs, err := s.List(ctx, StatusPending)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, job := range jobs {
		if s.schedule(job) {
			scheduled++
		}
	}
	slog.Info("Cron initialized", "pending", len(jobs), "scheduled", scheduled)
	return scheduled, nil
}

// CreateJob persists a job and schedules it.
func (s *Service) CreateJob(ctx context.Context, name string, at time.Time, payloadType string, payload Payload) (*Job, error) {
	if err := validatePayload(payloadType, payload); err != nil {
		return nil, err
	}
	if at.IsZero() {
		return nil, fmt.Errorf("schedule time is required")
	}
	if strings.TrimSpace(name) == "" {
		name = payloadType
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		ScheduleAt:  at,
		PayloadType: payloadType,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   s.now(),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO cron_jobs (id, name, schedule_at, payload_type, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, store.Millis(at), payloadType, string(body), StatusPending, store.Millis(job.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert cron job: %w", err)
	}
	s.schedule(*job)
	slog.Info("Cron job created", "id", job.ID, "name", job.Name, "type", payloadType, "at", at)
	return job, nil
}

// CancelJob cancels a pending job. It returns false when the job already
// fired, was cancelled, or does not exist.
func (s *Service) CancelJob(ctx context.Context, id string) (bool, error) {
	s.stopTimer(id)
	res, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET status = ? WHERE id = ? AND status = ?`,
		StatusCancelled, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("cancel cron job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		slog.Info("Cron job cancelled", "id", id)
	}
	return n == 1, nil
}

// FireJob marks a pending job fired and runs its payload. It returns false
// when the job was no longer pending.
func (s *Service) FireJob(ctx context.Context, id string) (bool, error) {
	s.stopTimer(id)
	job, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET status = ? WHERE id = ? AND status = ?`,
		StatusFired, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark cron job fired: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}
	job.Status = StatusFired
	slog.Info("Cron job fired", "id", job.ID, "name", job.Name, "type", job.PayloadType)

	s.mu.Lock()
	notify, spawn := s.notify, s.spawn
	s.mu.Unlock()

	switch job.PayloadType {
	case PayloadNotify:
		if notify != nil {
			notify(ctx, job.Payload.Message)
		}
	case PayloadSpawn:
		if spawn != nil {
			if err := spawn(ctx, job.Payload.Task); err != nil {
				return true, fmt.Errorf("spawn for cron job %s: %w", job.ID, err)
			}
		}
	default:
		return true, fmt.Errorf("cron job %s: %w %q", job.ID, ErrUnknownPayload, job.PayloadType)
	}
	return true, nil
}

// Get returns a job by id or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, schedule_at, payload_type, payload, status, created_at
		FROM cron_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return job, err
}

// List returns jobs with the given status (empty = all), soonest first.
func (s *Service) List(ctx context.Context, status string) ([]Job, error) {
	query := `SELECT id, name, schedule_at, payload_type, payload, status, created_at FROM cron_jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY schedule_at ASC, created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// Stop cancels all timers and waits for fires in progress.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// schedule arms a timer for job and reports whether it did.
func (s *Service) schedule(job Job) bool {
	delay := job.ScheduleAt.Sub(s.now())
	if delay > s.maxDelay {
		slog.Info("Cron job deferred beyond timer range", "id", job.ID, "at", job.ScheduleAt)
		return false
	}
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if old, ok := s.timers[job.ID]; ok {
		old.Stop()
	}
	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.onTimer(id) })
	return true
}

func (s *Service) onTimer(id string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if _, err := s.FireJob(ctx, id); err != nil {
		slog.Warn("Cron job failed", "id", id, "error", err)
	}
}

func (s *Service) stopTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func validatePayload(payloadType string, p Payload) error {
	switch payloadType {
	case PayloadNotify:
		if strings.TrimSpace(p.Message) == "" {
			return fmt.Errorf("notify payload requires a message")
		}
	case PayloadSpawn:
		if strings.TrimSpace(p.Task) == "" {
			return fmt.Errorf("spawn payload requires a task")
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownPayload, payloadType)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		at, created int64
		payload     string
	)
	if err := row.Scan(&job.ID, &job.Name, &at, &job.PayloadType, &payload, &job.Status, &created); err != nil {
		return nil, err
	}
	job.ScheduleAt = store.FromMillis(at)
	job.CreatedAt = store.FromMillis(created)
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		slog.Warn("Cron job payload unreadable", "id", job.ID, "error", err)
	}
	return &job, nil
}

// ParseWhen accepts an RFC 3339 timestamp or a delay such as "10m" or
// "1h30m" relative to now.
func ParseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("time is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: expected RFC 3339 or a duration like 10m", s)
	}
	if d < 0 {
		return time.Time{}, fmt.Errorf("invalid time %q: negative delay", s)
	}
	return now.Add(d), nil
}
