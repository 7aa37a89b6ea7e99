package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/KafClaw/clawcore/internal/store"
)

// Run status values recorded per job.
const (
	RunOK      = "ok"
	RunError   = "error"
	RunSkipped = "skipped_running"
)

// JobFunc does the work of a job and returns a short summary.
type JobFunc func(ctx context.Context) (string, error)

// Job is a registered recurring job.
type Job struct {
	Name     string
	Spec     string
	Schedule *Expr
	Run      JobFunc

	running *semaphore.Weighted
	lastRun time.Time
}

// Config holds scheduler settings.
type Config struct {
	TickInterval time.Duration `json:"tickInterval"`
	LockPath     string        `json:"lockPath"`
}

// Scheduler runs registered jobs on their cron schedules.
type Scheduler struct {
	cfg  Config
	st   *store.Store
	lock *FileLock

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// New creates a Scheduler. st may be nil, in which case runs are not recorded.
func New(cfg Config, st *store.Store) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	var lock *FileLock
	if cfg.LockPath != "" {
		lock = NewFileLock(cfg.LockPath)
	}
	return &Scheduler{
		cfg:  cfg,
		st:   st,
		lock: lock,
		jobs: make(map[string]*Job),
	}
}

// Register parses spec and adds a job under name, replacing any previous one.
func (s *Scheduler) Register(name, spec string, run JobFunc) error {
	expr, err := ParseCron(spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &Job{
		Name:     name,
		Spec:     spec,
		Schedule: expr,
		Run:      run,
		running:  semaphore.NewWeighted(1),
	}
	slog.Info("Scheduler job registered", "name", name, "schedule", spec)
	return nil
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name    string
	Spec    string
	NextRun time.Time
	LastRun time.Time
}

// Jobs returns a snapshot of registered jobs sorted by name.
func (s *Scheduler) Jobs(now time.Time) []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{Name: j.Name, Spec: j.Spec, NextRun: j.Schedule.Next(now), LastRun: j.lastRun})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Run ticks until ctx is cancelled, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "jobs", len(s.jobs))
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// RunNow starts a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	if !job.running.TryAcquire(1) {
		return fmt.Errorf("job %s is already running", name)
	}
	s.wg.Add(1)
	go s.execute(ctx, job, time.Now())
	return nil
}

// Wait blocks until every started job has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// tick starts every job whose schedule matches now and that has not run in
// this minute yet. Ticks are skipped while another process holds the lock.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.lock != nil {
		acquired, err := s.lock.TryLock()
		if err != nil {
			slog.Warn("Scheduler lock error", "error", err)
			return
		}
		if !acquired {
			slog.Debug("Scheduler tick skipped: lock held by another process")
			return
		}
		defer s.lock.Unlock()
	}

	minute := now.Truncate(time.Minute)
	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Schedule.Matches(now) && job.lastRun.Before(minute) {
			job.lastRun = minute
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if !job.running.TryAcquire(1) {
			slog.Warn("Scheduler job skipped: previous run still active", "job", job.Name)
			s.record(job.Name, RunSkipped, now)
			continue
		}
		s.wg.Add(1)
		go s.execute(ctx, job, now)
	}
}

func (s *Scheduler) execute(ctx context.Context, job *Job, now time.Time) {
	defer s.wg.Done()
	defer job.running.Release(1)

	start := time.Now()
	summary, err := job.Run(ctx)
	if err != nil {
		slog.Warn("Scheduler job failed", "job", job.Name, "error", err)
		s.record(job.Name, RunError, now)
		return
	}
	slog.Info("Scheduler job finished", "job", job.Name, "result", summary, "duration", time.Since(start))
	s.record(job.Name, RunOK, now)
}

func (s *Scheduler) record(name, status string, at time.Time) {
	if s.st == nil {
		return
	}
	if err := s.st.RecordMaintenanceRun(name, status, at); err != nil {
		slog.Debug("Scheduler run not recorded", "job", name, "error", err)
	}
}
