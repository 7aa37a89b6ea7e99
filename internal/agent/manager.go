package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/KafClaw/clawcore/internal/memory"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/skills"
	"github.com/KafClaw/clawcore/internal/store"
	"github.com/KafClaw/clawcore/internal/tools"
)

// ErrConcurrencyLimit is returned by Spawn when maxConcurrent runs are active.
var ErrConcurrencyLimit = errors.New("concurrency limit reached")

// Run status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusTimedOut  = "timed_out"
	StatusFailed    = "failed"
)

// DefaultSubAgentTools is the tool set of a sub-agent without a skill.
var DefaultSubAgentTools = []string{"read_file", "list_dir", "exec", "memory_query", "skill_get"}

// ForbiddenSubAgentTools are never given to a sub-agent, whatever its skill
// declares.
var ForbiddenSubAgentTools = map[string]bool{
	"spawn_agent": true,
	"list_agents": true,
	"task_create": true,
	"task_update": true,
	"task_list":   true,
	"narrate":     true,
	"cron_create": true,
	"cron_cancel": true,
}

// ManagerConfig bounds sub-agent execution.
type ManagerConfig struct {
	MaxConcurrent int
	Timeout       time.Duration
	MaxIterations int
	HistorySize   int
	Model         string
	MaxTokens     int
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 20
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
}

// SpawnOptions describes a sub-agent run. Channel and Conversation name
// where the outcome should be reported, if anywhere.
type SpawnOptions struct {
	Task         string
	Skill        string
	TaskID       string
	Label        string
	Channel      string
	Conversation string
}

// Run is a snapshot of one sub-agent run.
type Run struct {
	ID           string
	Task         string
	Label        string
	Skill        string
	TaskID       string
	SessionID    string
	Channel      string
	Conversation string
	Status       string
	Iterations   int
	Usage        provider.Usage
	StartedAt    time.Time
	EndedAt      *time.Time
	Result       string
	Error        string
}

// View converts r to the form tools report.
func (r Run) View() tools.AgentRunView {
	return tools.AgentRunView{
		RunID:      r.ID,
		Task:       r.Task,
		Label:      r.Label,
		Skill:      r.Skill,
		TaskID:     r.TaskID,
		Status:     r.Status,
		Iterations: r.Iterations,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
		Result:     r.Result,
		Error:      r.Error,
	}
}

// ManagerDeps are the collaborators of a Manager. Memory, Skills and Store
// are optional.
type ManagerDeps struct {
	Provider provider.LLMProvider
	Sessions *session.Manager
	Registry *tools.Registry
	Memory   *memory.Service
	Skills   *skills.Library
	Store    *store.Store
}

// Manager runs sub-agents under a concurrency cap and a wall-clock timeout.
type Manager struct {
	cfg  ManagerConfig
	deps ManagerDeps
	sem  *semaphore.Weighted

	mu       sync.Mutex
	running  map[string]*Run
	history  []Run
	onFinish func(Run)
	wg       sync.WaitGroup
}

func NewManager(cfg ManagerConfig, deps ManagerDeps) *Manager {
	cfg.applyDefaults()
	if cfg.Model == "" && deps.Provider != nil {
		cfg.Model = deps.Provider.DefaultModel()
	}
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		running: make(map[string]*Run),
	}
}

// OnFinish sets a callback invoked after every run reaches a terminal state.
func (m *Manager) OnFinish(fn func(Run)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinish = fn
}

// MaxConcurrent returns the configured cap.
func (m *Manager) MaxConcurrent() int { return m.cfg.MaxConcurrent }

// Running returns the number of active runs.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Spawn starts a sub-agent and returns immediately. It fails with
// ErrConcurrencyLimit instead of queueing when all slots are taken. ctx
// bounds the run's model calls and should outlive the caller's request.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (Run, error) {
	opts.Task = strings.TrimSpace(opts.Task)
	if opts.Task == "" {
		return Run{}, fmt.Errorf("task is required")
	}
	if !m.sem.TryAcquire(1) {
		return Run{}, fmt.Errorf("%w (%d/%d running)", ErrConcurrencyLimit, m.Running(), m.cfg.MaxConcurrent)
	}

	run, registry, system, err := m.prepare(ctx, opts)
	if err != nil {
		m.sem.Release(1)
		return Run{}, err
	}

	m.mu.Lock()
	m.running[run.ID] = run
	snapshot := *run
	m.mu.Unlock()

	slog.Info("Sub-agent spawned", "run", run.ID, "skill", run.Skill, "task_id", run.TaskID,
		"tools", strings.Join(registry.Names(), ","))
	m.wg.Add(1)
	go m.execute(ctx, run, registry, system)
	return snapshot, nil
}

func (m *Manager) prepare(ctx context.Context, opts SpawnOptions) (*Run, *tools.Registry, string, error) {
	allowed := DefaultSubAgentTools
	var skill *skills.Skill
	if opts.Skill != "" {
		if m.deps.Skills == nil {
			return nil, nil, "", fmt.Errorf("skills are not configured")
		}
		s, err := m.deps.Skills.Get(ctx, opts.Skill)
		if err != nil {
			return nil, nil, "", err
		}
		skill = s
		if len(s.Tools) > 0 {
			allowed = s.Tools
		}
	}
	if opts.TaskID != "" {
		if m.deps.Store == nil {
			return nil, nil, "", fmt.Errorf("tasks are not configured")
		}
		if _, err := m.deps.Store.GetTask(opts.TaskID); err != nil {
			return nil, nil, "", fmt.Errorf("task %s: %w", opts.TaskID, err)
		}
	}

	id := uuid.NewString()
	run := &Run{
		ID:           id,
		Task:         opts.Task,
		Label:        opts.Label,
		Skill:        opts.Skill,
		TaskID:       opts.TaskID,
		SessionID:    "agent:" + id,
		Channel:      opts.Channel,
		Conversation: opts.Conversation,
		Status:       StatusRunning,
		StartedAt:    time.Now(),
	}
	if _, err := m.deps.Sessions.GetOrCreate(ctx, run.SessionID, session.TypeSubAgent, m.cfg.Model); err != nil {
		return nil, nil, "", err
	}
	if run.TaskID != "" {
		if _, err := m.deps.Store.StartTaskRun(ctx, run.TaskID, run.ID); err != nil {
			return nil, nil, "", err
		}
	}
	registry := m.deps.Registry.Subset(allowed, ForbiddenSubAgentTools)
	return run, registry, subAgentPrompt(run, skill, registry), nil
}

func (m *Manager) execute(ctx context.Context, run *Run, registry *tools.Registry, system string) {
	defer m.wg.Done()
	defer m.sem.Release(1)

	var timedOut atomic.Bool
	timer := time.AfterFunc(m.cfg.Timeout, func() { timedOut.Store(true) })
	defer timer.Stop()

	var (
		outcome loopOutcome
		err     error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		user := session.Message{Role: "user", Content: run.Task}
		if err = m.deps.Sessions.Append(ctx, run.SessionID, user); err != nil {
			return
		}
		loop := &toolLoop{
			prov:      m.deps.Provider,
			model:     m.cfg.Model,
			maxTokens: m.cfg.MaxTokens,
			registry:  registry,
			sessions:  m.deps.Sessions,
			sessionID: run.SessionID,
			maxRounds: m.cfg.MaxIterations,
			st:        m.deps.Store,
			stop:      timedOut.Load,
		}
		outcome, err = loop.run(ctx, []provider.Message{
			{Role: "system", Content: system},
			user.ToProvider(),
		})
	}()

	status := StatusCompleted
	switch {
	case err != nil:
		status = StatusFailed
	case outcome.Stopped:
		status = StatusTimedOut
	}
	m.finish(run, status, outcome, err)
}

func (m *Manager) finish(run *Run, status string, outcome loopOutcome, runErr error) {
	now := time.Now()
	m.mu.Lock()
	run.Status = status
	run.Iterations = outcome.Rounds
	run.Usage = outcome.Usage
	run.Result = outcome.Content
	run.EndedAt = &now
	if runErr != nil {
		run.Error = runErr.Error()
	}
	snapshot := *run
	delete(m.running, run.ID)
	m.history = append(m.history, snapshot)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	onFinish := m.onFinish
	m.mu.Unlock()

	slog.Info("Sub-agent finished", "run", run.ID, "status", status, "iterations", outcome.Rounds,
		"tokens", outcome.Usage.TotalTokens, "duration", now.Sub(run.StartedAt))

	// Terminal bookkeeping must not depend on the run's context, which may
	// already be cancelled.
	bg := context.Background()
	if m.deps.Memory != nil {
		_, err := m.deps.Memory.Store(bg, memory.Entry{
			Content:   summarizeRun(snapshot),
			Source:    "agent",
			Tags:      []string{"agent", status},
			SessionID: snapshot.SessionID,
		})
		if err != nil {
			slog.Warn("Sub-agent summary not stored", "run", run.ID, "error", err)
		}
	}
	if snapshot.TaskID != "" && m.deps.Store != nil {
		taskStatus := store.TaskStatusOpen
		if status == StatusCompleted {
			taskStatus = store.TaskStatusDone
		}
		if err := m.deps.Store.FinishTaskRun(bg, snapshot.ID, status, truncateStr(snapshot.Result, 2000), taskStatus); err != nil {
			slog.Warn("Task run not closed", "run", run.ID, "task", snapshot.TaskID, "error", err)
		}
	}
	if onFinish != nil {
		onFinish(snapshot)
	}
}

// List returns running runs first, then finished ones, newest first.
func (m *Manager) List() []Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Run, 0, len(m.running)+len(m.history))
	for _, r := range m.running {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	for i := len(m.history) - 1; i >= 0; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// Get returns a run by id from the running set or the history.
func (m *Manager) Get(id string) (Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.running[id]; ok {
		return *r, true
	}
	for _, r := range m.history {
		if r.ID == id {
			return r, true
		}
	}
	return Run{}, false
}

// Wait blocks until every spawned run has finished.
func (m *Manager) Wait() { m.wg.Wait() }

func subAgentPrompt(run *Run, skill *skills.Skill, registry *tools.Registry) string {
	var sb strings.Builder
	sb.WriteString("You are a background worker agent. Complete the task below on your own; nobody will answer questions.\n")
	sb.WriteString("Finish with a concise report of what you did and what you found.\n")
	if names := registry.Names(); len(names) > 0 {
		sb.WriteString("\nAvailable tools: " + strings.Join(names, ", ") + "\n")
	}
	if skill != nil {
		sb.WriteString(fmt.Sprintf("\n# Skill: %s\n%s\n\n%s\n", skill.Name, skill.Description, skill.Content))
	}
	if run.Label != "" {
		sb.WriteString("\nRun label: " + run.Label + "\n")
	}
	return sb.String()
}

func summarizeRun(r Run) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Sub-agent run %s (%s) for task: %s", r.ID, r.Status, truncateStr(r.Task, 200)))
	switch {
	case r.Error != "":
		sb.WriteString("\nError: " + r.Error)
	case r.Status == StatusTimedOut:
		sb.WriteString(fmt.Sprintf("\nStopped after %d iterations when the time limit was reached.", r.Iterations))
	}
	if r.Result != "" {
		sb.WriteString("\nResult: " + truncateStr(r.Result, 1000))
	}
	return sb.String()
}
