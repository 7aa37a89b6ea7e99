package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KafClaw/clawcore/internal/buffer"
	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/compaction"
	"github.com/KafClaw/clawcore/internal/cron"
	"github.com/KafClaw/clawcore/internal/memory"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/router"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/skills"
	"github.com/KafClaw/clawcore/internal/store"
	"github.com/KafClaw/clawcore/internal/tools"
)

// SystemChannel is the channel of batches produced inside the process, such
// as cron notifications.
const SystemChannel = "system"

// ExecConfig configures the shell tool.
type ExecConfig struct {
	Timeout   time.Duration
	MaxOutput int
	WorkDir   string
}

// LoopConfig configures the main loop.
type LoopConfig struct {
	TickInterval     time.Duration
	MaxRounds        int
	Model            string
	MaxTokens        int
	Identity         string
	MemoryLimit      int
	HistoryLimit     int
	ExtractMemories  bool
	MaxSpawnAttempts int
	ReadFileMaxBytes int
	Exec             ExecConfig

	// MaxSessionMessages caps the main session after each cycle. Zero keeps
	// everything.
	MaxSessionMessages int

	// HomeChannel and HomeConversation receive replies and notifications
	// that have no originating conversation. Empty means log only.
	HomeChannel      string
	HomeConversation string

	Agents ManagerConfig
}

func (c *LoopConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 10
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 5
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.MaxSpawnAttempts <= 0 {
		c.MaxSpawnAttempts = 5
	}
	if c.Agents.Model == "" {
		c.Agents.Model = c.Model
	}
}

// LoopDeps are the components the main loop orchestrates. Memory, Skills,
// Compactor, Cron and Store are optional; their tools and prompt sections
// are left out when nil.
type LoopDeps struct {
	Provider  provider.LLMProvider
	Bus       *bus.MessageBus
	Router    *router.Router
	Sessions  *session.Manager
	Memory    *memory.Service
	Skills    *skills.Library
	Compactor *compaction.Compactor
	Cron      *cron.Service
	Store     *store.Store
}

type origin struct {
	channel      string
	conversation string
}

// Loop is the orchestrator. Every tick it pulls at most one batch from the
// router and runs one reasoning cycle over the main session.
type Loop struct {
	cfg      LoopConfig
	deps     LoopDeps
	registry *tools.Registry
	agents   *Manager

	// busy makes Tick single-flight; overlapping ticks return immediately.
	busy atomic.Bool

	mu      sync.Mutex
	runCtx  context.Context
	current origin
	pending []bus.OutboundMessage

	extractWG sync.WaitGroup
}

// NewLoop wires the tool catalog and the sub-agent manager.
func NewLoop(cfg LoopConfig, deps LoopDeps) *Loop {
	cfg.applyDefaults()
	if cfg.Model == "" && deps.Provider != nil {
		cfg.Model = deps.Provider.DefaultModel()
		if cfg.Agents.Model == "" {
			cfg.Agents.Model = cfg.Model
		}
	}
	l := &Loop{
		cfg:      cfg,
		deps:     deps,
		registry: tools.NewRegistry(),
		runCtx:   context.Background(),
	}
	l.registerDefaultTools()
	l.agents = NewManager(cfg.Agents, ManagerDeps{
		Provider: deps.Provider,
		Sessions: deps.Sessions,
		Registry: l.registry,
		Memory:   deps.Memory,
		Skills:   deps.Skills,
		Store:    deps.Store,
	})
	l.agents.OnFinish(l.announceRun)
	return l
}

func (l *Loop) registerDefaultTools() {
	r := l.registry
	r.Register(tools.NewExecTool(l.cfg.Exec.Timeout, l.cfg.Exec.MaxOutput, l.cfg.Exec.WorkDir))
	r.Register(tools.NewReadFileTool(l.cfg.ReadFileMaxBytes, l.cfg.Exec.WorkDir))
	r.Register(tools.NewListDirTool(l.cfg.Exec.WorkDir))

	if mem := l.deps.Memory; mem != nil {
		r.Register(tools.NewMemoryStoreTool(mem))
		r.Register(tools.NewMemoryQueryTool(mem))
		r.Register(tools.NewMemoryReinforceTool(mem))
		r.Register(tools.NewMemoryDemoteTool(mem))
		r.Register(tools.NewMemoryUpdateTool(mem))
		r.Register(tools.NewMemoryForgetTool(mem))
	}
	if lib := l.deps.Skills; lib != nil {
		r.Register(tools.NewSkillListTool(lib))
		r.Register(tools.NewSkillGetTool(lib))
		r.Register(tools.NewSkillCreateTool(lib))
		r.Register(tools.NewSkillUpdateTool(lib))
		r.Register(tools.NewSkillDeleteTool(lib))
	}
	if svc := l.deps.Cron; svc != nil {
		r.Register(tools.NewCronCreateTool(svc))
		r.Register(tools.NewCronCancelTool(svc))
		r.Register(tools.NewCronListTool(svc))
	}
	if st := l.deps.Store; st != nil {
		r.Register(tools.NewTaskCreateTool(st))
		r.Register(tools.NewTaskListTool(st))
		r.Register(tools.NewTaskUpdateTool(st))
	}
	r.Register(tools.NewSpawnAgentTool(l.spawnFromTool))
	r.Register(tools.NewListAgentsTool(l.listAgentsForTool))
	r.Register(tools.NewNarrateTool(l.narrate))
}

// Registry returns the main tool catalog.
func (l *Loop) Registry() *tools.Registry { return l.registry }

// Agents returns the sub-agent manager.
func (l *Loop) Agents() *Manager { return l.agents }

// Busy reports whether a reasoning cycle is in flight.
func (l *Loop) Busy() bool { return l.busy.Load() }

// Run ticks until ctx is cancelled, then waits for background extraction
// and running sub-agents.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.runCtx = ctx
	l.mu.Unlock()
	slog.Info("Main loop started", "tick", l.cfg.TickInterval, "model", l.cfg.Model, "tools", len(l.registry.Names()))

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	var ticks sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			ticks.Wait()
			l.extractWG.Wait()
			l.agents.Wait()
			slog.Info("Main loop stopped")
			return ctx.Err()
		case <-ticker.C:
			ticks.Add(1)
			go func() {
				defer ticks.Done()
				l.Tick(ctx)
			}()
		}
	}
}

// SpawnFromCron is the spawn handler for cron jobs. Capacity errors are
// returned so the job outcome is logged.
func (l *Loop) SpawnFromCron(ctx context.Context, task string) error {
	_, err := l.agents.Spawn(l.baseCtx(), SpawnOptions{
		Task:         task,
		Label:        "cron",
		Channel:      l.cfg.HomeChannel,
		Conversation: l.cfg.HomeConversation,
	})
	return err
}

// Notify queues a message for a conversation. Queued messages are flushed
// at the start of the next tick.
func (l *Loop) Notify(channel, conversation, content string) {
	if channel == "" {
		channel, conversation = l.cfg.HomeChannel, l.cfg.HomeConversation
	}
	if channel == "" {
		slog.Info("Notification without destination", "content", truncateStr(content, 200))
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, bus.OutboundMessage{Channel: channel, Conversation: conversation, Content: content})
	l.mu.Unlock()
}

// Tick runs one scheduling step. It returns false when another tick was
// already in flight.
func (l *Loop) Tick(ctx context.Context) bool {
	if !l.busy.CompareAndSwap(false, true) {
		return false
	}
	defer l.busy.Store(false)

	l.flushNotifications(ctx)
	l.drainSpawnIntents(ctx)

	batch, ok := l.deps.Router.NextBatch()
	if !ok {
		return true
	}
	text := strings.TrimSpace(batch.Text())
	if text == "" {
		slog.Debug("Skipping empty batch", "channel", batch.Channel, "conversation", batch.Conversation)
		return true
	}
	dest := l.destination(batch)

	if reply, handled := l.handleCommand(ctx, text); handled {
		l.send(ctx, dest, reply)
		return true
	}

	defer l.deps.Bus.PublishActivity(bus.StateIdle, "")
	reply, err := l.process(ctx, batch, dest, text)
	if err != nil {
		slog.Error("Reasoning cycle failed", "channel", batch.Channel, "conversation", batch.Conversation, "error", err)
		reply = fmt.Sprintf("Error: %v", err)
	}
	l.send(ctx, dest, reply)
	return true
}

// Wait blocks until background memory extraction has finished.
func (l *Loop) Wait() { l.extractWG.Wait() }

func (l *Loop) destination(batch buffer.Batch) origin {
	if batch.Channel == SystemChannel {
		return origin{channel: l.cfg.HomeChannel, conversation: l.cfg.HomeConversation}
	}
	return origin{channel: batch.Channel, conversation: batch.Conversation}
}

func (l *Loop) process(ctx context.Context, batch buffer.Batch, dest origin, text string) (string, error) {
	sessions := l.deps.Sessions
	if _, err := sessions.GetOrCreate(ctx, session.MainID, session.TypeMain, l.cfg.Model); err != nil {
		return "", err
	}
	history, err := sessions.History(ctx, session.MainID, l.cfg.HistoryLimit)
	if err != nil {
		return "", err
	}

	user := session.Message{Role: "user", Content: text}
	if c := l.deps.Compactor; c != nil {
		used := compaction.EstimateTokens(append(history, user))
		if c.ShouldCompact(used, len(history)) {
			res, err := c.Compact(ctx, session.MainID, c.TargetTokens())
			if err != nil {
				slog.Warn("Compaction failed", "error", err)
			} else if res.Removed > 0 {
				if history, err = sessions.History(ctx, session.MainID, l.cfg.HistoryLimit); err != nil {
					return "", err
				}
			}
		}
	}

	in := PromptInput{
		Identity:     l.cfg.Identity,
		Now:          time.Now(),
		Channel:      batch.Channel,
		Conversation: batch.Conversation,
		Tools:        l.registry.List(),
	}
	if l.deps.Memory != nil {
		results, err := l.deps.Memory.Query(ctx, text, l.cfg.MemoryLimit)
		if err != nil {
			slog.Warn("Memory query failed", "error", err)
		}
		in.Memories = results
	}
	if l.deps.Skills != nil {
		matches, err := l.deps.Skills.MatchBudgeted(ctx, text)
		if err != nil {
			slog.Warn("Skill match failed", "error", err)
		}
		in.Skills = matches
	}

	if err := sessions.Append(ctx, session.MainID, user); err != nil {
		return "", err
	}
	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.Message{Role: "system", Content: BuildSystemPrompt(in)})
	for _, m := range trimOrphanToolResults(history) {
		messages = append(messages, m.ToProvider())
	}
	messages = append(messages, user.ToProvider())

	l.setCurrent(dest)
	defer l.setCurrent(origin{})
	l.deps.Bus.PublishActivity(bus.StateThinking, "")

	loop := &toolLoop{
		prov:      l.deps.Provider,
		model:     l.cfg.Model,
		maxTokens: l.cfg.MaxTokens,
		registry:  l.registry,
		sessions:  sessions,
		sessionID: session.MainID,
		maxRounds: l.cfg.MaxRounds,
		st:        l.deps.Store,
		onToolCall: func(name string) {
			l.deps.Bus.PublishActivity(bus.StateToolCall, name)
		},
	}
	outcome, err := loop.run(ctx, messages)
	if err != nil {
		return "", err
	}
	slog.Info("Reasoning cycle finished", "channel", batch.Channel, "rounds", outcome.Rounds,
		"tokens", outcome.Usage.TotalTokens, "exhausted", outcome.Exhausted)
	if l.cfg.MaxSessionMessages > 0 {
		n, err := sessions.Prune(ctx, session.MainID, l.cfg.MaxSessionMessages)
		if err != nil {
			slog.Warn("Session prune failed", "error", err)
		} else if n > 0 {
			slog.Debug("Session pruned", "removed", n, "kept", l.cfg.MaxSessionMessages)
		}
	}

	reply := strings.TrimSpace(outcome.Content)
	if reply == "" && outcome.Exhausted {
		reply = fmt.Sprintf("I stopped after %d tool rounds without reaching an answer.", outcome.Rounds)
	}
	if l.cfg.ExtractMemories && l.deps.Memory != nil && reply != "" {
		l.extractWG.Add(1)
		go l.extractMemories(text, reply)
	}
	return reply, nil
}

// trimOrphanToolResults drops tool results at the head of a history window
// whose requesting assistant turn fell outside the window.
func trimOrphanToolResults(history []session.Message) []session.Message {
	for len(history) > 0 && history[0].Role == "tool" {
		history = history[1:]
	}
	return history
}

func (l *Loop) extractMemories(userText, reply string) {
	defer l.extractWG.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	resp, err := l.deps.Provider.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: extractionPrompt},
			{Role: "user", Content: fmt.Sprintf("User: %s\n\nAssistant: %s", userText, reply)},
		},
		Model:     l.cfg.Model,
		MaxTokens: 512,
	})
	if err != nil {
		slog.Warn("Memory extraction failed", "error", err)
		return
	}
	facts := parseExtraction(resp.Content)
	for _, fact := range facts {
		if _, err := l.deps.Memory.Store(ctx, memory.Entry{
			Content:   fact,
			Source:    "extraction",
			Tags:      []string{"auto"},
			SessionID: session.MainID,
		}); err != nil {
			slog.Warn("Extracted memory not stored", "error", err)
		}
	}
	slog.Debug("Memory extraction finished", "facts", len(facts))
}

func (l *Loop) drainSpawnIntents(ctx context.Context) {
	for {
		intent, ok := l.deps.Router.NextSpawnIntent()
		if !ok {
			return
		}
		opts := SpawnOptions{Task: intent.Task, Label: intent.Rule}
		if o := l.destination(intent.Batch); o.channel != "" {
			opts.Channel, opts.Conversation = o.channel, o.conversation
		}
		run, err := l.agents.Spawn(l.baseCtx(), opts)
		if err == nil {
			slog.Info("Spawn intent started", "rule", intent.Rule, "run", run.ID)
			continue
		}
		if errors.Is(err, ErrConcurrencyLimit) {
			intent.Attempts++
			if intent.Attempts < l.cfg.MaxSpawnAttempts {
				l.deps.Router.RequeueSpawnIntent(intent)
				slog.Debug("Spawn intent deferred", "rule", intent.Rule, "attempts", intent.Attempts)
				return
			}
		}
		slog.Warn("Spawn intent dropped", "rule", intent.Rule, "attempts", intent.Attempts, "error", err)
		l.Notify(opts.Channel, opts.Conversation, fmt.Sprintf("Could not start background task %q: %v", truncateStr(intent.Task, 80), err))
	}
}

func (l *Loop) flushNotifications(ctx context.Context) {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for i := range pending {
		msg := pending[i]
		if err := l.deps.Bus.PublishOutbound(ctx, &msg); err != nil {
			slog.Warn("Notification dropped", "channel", msg.Channel, "error", err)
		}
	}
}

func (l *Loop) send(ctx context.Context, dest origin, content string) {
	if content == "" {
		return
	}
	if dest.channel == "" {
		slog.Info("Reply without destination", "content", truncateStr(content, 200))
		return
	}
	err := l.deps.Bus.PublishOutbound(ctx, &bus.OutboundMessage{
		Channel:      dest.channel,
		Conversation: dest.conversation,
		Content:      content,
	})
	if err != nil {
		slog.Warn("Reply dropped", "channel", dest.channel, "error", err)
	}
}

func (l *Loop) setCurrent(o origin) {
	l.mu.Lock()
	l.current = o
	l.mu.Unlock()
}

func (l *Loop) currentOrigin() origin {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// baseCtx outlives single ticks; sub-agents run under it.
func (l *Loop) baseCtx() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runCtx
}

func (l *Loop) narrate(ctx context.Context, text string) error {
	o := l.currentOrigin()
	if o.channel == "" {
		return fmt.Errorf("no active conversation")
	}
	return l.deps.Bus.PublishOutbound(ctx, &bus.OutboundMessage{
		Channel:      o.channel,
		Conversation: o.conversation,
		Content:      text,
		Streaming:    true,
	})
}

func (l *Loop) spawnFromTool(ctx context.Context, req tools.SpawnRequest) (tools.SpawnResult, error) {
	o := l.currentOrigin()
	run, err := l.agents.Spawn(l.baseCtx(), SpawnOptions{
		Task:         req.Task,
		Skill:        req.Skill,
		TaskID:       req.TaskID,
		Label:        req.Label,
		Channel:      o.channel,
		Conversation: o.conversation,
	})
	if err != nil {
		return tools.SpawnResult{}, err
	}
	return tools.SpawnResult{
		Status:  "accepted",
		RunID:   run.ID,
		Message: "Sub-agent started; its result will be reported when it finishes.",
	}, nil
}

func (l *Loop) listAgentsForTool() []tools.AgentRunView {
	runs := l.agents.List()
	out := make([]tools.AgentRunView, len(runs))
	for i, r := range runs {
		out[i] = r.View()
	}
	return out
}

func (l *Loop) announceRun(r Run) {
	name := r.Label
	if name == "" {
		name = r.ID
	}
	var msg string
	switch r.Status {
	case StatusCompleted:
		msg = fmt.Sprintf("Background task %s completed:\n%s", name, truncateStr(r.Result, 1500))
	case StatusTimedOut:
		msg = fmt.Sprintf("Background task %s timed out after %d iterations.", name, r.Iterations)
	default:
		msg = fmt.Sprintf("Background task %s failed: %s", name, r.Error)
	}
	l.Notify(r.Channel, r.Conversation, msg)
}
