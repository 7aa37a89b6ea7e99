package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/clawcore/internal/agent"
	"github.com/KafClaw/clawcore/internal/buffer"
	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/channels"
	"github.com/KafClaw/clawcore/internal/compaction"
	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/cron"
	"github.com/KafClaw/clawcore/internal/memory"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/router"
	"github.com/KafClaw/clawcore/internal/scheduler"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/skills"
	"github.com/KafClaw/clawcore/internal/store"
)

// errChannelClosed ends a run cleanly when an interactive backend reaches
// end of input.
var errChannelClosed = errors.New("channel closed")

// runtime is the wired daemon: one store shared by every component.
type runtime struct {
	cfg       *config.Config
	store     *store.Store
	buffer    *buffer.Buffer
	router    *router.Router
	memory    *memory.Service
	sessions  *session.Manager
	skills    *skills.Library
	compactor *compaction.Compactor
	cron      *cron.Service
	bus       *bus.MessageBus
	loop      *agent.Loop
	scheduler *scheduler.Scheduler
}

func newProvider(cfg *config.Config) (provider.LLMProvider, error) {
	if cfg.Provider.APIKey == "" {
		return nil, errors.New("no API key configured (set provider.apiKey or OPENAI_API_KEY)")
	}
	return provider.NewOpenAIProvider(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Model.Name).
		WithRetry(cfg.Provider.MaxAttempts, cfg.Provider.RetryBase), nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := config.EnsureLayout(cfg); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Paths.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func openMemory(cfg *config.Config, st *store.Store) (*memory.Service, error) {
	syn, err := memory.LoadSynonyms(cfg.Memory.SynonymsFile)
	if err != nil {
		return nil, err
	}
	return memory.NewService(st, syn), nil
}

func openSkills(cfg *config.Config, st *store.Store) (*skills.Library, error) {
	lib, err := skills.NewLibrary(st, skills.Config{
		Dir:                 cfg.Paths.SkillsDir,
		MaxPerTurn:          cfg.Skills.MaxPerTurn,
		ExtraBlockedPhrases: cfg.Skills.ExtraBlockedPhrases,
		PatternCacheSize:    cfg.Skills.PatternCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open skills: %w", err)
	}
	return lib, nil
}

// newRuntime wires every component around prov. The caller owns Close.
func newRuntime(cfg *config.Config, prov provider.LLMProvider) (*runtime, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, store: st, bus: bus.NewMessageBus()}
	fail := func(err error) (*runtime, error) {
		st.Close()
		return nil, err
	}

	rt.buffer = buffer.New(st)
	if rt.router, err = router.New(rt.buffer, cfg.Router.Rules); err != nil {
		return fail(fmt.Errorf("router rules: %w", err))
	}
	if rt.memory, err = openMemory(cfg, st); err != nil {
		return fail(err)
	}
	if rt.skills, err = openSkills(cfg, st); err != nil {
		return fail(err)
	}
	rt.sessions = session.NewManager(st)
	rt.compactor = compaction.New(rt.sessions, prov, compaction.Config{
		Threshold:    cfg.Compaction.Threshold,
		ContextLimit: cfg.Model.ContextLimit,
		KeepRatio:    cfg.Compaction.KeepRatio,
		Model:        cfg.Model.Name,
	})
	rt.cron = cron.NewService(st, cron.RouterNotifier(rt.router), nil)

	workDir := ""
	if cfg.Tools.Exec.RestrictToWorkspace {
		workDir = cfg.Paths.Workspace
	}
	rt.loop = agent.NewLoop(agent.LoopConfig{
		TickInterval:     cfg.Loop.TickInterval,
		MaxRounds:        cfg.Loop.MaxRounds,
		Model:            cfg.Model.Name,
		MaxTokens:        cfg.Model.MaxTokens,
		Identity:         cfg.Loop.Identity,
		MemoryLimit:      cfg.Loop.MemoryLimit,
		HistoryLimit:     cfg.Loop.HistoryLimit,
		ExtractMemories:  cfg.Loop.ExtractMemories,
		MaxSpawnAttempts: cfg.Loop.MaxSpawnAttempts,
		ReadFileMaxBytes: cfg.Tools.ReadFileMaxBytes,
		Exec: agent.ExecConfig{
			Timeout:   cfg.Tools.Exec.Timeout,
			MaxOutput: cfg.Tools.Exec.MaxOutput,
			WorkDir:   workDir,
		},
		HomeChannel:      cfg.Loop.HomeChannel,
		HomeConversation: cfg.Loop.HomeConversation,

		MaxSessionMessages: cfg.Loop.MaxSessionMessages,
		Agents: agent.ManagerConfig{
			MaxConcurrent: cfg.Agents.MaxConcurrent,
			Timeout:       cfg.Agents.Timeout,
			MaxIterations: cfg.Agents.MaxIterations,
			HistorySize:   cfg.Agents.HistorySize,
			Model:         cfg.Agents.Model,
			MaxTokens:     cfg.Model.MaxTokens,
		},
	}, agent.LoopDeps{
		Provider:  prov,
		Bus:       rt.bus,
		Router:    rt.router,
		Sessions:  rt.sessions,
		Memory:    rt.memory,
		Skills:    rt.skills,
		Compactor: rt.compactor,
		Cron:      rt.cron,
		Store:     st,
	})
	rt.cron.SetSpawn(rt.loop.SpawnFromCron)

	if cfg.Scheduler.Enabled {
		rt.scheduler = scheduler.New(scheduler.Config{
			TickInterval: cfg.Scheduler.TickInterval,
			LockPath:     cfg.Scheduler.LockPath,
		}, st)
		if err := scheduler.RegisterMaintenance(rt.scheduler, cfg.Maintenance, rt.buffer, rt.memory); err != nil {
			return fail(fmt.Errorf("maintenance schedule: %w", err))
		}
	}
	return rt, nil
}

// run starts every component and the given backends and blocks until ctx
// is cancelled or one of them fails.
func (rt *runtime) run(ctx context.Context, backends []channels.Backend) error {
	armed, err := rt.cron.Init(ctx)
	if err != nil {
		return fmt.Errorf("cron init: %w", err)
	}
	slog.Info("Cron jobs armed", "count", armed)
	defer rt.cron.Stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range backends {
		channels.Attach(ctx, rt.bus, b)
		g.Go(func() error {
			slog.Info("Channel starting", "channel", b.Name())
			if err := b.Start(ctx, rt.buffer); err != nil {
				return fmt.Errorf("channel %s: %w", b.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error { return quiet(rt.router.Run(ctx, rt.cfg.Router.Interval)) })
	g.Go(func() error { return quiet(rt.loop.Run(ctx)) })
	g.Go(func() error { return quiet(rt.bus.DispatchOutbound(ctx)) })
	if rt.scheduler != nil {
		g.Go(func() error { return quiet(rt.scheduler.Run(ctx)) })
	}
	if rt.cfg.Skills.Watch {
		g.Go(func() error { return quiet(rt.skills.Watch(ctx)) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errChannelClosed) {
		return err
	}
	return nil
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

// quiet treats cancellation as a clean stop.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
