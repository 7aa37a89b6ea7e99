package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/clawcore/internal/buffer"
	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/compaction"
	"github.com/KafClaw/clawcore/internal/cron"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/router"
	"github.com/KafClaw/clawcore/internal/session"
)

type loopEnv struct {
	*testEnv
	buf    *buffer.Buffer
	router *router.Router
	bus    *bus.MessageBus
	out    chan *bus.OutboundMessage
	loop   *Loop
}

func newLoopEnv(t *testing.T, cfg LoopConfig, prov provider.LLMProvider, rules ...router.Rule) *loopEnv {
	t.Helper()
	env := newTestEnv(t)
	buf := buffer.New(env.st)
	r, err := router.New(buf, rules)
	if err != nil {
		t.Fatal(err)
	}
	b := bus.NewMessageBus()
	out := make(chan *bus.OutboundMessage, 16)
	for _, ch := range []string{"console", "slack", "kafka", "home"} {
		b.Subscribe(ch, func(m *bus.OutboundMessage) { out <- m })
	}
	ctx, cancel := context.WithCancel(context.Background())
	go b.DispatchOutbound(ctx)
	t.Cleanup(cancel)

	svc := cron.NewService(env.st, cron.RouterNotifier(r), nil)
	t.Cleanup(svc.Stop)
	l := NewLoop(cfg, LoopDeps{
		Provider:  prov,
		Bus:       b,
		Router:    r,
		Sessions:  env.sessions,
		Memory:    env.mem,
		Skills:    env.lib,
		Compactor: compaction.New(env.sessions, prov, compaction.Config{}),
		Cron:      svc,
		Store:     env.st,
	})
	svc.SetSpawn(l.SpawnFromCron)
	return &loopEnv{testEnv: env, buf: buf, router: r, bus: b, out: out, loop: l}
}

func (e *loopEnv) say(channel, conversation, text string) {
	e.router.Enqueue(buffer.Batch{
		Channel:      channel,
		Conversation: conversation,
		Messages:     []buffer.Message{{Channel: channel, Conversation: conversation, Payload: text}},
	})
}

func (e *loopEnv) next(t *testing.T) *bus.OutboundMessage {
	t.Helper()
	select {
	case m := <-e.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound message")
		return nil
	}
}

func (e *loopEnv) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case m := <-e.out:
		t.Fatalf("unexpected outbound message %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTickRepliesToOriginAndPersists(t *testing.T) {
	prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return answer("hi there"), nil
	}}
	env := newLoopEnv(t, LoopConfig{}, prov)
	env.say("slack", "C42", "hello")

	if !env.loop.Tick(context.Background()) {
		t.Fatal("tick should run")
	}
	msg := env.next(t)
	if msg.Channel != "slack" || msg.Conversation != "C42" || msg.Content != "hi there" {
		t.Fatalf("unexpected reply %+v", msg)
	}

	history, err := env.sessions.History(context.Background(), session.MainID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Content != "hello" || history[1].Role != "assistant" {
		t.Fatalf("unexpected history %+v", history)
	}
	req := prov.request(0)
	if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, "Channel: slack") {
		t.Errorf("system prompt missing conversation context")
	}
	if tokens, _ := env.st.DailyTokenUsage(); tokens != 15 {
		t.Errorf("expected 15 tokens recorded, got %d", tokens)
	}
	if env.loop.deps.Bus.LastActivity().State != bus.StateIdle {
		t.Error("loop should report idle after the tick")
	}
}

func TestTickCapsSessionHistory(t *testing.T) {
	prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return answer("ack"), nil
	}}
	env := newLoopEnv(t, LoopConfig{MaxSessionMessages: 3}, prov)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		env.say("slack", "C42", text)
		if !env.loop.Tick(ctx) {
			t.Fatalf("tick for %q should run", text)
		}
		env.next(t)
	}

	n, err := env.sessions.Count(ctx, session.MainID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 messages after capping, got %d", n)
	}
	history, err := env.sessions.History(ctx, session.MainID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if history[len(history)-2].Content != "three" || history[len(history)-1].Content != "ack" {
		t.Errorf("newest exchange should survive, got %+v", history)
	}
}

func TestTickRunsToolsThenAnswers(t *testing.T) {
	prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if n == 1 {
			return toolCall("call-1", "memory_store", map[string]any{"content": "User prefers green tea"}), nil
		}
		return answer("Noted."), nil
	}}
	env := newLoopEnv(t, LoopConfig{}, prov)
	var states []string
	stop := env.bus.WatchActivity(func(a bus.Activity) { states = append(states, a.State+":"+a.Detail) })
	defer stop()

	env.say("console", "local", "remember I like green tea")
	env.loop.Tick(context.Background())
	if msg := env.next(t); msg.Content != "Noted." {
		t.Fatalf("unexpected reply %q", msg.Content)
	}

	mems, err := env.mem.List(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 1 || mems[0].SessionID != session.MainID {
		t.Fatalf("tool should store one memory for the main session, got %+v", mems)
	}
	second := prov.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" || !strings.Contains(last.Content, "Remembered") {
		t.Errorf("tool result not fed back: %+v", last)
	}
	want := "thinking:,tool_call:memory_store,idle:"
	if got := strings.Join(states, ","); got != want {
		t.Errorf("activity %s, want %s", got, want)
	}
}

func TestTickStopsAfterMaxRounds(t *testing.T) {
	dir := t.TempDir()
	prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return toolCall("c", "list_dir", map[string]any{"path": dir}), nil
	}}
	env := newLoopEnv(t, LoopConfig{MaxRounds: 3}, prov)
	env.say("console", "local", "keep going")
	env.loop.Tick(context.Background())

	msg := env.next(t)
	if !strings.Contains(msg.Content, "3 tool rounds") {
		t.Fatalf("unexpected reply %q", msg.Content)
	}
	if prov.calls() != 3 {
		t.Errorf("expected 3 model calls, got %d", prov.calls())
	}
}

func TestTickUnknownToolIsRecoverable(t *testing.T) {
	prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if n == 1 {
			return toolCall("c", "teleport", nil), nil
		}
		return answer("sorry"), nil
	}}
	env := newLoopEnv(t, LoopConfig{}, prov)
	env.say("console", "local", "beam me up")
	env.loop.Tick(context.Background())
	env.next(t)

	req := prov.request(1)
	if got := req.Messages[len(req.Messages)-1].Content; got != "Unknown tool: teleport" {
		t.Errorf("unexpected tool result %q", got)
	}
}

func TestTickIsSingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		close(entered)
		<-release
		return answer("done"), nil
	}}
	env := newLoopEnv(t, LoopConfig{}, prov)
	env.say("console", "local", "first")
	env.say("console", "local", "second")

	ctx := context.Background()
	done := make(chan bool)
	go func() { done <- env.loop.Tick(ctx) }()
	<-entered

	if env.loop.Tick(ctx) {
		t.Fatal("overlapping tick must be a no-op")
	}
	if env.router.Pending() != 1 {
		t.Errorf("overlapping tick must not consume a batch, pending %d", env.router.Pending())
	}
	close(release)
	if !<-done {
		t.Fatal("first tick should have run")
	}
	if env.loop.Busy() {
		t.Error("busy flag not cleared")
	}
}

func TestTickSkipsEmptyBatch(t *testing.T) {
	prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return answer("should not be called"), nil
	}}
	env := newLoopEnv(t, LoopConfig{}, prov)
	env.say("console", "local", "   ")
	env.loop.Tick(context.Background())
	env.expectSilence(t)
	if prov.calls() != 0 {
		t.Errorf("empty batch reached the model")
	}
}

func TestSlashCommandsBypassModel(t *testing.T) {
	prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return answer("model reply"), nil
	}}
	env := newLoopEnv(t, LoopConfig{}, prov)
	ctx := context.Background()

	env.say("console", "local", "hello")
	env.loop.Tick(ctx)
	env.next(t)
	calls := prov.calls()

	cases := []struct {
		cmd  string
		want string
	}{
		{"/help", "/compact"},
		{"/status", "Session messages: 2"},
		{"/agents", "No sub-agent runs."},
		{"/jobs", "No pending jobs."},
		{"/compact", "Nothing to compact."},
		{"/clear", "Cleared 2 messages."},
	}
	for _, tc := range cases {
		env.say("console", "local", tc.cmd)
		env.loop.Tick(ctx)
		if msg := env.next(t); !strings.Contains(msg.Content, tc.want) {
			t.Errorf("%s: got %q, want it to contain %q", tc.cmd, msg.Content, tc.want)
		}
	}
	if prov.calls() != calls {
		t.Errorf("slash commands called the model %d times", prov.calls()-calls)
	}

	env.say("console", "local", "/weather")
	env.loop.Tick(ctx)
	if msg := env.next(t); msg.Content != "model reply" {
		t.Errorf("unknown command should reach the model, got %q", msg.Content)
	}
}

func TestMemoryExtraction(t *testing.T) {
	cases := []struct {
		name      string
		extracted string
		want      int
	}{
		{"sentinel", "Nothing to store.", 0},
		{"facts", "- The user's name is Ada\n- Ada deploys on Fridays", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
				if req.Messages[0].Content == extractionPrompt {
					return answer(tc.extracted), nil
				}
				return answer("Nice to meet you, Ada."), nil
			}}
			env := newLoopEnv(t, LoopConfig{ExtractMemories: true}, prov)
			env.say("console", "local", "I'm Ada and I deploy on Fridays")
			env.loop.Tick(context.Background())
			env.next(t)
			env.loop.Wait()

			n, err := env.mem.Count(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if n != tc.want {
				t.Errorf("expected %d memories, got %d", tc.want, n)
			}
		})
	}
}

func TestMemoryExtractionFailureIsSwallowed(t *testing.T) {
	prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if req.Messages[0].Content == extractionPrompt {
			return nil, context.DeadlineExceeded
		}
		return answer("ok"), nil
	}}
	env := newLoopEnv(t, LoopConfig{ExtractMemories: true}, prov)
	env.say("console", "local", "hi")
	env.loop.Tick(context.Background())
	if msg := env.next(t); msg.Content != "ok" {
		t.Fatalf("unexpected reply %q", msg.Content)
	}
	env.loop.Wait()
	env.expectSilence(t)
}

func TestSpawnIntentRequeuedOnCapacity(t *testing.T) {
	release := make(chan struct{})
	prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		<-release
		return answer("handled"), nil
	}}
	rule := router.Rule{Name: "alerts", Channel: "kafka", Action: router.ActionSpawn, Task: "Investigate alert"}
	env := newLoopEnv(t, LoopConfig{MaxSpawnAttempts: 2, Agents: ManagerConfig{MaxConcurrent: 1}}, prov, rule)
	ctx := context.Background()

	if _, err := env.loop.Agents().Spawn(ctx, SpawnOptions{Task: "occupy the slot"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.buf.Insert(ctx, buffer.Inbound{Channel: "kafka", Conversation: "alerts", Payload: "disk full"}); err != nil {
		t.Fatal(err)
	}
	if res, err := env.router.Route(ctx); err != nil || res.Spawned != 1 {
		t.Fatalf("route: %+v %v", res, err)
	}

	env.loop.Tick(ctx)
	intent, ok := env.router.NextSpawnIntent()
	if !ok || intent.Attempts != 1 {
		t.Fatalf("intent should be requeued after one attempt, got %+v %v", intent, ok)
	}
	env.router.RequeueSpawnIntent(intent)

	env.loop.Tick(ctx)
	if _, ok := env.router.NextSpawnIntent(); ok {
		t.Fatal("intent should be dropped after max attempts")
	}
	env.loop.Tick(ctx)
	if msg := env.next(t); msg.Channel != "kafka" || msg.Conversation != "alerts" || !strings.Contains(msg.Content, "Investigate alert") {
		t.Errorf("unexpected drop notice %+v", msg)
	}

	close(release)
	env.loop.Agents().Wait()
}

func TestSubAgentResultAnnouncedToOrigin(t *testing.T) {
	prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if strings.Contains(req.Messages[0].Content, "background worker") {
			return answer("found 3 broken links"), nil
		}
		if n == 1 {
			return toolCall("s1", "spawn_agent", map[string]any{"task": "check links", "label": "linkcheck"}), nil
		}
		return answer("Started a background check."), nil
	}}
	env := newLoopEnv(t, LoopConfig{}, prov)
	ctx := context.Background()

	env.say("slack", "C7", "check the site links in the background")
	env.loop.Tick(ctx)
	if msg := env.next(t); msg.Content != "Started a background check." {
		t.Fatalf("unexpected reply %q", msg.Content)
	}
	env.loop.Agents().Wait()

	env.loop.Tick(ctx)
	msg := env.next(t)
	if msg.Channel != "slack" || msg.Conversation != "C7" || !strings.Contains(msg.Content, "linkcheck completed") ||
		!strings.Contains(msg.Content, "found 3 broken links") {
		t.Fatalf("unexpected announcement %+v", msg)
	}
}

func TestCronNotifyReachesHomeChannel(t *testing.T) {
	prov := &scriptedProvider{reply: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		return answer("Reminder: " + last.Content), nil
	}}
	env := newLoopEnv(t, LoopConfig{HomeChannel: "home", HomeConversation: "me"}, prov)
	ctx := context.Background()

	job, err := env.loop.deps.Cron.CreateJob(ctx, "standup", time.Now().Add(-time.Second), cron.PayloadNotify, cron.Payload{Message: "standup in 5"})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.router.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached the router", job.ID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	env.loop.Tick(ctx)
	msg := env.next(t)
	if msg.Channel != "home" || msg.Conversation != "me" || msg.Content != "Reminder: standup in 5" {
		t.Errorf("unexpected message %+v", msg)
	}
}
