// Package router moves unrouted buffer batches to the main queue, to spawn
// intents, or drops them, using ordered first-match rules.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/KafClaw/clawcore/internal/buffer"
)

// Action is what a matching rule does with a batch.
type Action string

const (
	ActionForward Action = "forward"
	ActionSpawn   Action = "spawn"
	ActionDrop    Action = "drop"
)

// Rule matches batches by their first message. Empty predicates are
// ignored; a rule with no predicates matches everything.
type Rule struct {
	Name    string   `json:"name"`
	Channel string   `json:"channel,omitempty"`
	Senders []string `json:"senders,omitempty"` // exact ids or glob patterns
	Event   string   `json:"event,omitempty"`   // payload must equal this literal
	Action  Action   `json:"action"`
	Task    string   `json:"task,omitempty"` // spawn template, e.g. "Triage {payload.title}"
}

// SpawnIntent asks the orchestrator to launch a sub-agent for a batch.
type SpawnIntent struct {
	Rule     string
	Task     string
	Batch    buffer.Batch
	Attempts int
}

// Result counts the outcome of one routing pass.
type Result struct {
	Forwarded int
	Spawned   int
	Dropped   int
}

func (r Result) Total() int { return r.Forwarded + r.Spawned + r.Dropped }

type compiledRule struct {
	Rule
	senders []glob.Glob
}

// Router owns the in-memory main queue and spawn intents.
type Router struct {
	buf   *buffer.Buffer
	rules []compiledRule

	mu      sync.Mutex
	queue   []buffer.Batch
	intents []SpawnIntent
}

// New validates and compiles rules.
func New(buf *buffer.Buffer, rules []Rule) (*Router, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if rule.Action == "" {
			rule.Action = ActionForward
		}
		switch rule.Action {
		case ActionForward, ActionDrop:
		case ActionSpawn:
			if strings.TrimSpace(rule.Task) == "" {
				return nil, fmt.Errorf("router rule %d (%s): spawn action requires a task template", i, rule.Name)
			}
		default:
			return nil, fmt.Errorf("router rule %d (%s): unknown action %q", i, rule.Name, rule.Action)
		}
		cr := compiledRule{Rule: rule}
		for _, pattern := range rule.Senders {
			g, err := glob.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("router rule %d (%s): sender pattern %q: %w", i, rule.Name, pattern, err)
			}
			cr.senders = append(cr.senders, g)
		}
		compiled = append(compiled, cr)
	}
	return &Router{buf: buf, rules: compiled}, nil
}

// Route evaluates every unrouted batch once. Each batch is marked routed
// before its action runs, so a batch is never evaluated twice.
func (r *Router) Route(ctx context.Context) (Result, error) {
	var res Result
	batches, err := r.buf.GetUnrouted(ctx)
	if err != nil {
		return res, err
	}
	for _, batch := range batches {
		rule, matched := r.match(batch)
		if err := r.buf.MarkRouted(ctx, batch.IDs()); err != nil {
			return res, fmt.Errorf("route batch %s/%s: %w", batch.Channel, batch.Conversation, err)
		}

		action := ActionForward
		ruleName := "default"
		if matched {
			action = rule.Action
			ruleName = rule.Name
		}

		switch action {
		case ActionDrop:
			res.Dropped++
			slog.Debug("Router dropped batch", "rule", ruleName, "channel", batch.Channel, "messages", len(batch.Messages))
		case ActionSpawn:
			first, _ := batch.First()
			task := Interpolate(rule.Task, first)
			r.mu.Lock()
			r.intents = append(r.intents, SpawnIntent{Rule: ruleName, Task: task, Batch: batch})
			r.mu.Unlock()
			res.Spawned++
			slog.Info("Router recorded spawn intent", "rule", ruleName, "channel", batch.Channel)
		default:
			r.Enqueue(batch)
			res.Forwarded++
		}
	}
	return res, nil
}

func (r *Router) match(batch buffer.Batch) (compiledRule, bool) {
	first, ok := batch.First()
	if !ok {
		return compiledRule{}, false
	}
	for _, rule := range r.rules {
		if rule.Channel != "" && rule.Channel != first.Channel {
			continue
		}
		if len(rule.senders) > 0 && !matchesAny(rule.senders, first.Sender) {
			continue
		}
		if rule.Event != "" && strings.TrimSpace(first.Payload) != rule.Event {
			continue
		}
		return rule, true
	}
	return compiledRule{}, false
}

func matchesAny(patterns []glob.Glob, s string) bool {
	for _, g := range patterns {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// Enqueue appends a batch to the main queue.
func (r *Router) Enqueue(batch buffer.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, batch)
}

// NextBatch pops the oldest queued batch.
func (r *Router) NextBatch() (buffer.Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return buffer.Batch{}, false
	}
	b := r.queue[0]
	r.queue[0] = buffer.Batch{}
	r.queue = r.queue[1:]
	return b, true
}

// Pending returns the number of queued batches.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// NextSpawnIntent pops the oldest spawn intent.
func (r *Router) NextSpawnIntent() (SpawnIntent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.intents) == 0 {
		return SpawnIntent{}, false
	}
	in := r.intents[0]
	r.intents = r.intents[1:]
	return in, true
}

// RequeueSpawnIntent puts an intent back at the head of the intent queue.
func (r *Router) RequeueSpawnIntent(in SpawnIntent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append([]SpawnIntent{in}, r.intents...)
}

// Run routes on every tick until ctx is cancelled.
func (r *Router) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Route(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Router pass failed", "error", err)
			}
		}
	}
}
