// Package bus carries outbound replies from the reasoning loops to channel
// backends and broadcasts loop activity to observers.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Activity states reported by the main loop.
const (
	StateThinking = "thinking"
	StateToolCall = "tool_call"
	StateIdle     = "idle"
)

// OutboundMessage is a reply addressed to one conversation of a channel.
type OutboundMessage struct {
	Channel      string `json:"channel"`
	Conversation string `json:"conversation"`
	Content      string `json:"content"`
	Streaming    bool   `json:"streaming,omitempty"`
}

// Activity is one state change of a reasoning loop.
type Activity struct {
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// MessageBus decouples the loops from the channel backends.
type MessageBus struct {
	outbound chan *OutboundMessage

	mu       sync.RWMutex
	subs     map[string][]func(*OutboundMessage)
	watchers map[int]func(Activity)
	nextID   int
	last     Activity
}

// NewMessageBus creates a bus with a buffered outbound queue.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		outbound: make(chan *OutboundMessage, 100),
		subs:     make(map[string][]func(*OutboundMessage)),
		watchers: make(map[int]func(Activity)),
		last:     Activity{State: StateIdle},
	}
}

// PublishOutbound queues a message, blocking while the queue is full.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg *OutboundMessage) error {
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a callback for outbound messages to a channel.
func (b *MessageBus) Subscribe(channel string, callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], callback)
}

// DispatchOutbound delivers queued messages until ctx is cancelled.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := b.subs[msg.Channel]
			b.mu.RUnlock()
			if len(callbacks) == 0 {
				slog.Warn("No backend for outbound message", "channel", msg.Channel, "conversation", msg.Conversation)
				continue
			}
			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// OutboundSize returns the number of queued outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}

// PublishActivity records a state change and calls every watcher.
func (b *MessageBus) PublishActivity(state, detail string) {
	a := Activity{State: state, Detail: detail, At: time.Now()}
	b.mu.Lock()
	b.last = a
	watchers := make([]func(Activity), 0, len(b.watchers))
	for _, w := range b.watchers {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()
	for _, w := range watchers {
		w(a)
	}
}

// WatchActivity registers fn for activity updates. The returned func
// removes it.
func (b *MessageBus) WatchActivity(fn func(Activity)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.watchers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.watchers, id)
	}
}

// LastActivity returns the most recent activity.
func (b *MessageBus) LastActivity() Activity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}
