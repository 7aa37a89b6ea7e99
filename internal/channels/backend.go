// Package channels connects chat transports to the message buffer and the
// outbound bus.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/clawcore/internal/buffer"
	"github.com/KafClaw/clawcore/internal/bus"
)

// DefaultSendTimeout bounds a single outbound delivery.
const DefaultSendTimeout = 30 * time.Second

// Inbox accepts inbound messages. *buffer.Buffer satisfies it.
type Inbox interface {
	Insert(ctx context.Context, in buffer.Inbound) (int64, error)
}

// Backend is a chat transport.
type Backend interface {
	// Name is the channel name used for routing and outbound dispatch.
	Name() string
	// Start receives messages into inbox until ctx is cancelled.
	Start(ctx context.Context, inbox Inbox) error
	// Send delivers one reply.
	Send(ctx context.Context, msg *bus.OutboundMessage) error
}

// Attach subscribes backend to outbound messages for its channel. Failed
// sends are logged and dropped.
func Attach(ctx context.Context, b *bus.MessageBus, backend Backend) {
	name := backend.Name()
	b.Subscribe(name, func(msg *bus.OutboundMessage) {
		sendCtx, cancel := context.WithTimeout(ctx, DefaultSendTimeout)
		defer cancel()
		if err := backend.Send(sendCtx, msg); err != nil {
			slog.Warn("Channel send failed", "channel", name, "conversation", msg.Conversation, "error", err)
		}
	})
}

// deliver inserts in and logs instead of failing the receive loop.
func deliver(ctx context.Context, inbox Inbox, in buffer.Inbound) {
	id, err := inbox.Insert(ctx, in)
	if err != nil {
		slog.Warn("Inbound insert failed", "channel", in.Channel, "sender", in.Sender, "error", err)
		return
	}
	slog.Debug("Inbound message buffered", "channel", in.Channel, "conversation", in.Conversation, "id", id)
}

// allowedSender reports whether sender passes an allow list. An empty list
// admits everyone; "*" matches any sender.
func allowedSender(allow []string, sender string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		a = strings.TrimSpace(a)
		if a == "*" || strings.EqualFold(a, sender) {
			return true
		}
	}
	return false
}

func directPriority(direct bool) int {
	if direct {
		return buffer.PriorityDirect
	}
	return buffer.PriorityNotification
}
