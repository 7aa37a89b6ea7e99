package bus

import (
	"context"
	"testing"
	"time"
)

func TestDispatchOutboundByChannel(t *testing.T) {
	b := NewMessageBus()
	got := make(chan *OutboundMessage, 2)
	b.Subscribe("slack", func(m *OutboundMessage) { got <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.DispatchOutbound(ctx) }()

	if err := b.PublishOutbound(ctx, &OutboundMessage{Channel: "kafka", Content: "dropped"}); err != nil {
		t.Fatal(err)
	}
	if err := b.PublishOutbound(ctx, &OutboundMessage{Channel: "slack", Conversation: "C1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-got:
		if m.Content != "hi" || m.Conversation != "C1" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPublishOutboundRespectsContext(t *testing.T) {
	b := NewMessageBus()
	ctx := context.Background()
	for i := 0; i < cap(b.outbound); i++ {
		if err := b.PublishOutbound(ctx, &OutboundMessage{Channel: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := b.PublishOutbound(short, &OutboundMessage{Channel: "x"}); err == nil {
		t.Fatal("expected full queue to honor context")
	}
	if b.OutboundSize() != cap(b.outbound) {
		t.Errorf("unexpected size %d", b.OutboundSize())
	}
}

func TestActivityWatchers(t *testing.T) {
	b := NewMessageBus()
	if b.LastActivity().State != StateIdle {
		t.Fatal("bus should start idle")
	}
	var seen []string
	stop := b.WatchActivity(func(a Activity) { seen = append(seen, a.State) })

	b.PublishActivity(StateThinking, "")
	b.PublishActivity(StateToolCall, "exec")
	stop()
	b.PublishActivity(StateIdle, "")

	if len(seen) != 2 || seen[0] != StateThinking || seen[1] != StateToolCall {
		t.Fatalf("unexpected activity %v", seen)
	}
	if last := b.LastActivity(); last.State != StateIdle {
		t.Errorf("expected idle last, got %+v", last)
	}
}
