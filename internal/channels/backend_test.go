package channels

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/clawcore/internal/buffer"
	"github.com/KafClaw/clawcore/internal/bus"
)

type fakeInbox struct {
	mu   sync.Mutex
	msgs []buffer.Inbound
	err  error
}

func (f *fakeInbox) Insert(ctx context.Context, in buffer.Inbound) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.msgs = append(f.msgs, in)
	return int64(len(f.msgs)), nil
}

func (f *fakeInbox) all() []buffer.Inbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]buffer.Inbound(nil), f.msgs...)
}

type recordingBackend struct {
	name string
	err  error
	got  chan *bus.OutboundMessage
}

func (r *recordingBackend) Name() string                                 { return r.name }
func (r *recordingBackend) Start(ctx context.Context, inbox Inbox) error { return nil }
func (r *recordingBackend) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	r.got <- msg
	return r.err
}

func TestAllowedSender(t *testing.T) {
	cases := []struct {
		allow  []string
		sender string
		want   bool
	}{
		{nil, "anyone", true},
		{[]string{"U1", "U2"}, "U2", true},
		{[]string{"U1"}, "u1", true},
		{[]string{"U1"}, "U3", false},
		{[]string{"*"}, "U3", true},
	}
	for _, tc := range cases {
		if got := allowedSender(tc.allow, tc.sender); got != tc.want {
			t.Errorf("allowedSender(%v, %q) = %v, want %v", tc.allow, tc.sender, got, tc.want)
		}
	}
}

func TestAttachDeliversByChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMessageBus()
	ok := &recordingBackend{name: "alpha", got: make(chan *bus.OutboundMessage, 1)}
	failing := &recordingBackend{name: "beta", err: errors.New("offline"), got: make(chan *bus.OutboundMessage, 1)}
	Attach(ctx, b, ok)
	Attach(ctx, b, failing)
	go b.DispatchOutbound(ctx)

	if err := b.PublishOutbound(ctx, &bus.OutboundMessage{Channel: "beta", Conversation: "x", Content: "lost"}); err != nil {
		t.Fatal(err)
	}
	if err := b.PublishOutbound(ctx, &bus.OutboundMessage{Channel: "alpha", Conversation: "c1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-failing.got:
		if msg.Content != "lost" {
			t.Fatalf("beta got %q", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("beta backend never called")
	}
	select {
	case msg := <-ok.got:
		if msg.Conversation != "c1" || msg.Content != "hi" {
			t.Fatalf("alpha got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("a failing backend blocked dispatch")
	}
}

func TestConsoleReadsLinesUntilEOF(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(strings.NewReader("hello\n\n  \nsecond line\n"), &out, "")
	prompts := 0
	c.SetPrompt(func(w io.Writer) { prompts++ })

	inbox := &fakeInbox{}
	if err := c.Start(context.Background(), inbox); err != nil {
		t.Fatalf("Start: %v", err)
	}
	msgs := inbox.all()
	if len(msgs) != 2 {
		t.Fatalf("buffered %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Channel != ConsoleChannel || m.Sender != "user" || m.Conversation != "local" || m.Priority != buffer.PriorityDirect {
			t.Errorf("unexpected inbound %+v", m)
		}
	}
	if msgs[1].Payload != "second line" {
		t.Errorf("payload = %q", msgs[1].Payload)
	}
	if prompts != 3 {
		t.Errorf("prompt drawn %d times, want 3 (start + two blank lines)", prompts)
	}
}

func TestConsoleSend(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(strings.NewReader(""), &out, "ada")
	c.SetPrompt(func(w io.Writer) { io.WriteString(w, "> ") })

	if err := c.Send(context.Background(), &bus.OutboundMessage{Content: "working on it", Streaming: true}); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(context.Background(), &bus.OutboundMessage{Content: "done"}); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "working on it\ndone\n> " {
		t.Fatalf("output = %q", got)
	}
}
