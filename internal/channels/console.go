package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/KafClaw/clawcore/internal/buffer"
	"github.com/KafClaw/clawcore/internal/bus"
)

// ConsoleChannel is the channel name of the local terminal.
const ConsoleChannel = "console"

// Console reads lines from an input stream and writes replies to an
// output stream.
type Console struct {
	in           io.Reader
	out          io.Writer
	sender       string
	conversation string
	prompt       func(w io.Writer)

	mu sync.Mutex
}

// NewConsole creates a console backend. Every line is a direct message
// from sender in the "local" conversation.
func NewConsole(in io.Reader, out io.Writer, sender string) *Console {
	if sender == "" {
		sender = "user"
	}
	return &Console{in: in, out: out, sender: sender, conversation: "local"}
}

// SetPrompt installs a function that draws the input prompt after every
// reply.
func (c *Console) SetPrompt(fn func(w io.Writer)) { c.prompt = fn }

func (c *Console) Name() string { return ConsoleChannel }

// Conversation returns the conversation id the console writes into.
func (c *Console) Conversation() string { return c.conversation }

// Start reads until EOF or ctx is cancelled. EOF returns nil.
func (c *Console) Start(ctx context.Context, inbox Inbox) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	c.drawPrompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				c.drawPrompt()
				continue
			}
			deliver(ctx, inbox, buffer.Inbound{
				Channel:      ConsoleChannel,
				Sender:       c.sender,
				Conversation: c.conversation,
				Payload:      line,
				Priority:     buffer.PriorityDirect,
			})
		}
	}
}

// Send prints msg. Streaming narration is printed inline without a prompt.
func (c *Console) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintln(c.out, msg.Content); err != nil {
		return err
	}
	if !msg.Streaming {
		c.drawPromptLocked()
	}
	return nil
}

func (c *Console) drawPrompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drawPromptLocked()
}

func (c *Console) drawPromptLocked() {
	if c.prompt != nil {
		c.prompt(c.out)
	}
}
