package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/KafClaw/clawcore/internal/buffer"
	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
)

// SlackChannel is the channel name of the Slack backend.
const SlackChannel = "slack"

// Slack receives events over Socket Mode and replies with chat.postMessage.
// Conversations are "<channel>" or "<channel>:<thread ts>".
type Slack struct {
	cfg       config.SlackConfig
	api       *slack.Client
	botUserID string

	// post is replaced in tests.
	post func(ctx context.Context, channelID, threadTS, text string) error
}

// NewSlack creates a Slack backend from cfg.
func NewSlack(cfg config.SlackConfig) *Slack {
	opts := []slack.Option{slack.OptionAppLevelToken(cfg.AppToken)}
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		opts = append(opts, slack.OptionAPIURL(base))
	}
	s := &Slack{
		cfg:       cfg,
		api:       slack.New(cfg.BotToken, opts...),
		botUserID: strings.TrimSpace(cfg.BotUserID),
	}
	s.post = s.postMessage
	return s
}

func (s *Slack) Name() string { return SlackChannel }

// Start connects over Socket Mode and blocks until ctx is cancelled.
func (s *Slack) Start(ctx context.Context, inbox Inbox) error {
	if strings.TrimSpace(s.cfg.AppToken) == "" {
		return errors.New("slack: app token is required for socket mode")
	}
	if s.botUserID == "" {
		auth, err := s.api.AuthTestContext(ctx)
		if err != nil {
			return fmt.Errorf("slack auth test: %w", err)
		}
		s.botUserID = auth.UserID
	}
	client := socketmode.New(s.api)
	go s.consume(ctx, client, inbox)
	slog.Info("Slack socket mode starting", "bot_user", s.botUserID)
	if err := client.RunContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("slack socket mode: %w", err)
	}
	return nil
}

func (s *Slack) consume(ctx context.Context, client *socketmode.Client, inbox Inbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			if evt.Request != nil {
				client.Ack(*evt.Request)
			}
			ev, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok || ev.Type != slackevents.CallbackEvent {
				continue
			}
			var (
				in   buffer.Inbound
				keep bool
			)
			switch inner := ev.InnerEvent.Data.(type) {
			case *slackevents.MessageEvent:
				in, keep = s.fromMessage(inner)
			case *slackevents.AppMentionEvent:
				in, keep = s.fromMention(inner)
			}
			if keep {
				deliver(ctx, inbox, in)
			}
		}
	}
}

// fromMessage converts a message event. Bot posts, edits and senders
// outside the allow list are skipped. Mentions are left to fromMention so
// a mention is buffered once.
func (s *Slack) fromMessage(ev *slackevents.MessageEvent) (buffer.Inbound, bool) {
	if ev == nil || ev.BotID != "" || ev.SubType != "" || strings.TrimSpace(ev.Text) == "" {
		return buffer.Inbound{}, false
	}
	if s.botUserID != "" && ev.User == s.botUserID {
		return buffer.Inbound{}, false
	}
	direct := ev.ChannelType == "im"
	if !direct && s.mentioned(ev.Text) {
		return buffer.Inbound{}, false
	}
	if !direct && s.cfg.RequireMention {
		return buffer.Inbound{}, false
	}
	if !allowedSender(s.cfg.AllowFrom, ev.User) {
		slog.Debug("Slack sender not allowed", "user", ev.User)
		return buffer.Inbound{}, false
	}
	return buffer.Inbound{
		Channel:      SlackChannel,
		Sender:       ev.User,
		Conversation: slackConversation(ev.Channel, ev.ThreadTimeStamp),
		Payload:      s.stripMention(ev.Text),
		Priority:     directPriority(direct),
	}, true
}

func (s *Slack) fromMention(ev *slackevents.AppMentionEvent) (buffer.Inbound, bool) {
	if ev == nil || ev.BotID != "" || strings.TrimSpace(ev.Text) == "" {
		return buffer.Inbound{}, false
	}
	if !allowedSender(s.cfg.AllowFrom, ev.User) {
		return buffer.Inbound{}, false
	}
	return buffer.Inbound{
		Channel:      SlackChannel,
		Sender:       ev.User,
		Conversation: slackConversation(ev.Channel, ev.ThreadTimeStamp),
		Payload:      s.stripMention(ev.Text),
		Priority:     buffer.PriorityDirect,
	}, true
}

func (s *Slack) mentioned(text string) bool {
	return s.botUserID != "" && strings.Contains(text, "<@"+s.botUserID+">")
}

func (s *Slack) stripMention(text string) string {
	if s.botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+s.botUserID+">", "")
	}
	return strings.TrimSpace(text)
}

// Send posts msg, threading the reply when the conversation names a thread.
func (s *Slack) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	channelID, threadTS := splitSlackConversation(msg.Conversation)
	if channelID == "" {
		return errors.New("slack: empty channel id")
	}
	return s.post(ctx, channelID, threadTS, msg.Content)
}

func (s *Slack) postMessage(ctx context.Context, channelID, threadTS, text string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		_, _, err = s.api.PostMessageContext(ctx, channelID, opts...)
		if err == nil {
			return nil
		}
		var rle *slack.RateLimitedError
		if !errors.As(err, &rle) {
			return fmt.Errorf("slack post: %w", err)
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("slack post: %w", err)
}

func slackConversation(channelID, threadTS string) string {
	if threadTS == "" {
		return channelID
	}
	return channelID + ":" + threadTS
}

func splitSlackConversation(conv string) (channelID, threadTS string) {
	channelID, threadTS, _ = strings.Cut(strings.TrimSpace(conv), ":")
	return channelID, threadTS
}
