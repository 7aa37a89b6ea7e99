package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/KafClaw/clawcore/internal/buffer"
	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
)

// WhatsAppChannel is the channel name of the WhatsApp backend.
const WhatsAppChannel = "whatsapp"

// WhatsApp is a native WhatsApp Web client. Device keys live in their own
// sqlite file next to the main database. Conversations are chat JIDs.
type WhatsApp struct {
	cfg config.WhatsAppConfig

	mu     sync.Mutex
	client *whatsmeow.Client
	inbox  Inbox
	ctx    context.Context

	// sendFn is replaced in tests.
	sendFn func(ctx context.Context, to types.JID, text string) error
}

// NewWhatsApp creates a WhatsApp backend from cfg.
func NewWhatsApp(cfg config.WhatsAppConfig) *WhatsApp {
	w := &WhatsApp{cfg: cfg}
	w.sendFn = w.sendText
	return w
}

func (w *WhatsApp) Name() string { return WhatsAppChannel }

// Start opens the device store, pairs through a QR code when no session
// exists, and blocks until ctx is cancelled.
func (w *WhatsApp) Start(ctx context.Context, inbox Inbox) error {
	if strings.TrimSpace(w.cfg.DBPath) == "" {
		return errors.New("whatsapp: dbPath is required")
	}
	if err := os.MkdirAll(filepath.Dir(w.cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("whatsapp: create store dir: %w", err)
	}
	dsn := "file:" + w.cfg.DBPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Stdout("Database", "WARN", true))
	if err != nil {
		return fmt.Errorf("whatsapp: open device store: %w", err)
	}
	defer container.Close()

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: load device: %w", err)
	}
	client := whatsmeow.NewClient(device, waLog.Stdout("Client", "WARN", true))

	w.mu.Lock()
	w.client = client
	w.inbox = inbox
	w.ctx = ctx
	w.mu.Unlock()
	client.AddEventHandler(w.handleEvent)

	if client.Store.ID == nil {
		if err := w.pair(ctx, client); err != nil {
			return err
		}
	} else if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	slog.Info("WhatsApp connected")

	<-ctx.Done()
	client.Disconnect()
	return nil
}

func (w *WhatsApp) pair(ctx context.Context, client *whatsmeow.Client) error {
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: qr channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-qrChan:
			if !ok {
				return nil
			}
			switch evt.Event {
			case "code":
				path := w.cfg.QRPath
				if path == "" {
					path = filepath.Join(filepath.Dir(w.cfg.DBPath), "whatsapp-qr.png")
				}
				if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, path); err != nil {
					slog.Warn("WhatsApp QR write failed", "path", path, "error", err)
					continue
				}
				slog.Info("WhatsApp pairing QR code written", "path", path)
			case "success":
				slog.Info("WhatsApp paired")
				return nil
			default:
				slog.Info("WhatsApp login event", "event", evt.Event)
			}
		}
	}
}

func (w *WhatsApp) handleEvent(evt any) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	w.mu.Lock()
	inbox, ctx := w.inbox, w.ctx
	w.mu.Unlock()
	if inbox == nil {
		return
	}
	if in, keep := w.fromMessage(msg.Info, msg.Message); keep {
		deliver(ctx, inbox, in)
	}
}

// fromMessage converts a text message. Own messages, empty bodies, groups
// when IgnoreGroups is set and senders outside AllowFrom are skipped.
func (w *WhatsApp) fromMessage(info types.MessageInfo, m *waE2E.Message) (buffer.Inbound, bool) {
	if info.IsFromMe || m == nil {
		return buffer.Inbound{}, false
	}
	text := m.GetConversation()
	if text == "" {
		text = m.GetExtendedTextMessage().GetText()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return buffer.Inbound{}, false
	}
	if info.IsGroup && w.cfg.IgnoreGroups {
		return buffer.Inbound{}, false
	}
	sender := info.Sender.User
	if !allowedSender(w.cfg.AllowFrom, sender) {
		slog.Debug("WhatsApp sender not allowed", "sender", sender)
		return buffer.Inbound{}, false
	}
	return buffer.Inbound{
		Channel:      WhatsAppChannel,
		Sender:       sender,
		Conversation: info.Chat.String(),
		Payload:      text,
		Priority:     directPriority(!info.IsGroup),
	}, true
}

// Send delivers msg.Content to the chat JID in msg.Conversation.
func (w *WhatsApp) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	jid, err := types.ParseJID(strings.TrimSpace(msg.Conversation))
	if err != nil {
		return fmt.Errorf("whatsapp: invalid jid %q: %w", msg.Conversation, err)
	}
	return w.sendFn(ctx, jid, msg.Content)
}

func (w *WhatsApp) sendText(ctx context.Context, to types.JID, text string) error {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return errors.New("whatsapp: not connected")
	}
	_, err := client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	return nil
}
