package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/clawcore/internal/buffer"
	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/config"
)

// KafkaChannel is the channel name of the Kafka backend.
const KafkaChannel = "kafka"

// kafkaEnvelope is the optional JSON shape of inbound and outbound records.
// Inbound records that are not an envelope are buffered verbatim.
type kafkaEnvelope struct {
	Sender       string `json:"sender,omitempty"`
	Conversation string `json:"conversation,omitempty"`
	Text         string `json:"text"`
}

// Kafka consumes event records from one topic and produces replies to
// another.
type Kafka struct {
	cfg     config.KafkaConfig
	brokers []string

	mu     sync.Mutex
	writer *kafka.Writer
}

// NewKafka creates a Kafka backend from cfg.
func NewKafka(cfg config.KafkaConfig) *Kafka {
	var brokers []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return &Kafka{cfg: cfg, brokers: brokers}
}

func (k *Kafka) Name() string { return KafkaChannel }

// Start reads the inbound topic until ctx is cancelled.
func (k *Kafka) Start(ctx context.Context, inbox Inbox) error {
	if len(k.brokers) == 0 || k.cfg.InboundTopic == "" {
		return errors.New("kafka: brokers and inboundTopic are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		Topic:    k.cfg.InboundTopic,
		GroupID:  k.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()
	defer k.closeWriter()

	slog.Info("Kafka consumer started", "topic", k.cfg.InboundTopic, "group", k.cfg.GroupID)
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Kafka read failed", "topic", k.cfg.InboundTopic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if in, ok := kafkaInbound(msg); ok {
			deliver(ctx, inbox, in)
		}
	}
}

// kafkaInbound converts a record. The conversation comes from the envelope,
// then the record key, then the topic. The sender comes from the envelope,
// then a "sender" header.
func kafkaInbound(msg kafka.Message) (buffer.Inbound, bool) {
	in := buffer.Inbound{
		Channel:      KafkaChannel,
		Conversation: string(msg.Key),
		Payload:      strings.TrimSpace(string(msg.Value)),
		Priority:     buffer.PriorityWebhook,
	}
	for _, h := range msg.Headers {
		if h.Key == "sender" {
			in.Sender = string(h.Value)
		}
	}
	var env kafkaEnvelope
	if err := json.Unmarshal(msg.Value, &env); err == nil && strings.TrimSpace(env.Text) != "" {
		in.Payload = strings.TrimSpace(env.Text)
		if env.Sender != "" {
			in.Sender = env.Sender
		}
		if env.Conversation != "" {
			in.Conversation = env.Conversation
		}
	}
	if in.Conversation == "" {
		in.Conversation = msg.Topic
	}
	if in.Sender == "" {
		in.Sender = msg.Topic
	}
	return in, in.Payload != ""
}

// Send produces msg to the outbound topic keyed by conversation.
func (k *Kafka) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if k.cfg.OutboundTopic == "" {
		return errors.New("kafka: outboundTopic is not configured")
	}
	record, err := kafkaOutbound(msg)
	if err != nil {
		return err
	}
	if err := k.getWriter().WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("kafka: write: %w", err)
	}
	return nil
}

func kafkaOutbound(msg *bus.OutboundMessage) (kafka.Message, error) {
	value, err := json.Marshal(kafkaEnvelope{Conversation: msg.Conversation, Text: msg.Content})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: encode: %w", err)
	}
	return kafka.Message{Key: []byte(msg.Conversation), Value: value}, nil
}

func (k *Kafka) getWriter() *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.writer == nil {
		k.writer = &kafka.Writer{
			Addr:         kafka.TCP(k.brokers...),
			Topic:        k.cfg.OutboundTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}
	}
	return k.writer
}

func (k *Kafka) closeWriter() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.writer != nil {
		if err := k.writer.Close(); err != nil {
			slog.Debug("Kafka writer close failed", "error", err)
		}
		k.writer = nil
	}
}
