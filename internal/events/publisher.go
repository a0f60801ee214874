package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/lexiqai/voice-client/internal/transcript"
)

// Config holds Kafka publisher configuration
type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// TranscriptEvent is the message body for one final entry
type TranscriptEvent struct {
	SessionID string           `json:"session_id"`
	AgentID   string           `json:"agent_id"`
	Entry     transcript.Entry `json:"entry"`
}

// Publisher writes transcript events. When disabled it only logs.
type Publisher struct {
	writer  *kafka.Writer
	topic   string
	enabled bool
	logger  zerolog.Logger
}

// New creates a publisher. A nil or disabled config yields a log-only publisher.
func New(cfg *Config, logger zerolog.Logger) *Publisher {
	if cfg == nil || !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Debug().Msg("Kafka disabled, transcript events are log-only")
		p := &Publisher{logger: logger}
		if cfg != nil {
			p.topic = cfg.Topic
		}
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writer:  writer,
		topic:   cfg.Topic,
		enabled: true,
		logger:  logger,
	}
}

// Enabled reports whether messages reach Kafka
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// PublishEntry publishes one final entry keyed by session id
func (p *Publisher) PublishEntry(ctx context.Context, sessionID, agentID string, entry transcript.Entry) error {
	payload, err := json.Marshal(TranscriptEvent{
		SessionID: sessionID,
		AgentID:   agentID,
		Entry:     entry,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("topic", p.topic).Msg("Failed to marshal transcript event")
		return err
	}

	p.logger.Debug().
		Str("topic", p.topic).
		Str("key", sessionID).
		RawJSON("payload", payload).
		Msg("Publishing transcript event")

	if !p.enabled || p.writer == nil {
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(sessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "speaker", Value: []byte(entry.Speaker)},
			{Key: "source", Value: []byte(entry.Source)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error().
			Err(err).
			Str("topic", p.topic).
			Str("key", sessionID).
			Msg("Failed to write to Kafka")
		return err
	}
	return nil
}

// Close closes the writer
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
