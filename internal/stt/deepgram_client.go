package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/config"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/resilience"
)

// messageCallbackHandler embeds the default handler and overrides Message and Error
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramClient implements Client with Deepgram's live streaming API
type DeepgramClient struct {
	config     *config.Config
	sampleRate int
	logger     zerolog.Logger

	client         *listenClient.WSCallback
	results        chan *Result
	mu             sync.RWMutex
	isActive       bool
	closed         bool
	ctx            context.Context
	cancel         context.CancelFunc
	circuitBreaker *resilience.CircuitBreaker
	closeOnce      sync.Once
}

// NewDeepgramClient creates a client for mono linear16 audio at sampleRate
func NewDeepgramClient(cfg *config.Config, sampleRate int, logger zerolog.Logger) *DeepgramClient {
	return &DeepgramClient{
		config:     cfg,
		sampleRate: sampleRate,
		logger:     observability.WithComponent(logger, "deepgram"),
		results:    make(chan *Result, 100),
		circuitBreaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

// Start opens the Deepgram stream. The context bounds the client's lifetime.
func (d *DeepgramClient) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.ctx == nil {
		d.ctx, d.cancel = context.WithCancel(ctx)
	}
	d.mu.Unlock()
	return d.connect()
}

func (d *DeepgramClient) connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("deepgram client is closed")
	}
	if d.isActive {
		return fmt.Errorf("deepgram client is already active")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.sampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			d.logger.Warn().
				Str("type", errorResponse.Type).
				Str("description", errorResponse.Description).
				Msg("Deepgram error")

			d.circuitBreaker.RecordResult(false)

			select {
			case <-d.ctx.Done():
				return nil
			default:
			}

			d.mu.Lock()
			d.isActive = false
			d.mu.Unlock()
			go d.attemptReconnect()
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(
		d.ctx,
		d.config.DeepgramAPIKey,
		&interfaces.ClientOptions{EnableKeepAlive: true},
		tOptions,
		callback,
	)
	if err != nil {
		d.circuitBreaker.RecordResult(false)
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		d.circuitBreaker.RecordResult(false)
		return resilience.NewRetryableError(fmt.Errorf("failed to connect to Deepgram"))
	}

	d.client = client
	d.isActive = true
	d.circuitBreaker.RecordResult(true)

	d.logger.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Int("sample_rate", d.sampleRate).
		Msg("Deepgram streaming client started")
	return nil
}

// handleMessage converts transcription results into Results
func (d *DeepgramClient) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}

		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		startTime := msg.Start
		duration := msg.Duration
		if len(alt.Words) > 0 && duration == 0 {
			startTime = alt.Words[0].Start
			duration = alt.Words[len(alt.Words)-1].End - startTime
		}

		result := &Result{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
			StartTime:  startTime,
			Duration:   duration,
		}

		// Held across the send so Close cannot close the channel underneath it
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return
		}

		select {
		case d.results <- result:
		default:
			d.logger.Warn().Msg("Result channel full, dropping transcription")
		}

	default:
		d.logger.Debug().Str("type", msg.Type).Msg("Deepgram message")
	}
}

// SendAudio sends one PCM chunk through the circuit breaker
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	return d.circuitBreaker.Call(func() error {
		d.mu.RLock()
		active := d.isActive
		client := d.client
		d.mu.RUnlock()

		if !active || client == nil {
			return fmt.Errorf("deepgram client is not active")
		}

		if _, err := client.Write(audioData); err != nil {
			go d.attemptReconnect()
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	}, nil)
}

func (d *DeepgramClient) attemptReconnect() {
	if d.ctx == nil || d.ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	if d.isActive || d.closed {
		d.mu.Unlock()
		return
	}
	if d.client != nil {
		d.client.Stop()
		d.client = nil
	}
	d.mu.Unlock()

	reconnectConfig := &resilience.ReconnectConfig{
		MaxAttempts: d.config.ReconnectMaxAttempts,
		Backoff:     time.Duration(d.config.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}

	err := resilience.Reconnect(d.ctx, func(ctx context.Context) error {
		return d.connect()
	}, reconnectConfig, d.logger)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to reconnect Deepgram client")
	}
}

// Results implements Client
func (d *DeepgramClient) Results() <-chan *Result {
	return d.results
}

// Close finishes the stream and closes the result channel
func (d *DeepgramClient) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		if d.isActive && d.client != nil {
			d.client.Finish()
		}
		d.isActive = false
		d.closed = true
		close(d.results)
		d.mu.Unlock()

		d.logger.Info().Msg("Deepgram streaming client stopped")
	})
	return nil
}

// IsActive returns whether the stream is open
func (d *DeepgramClient) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isActive
}
