package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice session client
type Config struct {
	// Agent catalog and session broker REST API
	CatalogBaseURL   string `envconfig:"CATALOG_BASE_URL" default:"http://localhost:8000/api/v1"`
	CatalogAuthToken string `envconfig:"CATALOG_AUTH_TOKEN" default:""` // Bearer token; empty means anonymous (public endpoints only)
	CatalogTimeout   int    `envconfig:"CATALOG_TIMEOUT" default:"15"`  // seconds

	// Raw audio socket used by speech agents. The agent id is appended as the last path segment.
	SocketBaseURL        string `envconfig:"SOCKET_BASE_URL" default:"ws://localhost:8000/ws/voice"`
	SocketConnectTimeout int    `envconfig:"SOCKET_CONNECT_TIMEOUT" default:"10"` // seconds

	// Display name sent to the session broker for media-room sessions
	ParticipantName string `envconfig:"PARTICIPANT_NAME" default:"guest"`

	// Local audio devices
	AudioBackend   string `envconfig:"AUDIO_BACKEND" default:"native"`   // native (miniaudio capture, oto playback) or ffmpeg
	MicInputFormat string `envconfig:"MIC_INPUT_FORMAT" default:"pulse"` // ffmpeg -f value: pulse, alsa, avfoundation, dshow
	MicDevice      string `envconfig:"MIC_DEVICE" default:"default"`     // ffmpeg -i value
	FFmpegPath     string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	FFplayPath     string `envconfig:"FFPLAY_PATH" default:"ffplay"`
	SpeakerEnabled bool   `envconfig:"SPEAKER_ENABLED" default:"true"`

	// Playback scheduling
	PlaybackQueueSize int `envconfig:"PLAYBACK_QUEUE_SIZE" default:"8"`
	PlaybackLeadMs    int `envconfig:"PLAYBACK_LEAD_MS" default:"50"`
	PlaybackEpsilonMs int `envconfig:"PLAYBACK_EPSILON_MS" default:"5"`

	// Speech activity detection (byte-scaled spectrum RMS, 0-255)
	VADSpeakingThreshold float64 `envconfig:"VAD_SPEAKING_THRESHOLD" default:"30"`
	VADSilenceThreshold  float64 `envconfig:"VAD_SILENCE_THRESHOLD" default:"20"`
	VADSpeakingFrames    int     `envconfig:"VAD_SPEAKING_FRAMES" default:"3"`
	VADSilenceFrames     int     `envconfig:"VAD_SILENCE_FRAMES" default:"20"`
	VADFrameIntervalMs   int     `envconfig:"VAD_FRAME_INTERVAL_MS" default:"16"`

	// Transcript export directory
	TranscriptDir string `envconfig:"TRANSCRIPT_DIR" default:"."`

	// Optional local transcription of the user's microphone (socket sessions only)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Optional publication of final transcript entries
	KafkaEnabled         bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	KafkaBrokers         []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTranscriptTopic string   `envconfig:"KAFKA_TRANSCRIPT_TOPIC" default:"voice.transcripts"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Serve /metrics, /health and /ready
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	if strings.TrimSpace(c.CatalogBaseURL) == "" {
		return fmt.Errorf("CATALOG_BASE_URL is required")
	}
	if strings.TrimSpace(c.SocketBaseURL) == "" {
		return fmt.Errorf("SOCKET_BASE_URL is required")
	}
	if c.SocketConnectTimeout <= 0 {
		return fmt.Errorf("SOCKET_CONNECT_TIMEOUT must be positive, got %d", c.SocketConnectTimeout)
	}
	if c.AudioBackend != "native" && c.AudioBackend != "ffmpeg" {
		return fmt.Errorf("AUDIO_BACKEND must be native or ffmpeg, got %q", c.AudioBackend)
	}
	if c.PlaybackQueueSize <= 0 {
		return fmt.Errorf("PLAYBACK_QUEUE_SIZE must be positive, got %d", c.PlaybackQueueSize)
	}
	// Speech must be declared above the level that ends it, otherwise the detector flaps.
	if c.VADSilenceThreshold > c.VADSpeakingThreshold {
		return fmt.Errorf("VAD_SILENCE_THRESHOLD (%.1f) must not exceed VAD_SPEAKING_THRESHOLD (%.1f)",
			c.VADSilenceThreshold, c.VADSpeakingThreshold)
	}
	if c.VADSpeakingFrames <= 0 || c.VADSilenceFrames <= 0 {
		return fmt.Errorf("VAD frame counts must be positive")
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}
	return nil
}

// Authenticated reports whether an identity is configured for the catalog API
func (c *Config) Authenticated() bool {
	return c.CatalogAuthToken != ""
}

// SocketDialTimeout returns the socket connect timeout as a duration
func (c *Config) SocketDialTimeout() time.Duration {
	return time.Duration(c.SocketConnectTimeout) * time.Second
}

// CatalogRequestTimeout returns the per-request REST timeout
func (c *Config) CatalogRequestTimeout() time.Duration {
	return time.Duration(c.CatalogTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
