package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Supported synthesis backends
const (
	BackendVoicevox = "voicevox"
	BackendCartesia = "cartesia"
	BackendDeepgram = "deepgram"
)

// Config holds all configuration for the relay service
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090"` // gRPC health service

	// Synthesis backend selection: voicevox, cartesia, deepgram
	TTSBackend string `envconfig:"TTS_BACKEND" default:"voicevox"`

	// VOICEVOX engine (style ids are used as speaker ids directly)
	VoicevoxURL string `envconfig:"VOICEVOX_URL" default:"http://localhost:50021"`

	// Cartesia TTS API configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`

	// Deepgram Aura TTS configuration
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY"`

	// YAML file mapping voice style ids to backend voices
	VoiceCatalogPath string `envconfig:"VOICE_CATALOG_PATH" default:""`

	// Playback engine configuration
	SynthesisTimeout    int `envconfig:"SYNTHESIS_TIMEOUT" default:"10"`      // seconds, per attempt
	SynthesisAttempts   int `envconfig:"SYNTHESIS_ATTEMPTS" default:"2"`      // first try plus one retry
	RetryInitialBackoff int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds
	MaxQueue            int `envconfig:"MAX_QUEUE" default:"0"`               // 0 = unbounded

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Command bus. Leave NATS_URL empty (and NATS_EMBEDDED off) to accept
	// commands over HTTP only.
	NATSURL            string `envconfig:"NATS_URL" default:""`
	NATSSubject        string `envconfig:"NATS_SUBJECT" default:"relay.commands"`
	NATSEmbedded       bool   `envconfig:"NATS_EMBEDDED" default:"false"`       // run an in-process server
	NATSPort           int    `envconfig:"NATS_PORT" default:"4222"`            // embedded server port
	NATSConnectTimeout int    `envconfig:"NATS_CONNECT_TIMEOUT" default:"2000"` // milliseconds

	// Playback journal (SQLite). Empty path keeps it ephemeral.
	JournalPath          string `envconfig:"JOURNAL_PATH" default:""`
	JournalRetentionDays int    `envconfig:"JOURNAL_RETENTION_DAYS" default:"7"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"false"`
	OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT" default:""` // stdout exporter when empty
	OTLPInsecure   bool   `envconfig:"OTLP_INSECURE" default:"true"`
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

// Validate checks backend-specific required fields and numeric ranges.
func (c *Config) Validate() error {
	switch c.TTSBackend {
	case BackendVoicevox:
		if c.VoicevoxURL == "" {
			return fmt.Errorf("VOICEVOX_URL is required for the voicevox backend")
		}
	case BackendCartesia:
		if c.CartesiaAPIKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required for the cartesia backend")
		}
	case BackendDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram backend")
		}
	default:
		return fmt.Errorf("unsupported TTS_BACKEND %q", c.TTSBackend)
	}

	if c.SynthesisTimeout <= 0 {
		return fmt.Errorf("SYNTHESIS_TIMEOUT must be positive")
	}
	if c.SynthesisAttempts < 1 {
		return fmt.Errorf("SYNTHESIS_ATTEMPTS must be at least 1")
	}
	if c.MaxQueue < 0 {
		return fmt.Errorf("MAX_QUEUE must not be negative")
	}
	if c.NATSEmbedded && (c.NATSPort < 0 || c.NATSPort > 65535) {
		return fmt.Errorf("NATS_PORT out of range: %d", c.NATSPort)
	}
	return nil
}

// SynthesisTimeoutDuration returns the per-attempt synthesis timeout.
func (c *Config) SynthesisTimeoutDuration() time.Duration {
	return time.Duration(c.SynthesisTimeout) * time.Second
}

// BusEnabled reports whether commands are also taken from NATS.
func (c *Config) BusEnabled() bool {
	return c.NATSURL != "" || c.NATSEmbedded
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
