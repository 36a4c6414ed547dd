package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the transcription relay service
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	TranscribePath string `envconfig:"TRANSCRIBE_PATH" default:"/transcribe"`

	// Gemini backend configuration.
	// The key is deliberately not required: a missing key is reported at startup
	// and every transcription then fails at the backend.
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiBaseURL string `envconfig:"GEMINI_BASE_URL" default:"https://generativelanguage.googleapis.com/v1beta"`
	GeminiModel   string `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash"`
	Instruction   string `envconfig:"TRANSCRIBE_INSTRUCTION" default:"Transcribe audio. Return text only."`
	AudioMimeType string `envconfig:"AUDIO_MIME_TYPE" default:"audio/webm"`

	// Chunk handling
	MinChunkBytes     int `envconfig:"MIN_CHUNK_BYTES" default:"2000"`     // Chunks below this are dropped silently
	BackendTimeoutMs  int `envconfig:"BACKEND_TIMEOUT_MS" default:"30000"` // Per-chunk backend timeout, 0 disables
	MaxInFlightChunks int `envconfig:"MAX_INFLIGHT_CHUNKS" default:"8"`    // Per-session concurrency cap, 0 = unbounded
	MaxFrameBytes     int `envconfig:"MAX_FRAME_BYTES" default:"10485760"` // Websocket read limit
	WriteTimeoutMs    int `envconfig:"WRITE_TIMEOUT_MS" default:"10000"`   // Outbound frame write deadline

	// Response handling
	EmptyResponseAsError     bool `envconfig:"EMPTY_RESPONSE_AS_ERROR" default:"false"`
	RepairMalformedFragments bool `envconfig:"REPAIR_MALFORMED_FRAGMENTS" default:"false"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"0"`   // 0 disables the breaker
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// ErrAPIKeyMissing is returned by CheckAPIKey when no key is configured.
var ErrAPIKeyMissing = errors.New("GEMINI_API_KEY is missing")

// ErrAPIKeyPlaceholder is returned by CheckAPIKey when the key is an unedited template value.
var ErrAPIKeyPlaceholder = errors.New("GEMINI_API_KEY looks like a placeholder")

var placeholderPrefixes = []string{"API_KEY", "your-", "YOUR_", "<"}

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

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MinChunkBytes < 0 {
		return fmt.Errorf("MIN_CHUNK_BYTES must be >= 0, got %d", c.MinChunkBytes)
	}
	if c.MaxInFlightChunks < 0 {
		return fmt.Errorf("MAX_INFLIGHT_CHUNKS must be >= 0, got %d", c.MaxInFlightChunks)
	}
	if c.BackendTimeoutMs < 0 {
		return fmt.Errorf("BACKEND_TIMEOUT_MS must be >= 0, got %d", c.BackendTimeoutMs)
	}
	if !strings.HasPrefix(c.TranscribePath, "/") {
		return fmt.Errorf("TRANSCRIBE_PATH must start with '/', got %q", c.TranscribePath)
	}
	return nil
}

// CheckAPIKey reports whether the Gemini key is usable.
// It never fails configuration loading; callers log the result.
func (c *Config) CheckAPIKey() error {
	key := strings.TrimSpace(c.GeminiAPIKey)
	if key == "" {
		return ErrAPIKeyMissing
	}
	for _, p := range placeholderPrefixes {
		if strings.HasPrefix(key, p) {
			return ErrAPIKeyPlaceholder
		}
	}
	return nil
}

// MaskedAPIKey returns the first five characters of the key followed by "...".
func (c *Config) MaskedAPIKey() string {
	if len(c.GeminiAPIKey) <= 5 {
		return "..."
	}
	return c.GeminiAPIKey[:5] + "..."
}

// BackendTimeout returns the per-chunk backend timeout, zero when disabled.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutMs) * time.Millisecond
}

// WriteTimeout returns the outbound frame write deadline.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}
