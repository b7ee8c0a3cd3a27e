package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice bridge service.
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Loaded from the environment but not read elsewhere in this module.
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" default:""`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// LLM dialogue-policy endpoint
	LLMAPIKey      string  `envconfig:"LLM_API_KEY" required:"true"`
	LLMBaseURL     string  `envconfig:"LLM_BASE_URL" default:"https://api.openai.com/v1"`
	LLMModel       string  `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	LLMMaxTokens   int     `envconfig:"LLM_MAX_TOKENS" default:"150"`
	LLMTemperature float64 `envconfig:"LLM_TEMPERATURE" default:"0.7"`

	// TTS (ElevenLabs-style) API configuration
	TTSAPIKey  string `envconfig:"TTS_API_KEY" required:"true"`
	TTSBaseURL string `envconfig:"TTS_BASE_URL" default:"https://api.elevenlabs.io/v1"`

	// Telephony control API (for human-agent transfer)
	TransferAPIKey  string `envconfig:"TRANSFER_API_KEY" default:""`
	TransferBaseURL string `envconfig:"TRANSFER_BASE_URL" default:""`

	// Data store
	StoreDSN string `envconfig:"STORE_DSN" default:"receptionist.db"`

	// Billing sink (overage events)
	BillingSinkURL string `envconfig:"BILLING_SINK_URL" default:""`
	BillingAPIKey  string `envconfig:"BILLING_API_KEY" default:""`

	// Call-level tunables
	HistoryTurns      int `envconfig:"HISTORY_TURNS" default:"10"`
	StartFrameTimeout int `envconfig:"START_FRAME_TIMEOUT_SECONDS" default:"10"`
	RejectionWait     int `envconfig:"REJECTION_WAIT_SECONDS" default:"10"`
	STTKeepAliveSec   int `envconfig:"STT_KEEPALIVE_SECONDS" default:"5"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds
	ExternalCallTimeout        int `envconfig:"EXTERNAL_CALL_TIMEOUT_SECONDS" default:"30"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from a .env file if present, then from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file (useful for containerized deployments).
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

func (cfg *Config) validate() error {
	if cfg.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	if cfg.TTSAPIKey == "" {
		return fmt.Errorf("TTS_API_KEY is required")
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
