package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ChannelGemini = "gemini"
	ChannelRelay  = "relay"

	BackendMalgo = "malgo"
	BackendNull  = "null"
)

// Config holds all server configuration
type Config struct {
	Port             int
	RedisURL         string
	RedisPassword    string
	MaxSessions      int
	MaxRelaySessions int
	SessionTimeout   time.Duration
	AllowedOrigins   []string

	Channel      string // "gemini" or "relay"
	GeminiAPIKey string
	RelayURL     string
	Model        string
	VoiceName    string
	SystemPrompt string

	AudioBackend        string // "malgo" or "null"
	CaptureBlockSize    int    // samples per outbound frame
	OutboundQueueFrames int
	DecodeErrorLimit    int
}

// fileConfig mirrors the environment keys for the optional CONFIG_FILE
type fileConfig struct {
	Port             int      `yaml:"port"`
	RedisURL         string   `yaml:"redis_url"`
	RedisPassword    string   `yaml:"redis_password"`
	MaxSessions      int      `yaml:"max_sessions"`
	MaxRelaySessions int      `yaml:"max_relay_sessions"`
	SessionTimeout   int      `yaml:"session_timeout"` // minutes
	AllowedOrigins   []string `yaml:"allowed_origins"`

	Channel      string `yaml:"channel"`
	GeminiAPIKey string `yaml:"gemini_api_key"`
	RelayURL     string `yaml:"relay_url"`
	Model        string `yaml:"model"`
	VoiceName    string `yaml:"voice_name"`
	SystemPrompt string `yaml:"system_prompt"`

	AudioBackend        string `yaml:"audio_backend"`
	CaptureBlockSize    int    `yaml:"capture_block_size"`
	OutboundQueueFrames int    `yaml:"outbound_queue_frames"`
	DecodeErrorLimit    int    `yaml:"decode_error_limit"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Port:                8080,
		RedisURL:            "localhost:6379",
		RedisPassword:       "",
		MaxSessions:         1,
		MaxRelaySessions:    100,
		SessionTimeout:      30 * time.Minute,
		AllowedOrigins:      []string{"*"},
		Channel:             ChannelGemini,
		AudioBackend:        BackendMalgo,
		CaptureBlockSize:    4096,
		OutboundQueueFrames: 32,
		DecodeErrorLimit:    5,
	}
}

// LoadConfig loads configuration from defaults, then CONFIG_FILE, then
// environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setInt(&c.Port, f.Port)
	setString(&c.RedisURL, f.RedisURL)
	setString(&c.RedisPassword, f.RedisPassword)
	setInt(&c.MaxSessions, f.MaxSessions)
	setInt(&c.MaxRelaySessions, f.MaxRelaySessions)
	if f.SessionTimeout != 0 {
		c.SessionTimeout = time.Duration(f.SessionTimeout) * time.Minute
	}
	if len(f.AllowedOrigins) > 0 {
		c.AllowedOrigins = f.AllowedOrigins
	}
	setString(&c.Channel, f.Channel)
	setString(&c.GeminiAPIKey, f.GeminiAPIKey)
	setString(&c.RelayURL, f.RelayURL)
	setString(&c.Model, f.Model)
	setString(&c.VoiceName, f.VoiceName)
	setString(&c.SystemPrompt, f.SystemPrompt)
	setString(&c.AudioBackend, f.AudioBackend)
	setInt(&c.CaptureBlockSize, f.CaptureBlockSize)
	setInt(&c.OutboundQueueFrames, f.OutboundQueueFrames)
	setInt(&c.DecodeErrorLimit, f.DecodeErrorLimit)
	return nil
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *Config) applyEnv() error {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.GeminiAPIKey = key
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"PORT", &c.Port},
		{"MAX_SESSIONS", &c.MaxSessions},
		{"MAX_RELAY_SESSIONS", &c.MaxRelaySessions},
		{"CAPTURE_BLOCK_SIZE", &c.CaptureBlockSize},
		{"OUTBOUND_QUEUE_FRAMES", &c.OutboundQueueFrames},
		{"DECODE_ERROR_LIMIT", &c.DecodeErrorLimit},
	}
	for _, v := range ints {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", v.name, err)
		}
		*v.dst = n
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"REDIS_URL", &c.RedisURL},
		{"REDIS_PASSWORD", &c.RedisPassword},
		{"CHANNEL", &c.Channel},
		{"RELAY_URL", &c.RelayURL},
		{"MODEL", &c.Model},
		{"VOICE_NAME", &c.VoiceName},
		{"SYSTEM_PROMPT", &c.SystemPrompt},
		{"AUDIO_BACKEND", &c.AudioBackend},
	}
	for _, v := range strs {
		if raw := os.Getenv(v.name); raw != "" {
			*v.dst = raw
		}
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		c.SessionTimeout = time.Duration(t) * time.Minute
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = strings.Split(origins, ",")
	}
	return nil
}

// Validate checks the combined configuration
func (c *Config) Validate() error {
	switch c.Channel {
	case ChannelGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is required")
		}
	case ChannelRelay:
		if c.RelayURL == "" {
			return fmt.Errorf("RELAY_URL is required when CHANNEL is %q", ChannelRelay)
		}
	default:
		return fmt.Errorf("invalid CHANNEL: must be '%s' or '%s'", ChannelGemini, ChannelRelay)
	}

	switch c.AudioBackend {
	case BackendMalgo, BackendNull:
	default:
		return fmt.Errorf("invalid AUDIO_BACKEND: must be '%s' or '%s'", BackendMalgo, BackendNull)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("MAX_SESSIONS must be at least 1, got %d", c.MaxSessions)
	}
	if c.MaxRelaySessions < 0 {
		return fmt.Errorf("MAX_RELAY_SESSIONS cannot be negative, got %d", c.MaxRelaySessions)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be positive")
	}
	if c.CaptureBlockSize < 1 {
		return fmt.Errorf("CAPTURE_BLOCK_SIZE must be positive, got %d", c.CaptureBlockSize)
	}
	if c.OutboundQueueFrames < 1 {
		return fmt.Errorf("OUTBOUND_QUEUE_FRAMES must be at least 1, got %d", c.OutboundQueueFrames)
	}
	if c.DecodeErrorLimit < 1 {
		return fmt.Errorf("DECODE_ERROR_LIMIT must be at least 1, got %d", c.DecodeErrorLimit)
	}
	return nil
}
