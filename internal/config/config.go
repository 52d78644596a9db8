package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	ModeLocal = "local"
	ModeCloud = "cloud"

	BackendFile     = "file"
	BackendPostgres = "postgres"

	ResponderPlaceholder = "placeholder"
	ResponderAnthropic   = "anthropic"
)

// Config holds all configuration for the maestra backend.
type Config struct {
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	Server    ServerConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Responder ResponderConfig
	Anthropic AnthropicConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port string `envconfig:"SERVER_PORT" default:"8825"`
	// Mode is local (open) or cloud (API key or JWT required).
	Mode      string `envconfig:"MAESTRA_MODE" default:"local"`
	APIKey    string `envconfig:"MAESTRA_API_KEY"`
	JWTSecret string `envconfig:"JWT_SECRET"`
}

// StorageConfig selects and configures the conversation store.
type StorageConfig struct {
	Backend   string `envconfig:"STORAGE_BACKEND" default:"file"`
	Dir       string `envconfig:"CONVERSATIONS_DIR" default:"~/.8825/conversations"`
	CacheSize int    `envconfig:"CONVERSATION_CACHE_SIZE" default:"256"`
	DSN       string `envconfig:"DATABASE_DSN"`
}

// RedisConfig holds Redis configuration. An empty URI disables idempotent replay.
type RedisConfig struct {
	URI       string        `envconfig:"REDIS_URI"`
	ReplayTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
}

// ResponderConfig selects the component that produces assistant replies.
type ResponderConfig struct {
	Provider      string        `envconfig:"RESPONDER" default:"placeholder"`
	Timeout       time.Duration `envconfig:"RESPONDER_TIMEOUT" default:"60s"`
	HistoryWindow int           `envconfig:"HISTORY_WINDOW" default:"20"`
}

// AnthropicConfig holds Anthropic Claude API configuration.
type AnthropicConfig struct {
	APIKey        string  `envconfig:"ANTHROPIC_API_KEY"`
	Model         string  `envconfig:"ANTHROPIC_MODEL" default:"claude-sonnet-4-20250514"`
	BaseURL       string  `envconfig:"ANTHROPIC_BASE_URL"`
	MaxTokens     int     `envconfig:"ANTHROPIC_MAX_TOKENS" default:"1024"`
	InputPerMTok  float64 `envconfig:"ANTHROPIC_INPUT_USD_PER_MTOK" default:"3"`
	OutputPerMTok float64 `envconfig:"ANTHROPIC_OUTPUT_USD_PER_MTOK" default:"15"`
}

// MetricsConfig holds request metrics configuration.
type MetricsConfig struct {
	LogPath string `envconfig:"METRICS_LOG_PATH" default:"~/.8825/maestra_metrics.jsonl"`
}

// Load reads an optional .env file, then configuration from environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks combinations envconfig cannot express and expands ~ in paths.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case ModeLocal:
	case ModeCloud:
		if c.Server.APIKey == "" && c.Server.JWTSecret == "" {
			return errors.New("cloud mode requires MAESTRA_API_KEY or JWT_SECRET")
		}
	default:
		return fmt.Errorf("unknown MAESTRA_MODE %q", c.Server.Mode)
	}

	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Dir == "" {
			return errors.New("CONVERSATIONS_DIR is required for the file backend")
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return errors.New("DATABASE_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}

	switch c.Responder.Provider {
	case ResponderPlaceholder:
	case ResponderAnthropic:
		if c.Anthropic.APIKey == "" {
			return errors.New("ANTHROPIC_API_KEY is required for the anthropic responder")
		}
	default:
		return fmt.Errorf("unknown RESPONDER %q", c.Responder.Provider)
	}

	if c.Responder.Timeout <= 0 {
		return errors.New("RESPONDER_TIMEOUT must be positive")
	}

	var err error
	if c.Storage.Dir, err = ExpandHome(c.Storage.Dir); err != nil {
		return err
	}
	if c.Metrics.LogPath, err = ExpandHome(c.Metrics.LogPath); err != nil {
		return err
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
