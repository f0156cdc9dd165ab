package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	// Embedding service
	EmbedServiceURL string `envconfig:"EMBED_SERVICE_URL" default:"http://localhost:8765"`
	PushChannelPath string `envconfig:"PUSH_CHANNEL_PATH" default:"/ws"`

	TaskTimeoutSeconds  int `envconfig:"TASK_TIMEOUT_SECONDS" default:"60"`
	PollIntervalSeconds int `envconfig:"POLL_INTERVAL_SECONDS" default:"2"`
	BatchSize           int `envconfig:"BATCH_SIZE" default:"10"`

	// Push channel reconnect
	ReconnectBaseDelayMS int `envconfig:"RECONNECT_BASE_DELAY_MS" default:"1000"`
	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	EventQueueSize       int `envconfig:"EVENT_QUEUE_SIZE" default:"1000"`

	// Content cache
	CacheTTLMinutes int `envconfig:"CACHE_TTL_MINUTES" default:"30"`
	CacheMaxEntries int `envconfig:"CACHE_MAX_ENTRIES" default:"64"`

	// Job state snapshot refresh
	SnapshotIntervalSeconds int `envconfig:"SNAPSHOT_INTERVAL_SECONDS" default:"30"`

	// Local embedding fallback
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`

	// Event bus
	NSQDHost      string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	EventTopic    string `envconfig:"EVENT_TOPIC" default:"tabsense.events"`
	NSQMaxMsgSize int64  `envconfig:"NSQ_MAX_MSG_SIZE" default:"10485760"` // 10MB

	// Server
	ServerPort   int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
}

func Load() (*Config, error) {
	// Env vars may be set in the shell instead; a missing file is fine.
	_ = godotenv.Load(".env")

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.EmbedServiceURL == "" {
		return fmt.Errorf("%w: EMBED_SERVICE_URL", ErrMissingRequired)
	}
	if c.NSQDHost == "" {
		return fmt.Errorf("%w: NSQD_HOST", ErrMissingRequired)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid BATCH_SIZE %d: must be positive", c.BatchSize)
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("invalid RECONNECT_MAX_ATTEMPTS %d: must be positive", c.ReconnectMaxAttempts)
	}
	return nil
}

// PushChannelURL derives the ws:// endpoint from the service base URL.
func (c *Config) PushChannelURL() string {
	url := c.EmbedServiceURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return strings.TrimSuffix(url, "/") + c.PushChannelPath
}

func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMS) * time.Millisecond
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}
