package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-live/pkg/live/session"
)

type Config struct {
	// APIKey is read from GEMINI_API_KEY, then GOOGLE_API_KEY.
	APIKey   string
	Endpoint string
	Model    string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxQueuedFrames  int

	// Outbound realtimeInput pacing. Zero FPS disables it.
	MediaFPS   float64
	MediaBurst int

	// Tool execution.
	ToolTimeout     time.Duration
	ToolConcurrency int

	// Optional knowledge-base service backing the query_knowledge_base tool.
	KnowledgeBaseURL string

	LogLevel slog.Level
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		APIKey:           envOr("GEMINI_API_KEY", envOr("GOOGLE_API_KEY", "")),
		Endpoint:         envOr("VAI_LIVE_ENDPOINT", ""),
		Model:            envOr("VAI_LIVE_MODEL", session.DefaultModel),
		HandshakeTimeout: envDurationOr("VAI_LIVE_HANDSHAKE_TIMEOUT", 15*time.Second),
		WriteTimeout:     envDurationOr("VAI_LIVE_WRITE_TIMEOUT", 5*time.Second),
		PingInterval:     envDurationOr("VAI_LIVE_PING_INTERVAL", 20*time.Second),
		MaxQueuedFrames:  envIntOr("VAI_LIVE_MAX_QUEUED_FRAMES", 1024),
		MediaFPS:         envFloat64Or("VAI_LIVE_MEDIA_FPS", 0),
		MediaBurst:       envIntOr("VAI_LIVE_MEDIA_BURST", 8),
		ToolTimeout:      envDurationOr("VAI_LIVE_TOOL_TIMEOUT", 30*time.Second),
		ToolConcurrency:  envIntOr("VAI_LIVE_TOOL_CONCURRENCY", 4),
		KnowledgeBaseURL: envOr("VAI_LIVE_KNOWLEDGE_BASE_URL", ""),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(envOr("VAI_LIVE_LOG_LEVEL", "info"))); err != nil {
		return Config{}, fmt.Errorf("VAI_LIVE_LOG_LEVEL must be one of debug|info|warn|error")
	}

	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY (or GOOGLE_API_KEY) must be set")
	}
	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil || u.Host == "" {
			return Config{}, fmt.Errorf("VAI_LIVE_ENDPOINT must be an absolute URL")
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return Config{}, fmt.Errorf("VAI_LIVE_ENDPOINT must use ws, wss, http or https")
		}
	}
	cfg.Model = session.NormalizeModel(cfg.Model)
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_WRITE_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_PING_INTERVAL must be > 0")
	}
	if cfg.MaxQueuedFrames <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_MAX_QUEUED_FRAMES must be > 0")
	}
	if cfg.MediaFPS < 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_MEDIA_FPS must be >= 0")
	}
	if cfg.MediaFPS > 0 && cfg.MediaBurst < 1 {
		return Config{}, fmt.Errorf("VAI_LIVE_MEDIA_BURST must be >= 1 when VAI_LIVE_MEDIA_FPS is set")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_TOOL_TIMEOUT must be > 0")
	}
	if cfg.ToolConcurrency <= 0 {
		return Config{}, fmt.Errorf("VAI_LIVE_TOOL_CONCURRENCY must be > 0")
	}
	if cfg.KnowledgeBaseURL != "" {
		u, err := url.Parse(cfg.KnowledgeBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("VAI_LIVE_KNOWLEDGE_BASE_URL must be an http(s) URL")
		}
		cfg.KnowledgeBaseURL = strings.TrimRight(cfg.KnowledgeBaseURL, "/")
	}

	return cfg, nil
}

// SessionConfig returns the session tuning subset of c.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		HandshakeTimeout:     c.HandshakeTimeout,
		WriteTimeout:         c.WriteTimeout,
		PingInterval:         c.PingInterval,
		MaxQueuedFrames:      c.MaxQueuedFrames,
		MediaFramesPerSecond: c.MediaFPS,
		MediaBurst:           c.MediaBurst,
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
