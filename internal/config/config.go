// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ashureev/simroom/internal/engine"
)

// ConfigFileEnv names the environment variable that points at an optional
// config file (yaml, toml or json).
const ConfigFileEnv = "SIMROOM_CONFIG"

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	AppEnv      string
	DBPath      string
	LogLevel    string

	SessionDuration    time.Duration
	TickInterval       time.Duration
	ResponseDelay      time.Duration
	ContextLineDelay   time.Duration
	TypingDelayPerChar time.Duration
	MaxTypingDelay     time.Duration
	CompletionMessage  string
	PersistTimeout     time.Duration

	ScenarioDir string
	ScoringAddr string
	NatsURL     string

	Transcript TranscriptConfig

	SSEKeepalive        time.Duration
	SSERetry            time.Duration
	RateLimitRequests   int
	RateLimitWindow     time.Duration
	ExpirySweepInterval time.Duration
}

// TranscriptConfig controls NDJSON transcript logging.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

var defaults = map[string]any{
	"port":                  "8080",
	"frontend_url":          "",
	"app_env":               "",
	"db_path":               "./data/simroom.db",
	"log_level":             "info",
	"session_duration":      "30m",
	"tick_interval":         "1s",
	"response_delay":        "1s",
	"context_line_delay":    "1500ms",
	"typing_delay_per_char": "0s",
	"max_typing_delay":      "3s",
	"completion_message":    engine.DefaultCompletionMessage,
	"persist_timeout":       "5s",
	"scenario_dir":          "",
	"scoring_addr":          "",
	"nats_url":              "",
	"transcript_enabled":    true,
	"transcript_dir":        "./data/transcripts",
	"transcript_queue_size": 1000,
	"sse_keepalive":         "10s",
	"sse_retry":             "5s",
	"rate_limit_requests":   30,
	"rate_limit_window":     "1m",
	"expiry_sweep_interval": "1m",
}

// Load reads configuration from the environment and, when SIMROOM_CONFIG
// is set, from that file. Environment variables win over the file.
func Load() (*Config, error) {
	return LoadFrom(viper.New(), os.Getenv(ConfigFileEnv))
}

// LoadFrom reads configuration through v. An empty path skips the config
// file.
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Port:               v.GetString("port"),
		FrontendURL:        v.GetString("frontend_url"),
		AppEnv:             v.GetString("app_env"),
		DBPath:             v.GetString("db_path"),
		LogLevel:           v.GetString("log_level"),
		SessionDuration:    v.GetDuration("session_duration"),
		TickInterval:       v.GetDuration("tick_interval"),
		ResponseDelay:      v.GetDuration("response_delay"),
		ContextLineDelay:   v.GetDuration("context_line_delay"),
		TypingDelayPerChar: v.GetDuration("typing_delay_per_char"),
		MaxTypingDelay:     v.GetDuration("max_typing_delay"),
		CompletionMessage:  v.GetString("completion_message"),
		PersistTimeout:     v.GetDuration("persist_timeout"),
		ScenarioDir:        v.GetString("scenario_dir"),
		ScoringAddr:        v.GetString("scoring_addr"),
		NatsURL:            v.GetString("nats_url"),
		Transcript: TranscriptConfig{
			Enabled:   v.GetBool("transcript_enabled"),
			Dir:       v.GetString("transcript_dir"),
			QueueSize: v.GetInt("transcript_queue_size"),
		},
		SSEKeepalive:        v.GetDuration("sse_keepalive"),
		SSERetry:            v.GetDuration("sse_retry"),
		RateLimitRequests:   v.GetInt("rate_limit_requests"),
		RateLimitWindow:     v.GetDuration("rate_limit_window"),
		ExpirySweepInterval: v.GetDuration("expiry_sweep_interval"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"SESSION_DURATION", c.SessionDuration},
		{"TICK_INTERVAL", c.TickInterval},
		{"RESPONSE_DELAY", c.ResponseDelay},
		{"CONTEXT_LINE_DELAY", c.ContextLineDelay},
		{"MAX_TYPING_DELAY", c.MaxTypingDelay},
		{"PERSIST_TIMEOUT", c.PersistTimeout},
		{"SSE_KEEPALIVE", c.SSEKeepalive},
		{"SSE_RETRY", c.SSERetry},
		{"RATE_LIMIT_WINDOW", c.RateLimitWindow},
		{"EXPIRY_SWEEP_INTERVAL", c.ExpirySweepInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be > 0", p.name)
		}
	}
	if c.TypingDelayPerChar < 0 {
		return fmt.Errorf("TYPING_DELAY_PER_CHAR cannot be negative")
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if c.AppEnv != "" {
		return c.AppEnv == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// Engine returns the engine timing derived from the configuration.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		SessionDuration: c.SessionDuration,
		TickInterval:    c.TickInterval,
		Pacing: engine.Pacing{
			ResponseDelay:    c.ResponseDelay,
			ContextLineDelay: c.ContextLineDelay,
			TypingPerChar:    c.TypingDelayPerChar,
			MaxTyping:        c.MaxTypingDelay,
		},
		CompletionMessage: c.CompletionMessage,
		PersistTimeout:    c.PersistTimeout,
	}
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not a level", s)
	}
	return level, nil
}
