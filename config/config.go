// Package config defines the courier configuration shared by the server
// daemon and the polling consumer.
//
// Values are resolved from (lowest to highest priority):
//  1. DefaultConfig
//  2. the YAML file passed to Load
//  3. COURIER_* environment variables
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level courier configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Consumer  ConsumerConfig  `json:"consumer" yaml:"consumer"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":8080"
}

// AuthConfig controls bearer-token authentication. Auth is disabled when
// JWTSecret is empty.
type AuthConfig struct {
	JWTSecret     string        `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser     string        `json:"admin_user" yaml:"admin_user"`
	AdminPassHash string        `json:"admin_pass_hash" yaml:"admin_pass_hash"` // bcrypt hash
	TokenTTL      time.Duration `json:"token_ttl" yaml:"token_ttl"`
}

// Enabled reports whether requests must carry a valid token.
func (a AuthConfig) Enabled() bool { return a.JWTSecret != "" }

// StoreConfig selects and configures the queue backend.
type StoreConfig struct {
	Driver        string `json:"driver" yaml:"driver"` // "file", "sqlite", "postgres", "redis"
	Path          string `json:"path" yaml:"path"`     // file and sqlite
	DSN           string `json:"dsn" yaml:"dsn"`       // postgres
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
	KeyPrefix     string `json:"key_prefix" yaml:"key_prefix"`
}

// QueueConfig holds the liveness and retention policy.
type QueueConfig struct {
	ClaimTimeout  time.Duration `json:"claim_timeout" yaml:"claim_timeout"`   // processing longer than this fails with "timeout"
	Retention     time.Duration `json:"retention" yaml:"retention"`           // terminal tasks are deleted after this
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"` // janitor tick
}

// ConsumerConfig controls a polling consumer.
type ConsumerConfig struct {
	ID           string        `json:"id" yaml:"id"`
	ServerURL    string        `json:"server_url" yaml:"server_url"`
	Token        string        `json:"token" yaml:"token"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	TaskTimeout  time.Duration `json:"task_timeout" yaml:"task_timeout"`
	StatePath    string        `json:"state_path" yaml:"state_path"`
	SystemPrompt string        `json:"system_prompt" yaml:"system_prompt"`
	Providers    []string      `json:"providers" yaml:"providers"` // tried in order, e.g. [anthropic, gemini]
}

// ProvidersConfig holds LLM credentials.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic" yaml:"anthropic"`
	Gemini    ProviderConfig `json:"gemini" yaml:"gemini"`
}

// ProviderConfig configures one LLM backend.
type ProviderConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	Model     string `json:"model,omitempty" yaml:"model"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url"`
	MaxTokens int    `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

// NotifyConfig holds outbound channel credentials for completion reports.
type NotifyConfig struct {
	SlackWebhookURL   string        `json:"slack_webhook_url" yaml:"slack_webhook_url"`
	LINEChannelToken  string        `json:"line_channel_token" yaml:"line_channel_token"`
	ChatworkToken     string        `json:"chatwork_token" yaml:"chatwork_token"`
	RetryDelay        time.Duration `json:"retry_delay" yaml:"retry_delay"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	NotifyControlAcks bool          `json:"notify_control_acks" yaml:"notify_control_acks"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./data/courier.db",
		},
		Queue: QueueConfig{
			ClaimTimeout:  15 * time.Minute,
			Retention:     time.Hour,
			SweepInterval: time.Minute,
		},
		Consumer: ConsumerConfig{
			ID:           host,
			ServerURL:    "http://localhost:8080",
			PollInterval: 10 * time.Second,
			TaskTimeout:  10 * time.Minute,
			StatePath:    "./data/consumer-state.json",
			SystemPrompt: "You are a secretary agent. Draft a concise, polite reply that carries out the instruction.",
			Providers:    []string{"anthropic", "gemini"},
		},
		Notify: NotifyConfig{
			RetryDelay:        2 * time.Second,
			Timeout:           5 * time.Second,
			NotifyControlAcks: true,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would break the queue protocol.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "file", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %q", c.Store.Driver)
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver postgres")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for driver redis")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Queue.ClaimTimeout <= 0 {
		return fmt.Errorf("queue.claim_timeout must be positive")
	}
	if c.Consumer.TaskTimeout > c.Queue.ClaimTimeout {
		return fmt.Errorf("consumer.task_timeout (%s) exceeds queue.claim_timeout (%s)",
			c.Consumer.TaskTimeout, c.Queue.ClaimTimeout)
	}
	if c.Consumer.PollInterval <= 0 {
		return fmt.Errorf("consumer.poll_interval must be positive")
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// applyEnv overlays COURIER_* variables. Secrets usually arrive this way.
func applyEnv(cfg *Config) error {
	mergeStr(&cfg.Server.Addr, "COURIER_ADDR")
	mergeStr(&cfg.Auth.JWTSecret, "COURIER_JWT_SECRET")
	mergeStr(&cfg.Auth.AdminPassHash, "COURIER_ADMIN_PASS_HASH")
	mergeStr(&cfg.Store.Driver, "COURIER_STORE_DRIVER")
	mergeStr(&cfg.Store.Path, "COURIER_STORE_PATH")
	mergeStr(&cfg.Store.DSN, "COURIER_STORE_DSN")
	mergeStr(&cfg.Store.RedisAddr, "COURIER_REDIS_ADDR")
	mergeStr(&cfg.Store.RedisPassword, "COURIER_REDIS_PASSWORD")
	mergeStr(&cfg.Consumer.ID, "COURIER_CONSUMER_ID")
	mergeStr(&cfg.Consumer.ServerURL, "COURIER_SERVER_URL")
	mergeStr(&cfg.Consumer.Token, "COURIER_TOKEN")
	mergeStr(&cfg.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	mergeStr(&cfg.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	mergeStr(&cfg.Notify.SlackWebhookURL, "COURIER_SLACK_WEBHOOK_URL")
	mergeStr(&cfg.Notify.LINEChannelToken, "COURIER_LINE_CHANNEL_TOKEN")
	mergeStr(&cfg.Notify.ChatworkToken, "COURIER_CHATWORK_TOKEN")
	mergeStr(&cfg.LogLevel, "COURIER_LOG_LEVEL")

	for key, dst := range map[string]*time.Duration{
		"COURIER_CLAIM_TIMEOUT": &cfg.Queue.ClaimTimeout,
		"COURIER_RETENTION":     &cfg.Queue.Retention,
		"COURIER_POLL_INTERVAL": &cfg.Consumer.PollInterval,
		"COURIER_TASK_TIMEOUT":  &cfg.Consumer.TaskTimeout,
	} {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_REDIS_DB")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COURIER_REDIS_DB: %w", err)
		}
		cfg.Store.RedisDB = n
	}
	return nil
}

func mergeStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
