// ABOUTME: Configuration loading and parsing for drift-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete drift-relay configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Assistant  AssistantConfig  `yaml:"assistant"`
	Messaging  MessagingConfig  `yaml:"messaging"`
	Escalation EscalationConfig `yaml:"escalation"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Ingress    IngressConfig    `yaml:"ingress"`
	Ops        OpsConfig        `yaml:"ops"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// StorageConfig selects and configures the state backend
type StorageConfig struct {
	// Backend is one of: memory, sqlite, postgres, redis
	Backend  string         `yaml:"backend"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// SQLiteConfig holds the sqlite database path
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds the postgres connection string
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AssistantConfig holds the assistant backend connection and polling settings
type AssistantConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	MaxAttempts int    `yaml:"max_attempts"`

	PollInterval   time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw   string `yaml:"poll_interval"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// MessagingConfig holds the messaging platform connection settings
type MessagingConfig struct {
	BaseURL             string `yaml:"base_url"`
	AccessToken         string `yaml:"access_token"`
	BotActorID          string `yaml:"bot_actor_id"`
	MaxSendRetries      int    `yaml:"max_send_retries"`
	CrossCheckOwnership bool   `yaml:"cross_check_ownership"`

	RetryBackoff   time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`

	RetryBackoffRaw   string `yaml:"retry_backoff"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// EscalationConfig holds trigger keywords and canned user-facing messages
type EscalationConfig struct {
	Keywords           []string       `yaml:"keywords"`
	ResolutionKeywords []string       `yaml:"resolution_keywords"`
	Messages           MessagesConfig `yaml:"messages"`
}

// MessagesConfig overrides the default canned messages when set
type MessagesConfig struct {
	Connecting       string `yaml:"connecting"`
	EscalationNotice string `yaml:"escalation_notice"`
	Fallback         string `yaml:"fallback"`
	HandBack         string `yaml:"hand_back"`
}

// SessionsConfig holds session retention settings
type SessionsConfig struct {
	Retention        time.Duration `yaml:"-"`
	EvictionInterval time.Duration `yaml:"-"`

	RetentionRaw        string `yaml:"retention"`
	EvictionIntervalRaw string `yaml:"eviction_interval"`
}

// IngressConfig holds webhook verification settings
type IngressConfig struct {
	VerifyToken   string `yaml:"verify_token"`
	AppSecret     string `yaml:"app_secret"`
	DedupeEntries int    `yaml:"dedupe_entries"`

	DedupeTTL time.Duration `yaml:"-"`

	DedupeTTLRaw string `yaml:"dedupe_ttl"`
}

// OpsConfig holds the diagnostic endpoint settings
type OpsConfig struct {
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Ingress.DedupeEntries == 0 {
		c.Ingress.DedupeEntries = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, sqlite, postgres, redis (got %q)", c.Storage.Backend)
	}

	if c.Assistant.BaseURL == "" {
		return fmt.Errorf("assistant.base_url is required")
	}
	if c.Messaging.BaseURL == "" {
		return fmt.Errorf("messaging.base_url is required")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Assistant.PollIntervalRaw, &cfg.Assistant.PollInterval, "assistant.poll_interval"},
		{cfg.Assistant.RequestTimeoutRaw, &cfg.Assistant.RequestTimeout, "assistant.request_timeout"},
		{cfg.Messaging.RetryBackoffRaw, &cfg.Messaging.RetryBackoff, "messaging.retry_backoff"},
		{cfg.Messaging.RequestTimeoutRaw, &cfg.Messaging.RequestTimeout, "messaging.request_timeout"},
		{cfg.Sessions.RetentionRaw, &cfg.Sessions.Retention, "sessions.retention"},
		{cfg.Sessions.EvictionIntervalRaw, &cfg.Sessions.EvictionInterval, "sessions.eviction_interval"},
		{cfg.Ingress.DedupeTTLRaw, &cfg.Ingress.DedupeTTL, "ingress.dedupe_ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	if cfg.Sessions.Retention == 0 {
		cfg.Sessions.Retention = 7 * 24 * time.Hour
	}
	if cfg.Sessions.EvictionInterval == 0 {
		cfg.Sessions.EvictionInterval = time.Hour
	}
	if cfg.Ingress.DedupeTTL == 0 {
		cfg.Ingress.DedupeTTL = 15 * time.Minute
	}

	return nil
}
