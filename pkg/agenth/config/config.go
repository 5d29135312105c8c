// Package config loads agenth's YAML configuration. Values may reference
// environment variables (${VAR}, ${VAR:-default}, ${VAR:?message}); a .env
// file is loaded first. The LLM API key is resolved from the OS keyring,
// then the environment, then the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/agenth/pkg/agenth/calendar"
	"github.com/jholhewres/agenth/pkg/agenth/llm"
	"github.com/jholhewres/agenth/pkg/agenth/market"
	"github.com/jholhewres/agenth/pkg/agenth/paths"
	"github.com/jholhewres/agenth/pkg/agenth/runner"
	"github.com/jholhewres/agenth/pkg/agenth/scheduler"
	"github.com/jholhewres/agenth/pkg/agenth/social"
	"github.com/jholhewres/agenth/pkg/agenth/store"
	"github.com/jholhewres/agenth/pkg/agenth/team"
	"github.com/jholhewres/agenth/pkg/agenth/telemetry"
	"github.com/jholhewres/agenth/pkg/agenth/tools"
)

var (
	// ErrMissingEnv is returned when a ${VAR:?} reference is unset.
	ErrMissingEnv = errors.New("missing required environment variable")

	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the whole daemon configuration.
type Config struct {
	Name string `yaml:"name"`

	Log       LogConfig          `yaml:"log"`
	LLM       llm.Config         `yaml:"llm"`
	Runner    runner.Config      `yaml:"runner"`
	Team      TeamConfig         `yaml:"team"`
	Social    SocialConfig       `yaml:"social"`
	Scheduler scheduler.Config   `yaml:"scheduler"`
	Calendar  calendar.Config    `yaml:"calendar"`
	Market    market.CoinsConfig `yaml:"market"`
	Store     store.Config       `yaml:"store"`
	Server    ServerConfig       `yaml:"server"`
	Telemetry telemetry.Config   `yaml:"telemetry"`
	Watch     WatchConfig        `yaml:"watch"`

	// Webhooks are declarative HTTP tools.
	Webhooks []tools.WebhookSpec `yaml:"webhooks"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level"`
	// Format is "text" or "json". Default: text.
	Format string `yaml:"format"`
}

// TeamConfig points at the agent definitions.
type TeamConfig struct {
	// AgentsFile holds the `agents:` list. Default: <state>/agents.yaml.
	AgentsFile string             `yaml:"agents_file"`
	Builder    team.BuilderConfig `yaml:",inline"`
}

// SocialConfig holds the Discord credentials and poller defaults shared
// by every agent with a `social` controller.
type SocialConfig struct {
	Discord social.DiscordConfig `yaml:"discord"`
	Poller  social.Config        `yaml:"poller"`
	// MaxTokens bounds generated replies. Default: 280.
	MaxTokens int `yaml:"max_tokens"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AuthTokenHash is the bcrypt hash of the API bearer token. Empty
	// disables authentication.
	AuthTokenHash string `yaml:"auth_token_hash"`
	// ChatTimeout bounds one /api/chat request. Default: 5m.
	ChatTimeout time.Duration `yaml:"chat_timeout"`
}

// WatchConfig controls config hot reload.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns a config with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Name: "Agent-H",
		Log:  LogConfig{Level: "info", Format: "text"},
		LLM: llm.Config{
			Model: "gpt-4o-mini",
		},
		Runner: runner.Config{
			PollInterval: time.Second,
			HistoryLimit: 20,
		},
		Team: TeamConfig{
			Builder: team.BuilderConfig{
				MaxIterations: team.DefaultMaxIterations,
			},
		},
		Social: SocialConfig{
			Poller: social.Config{
				PollInterval: 5 * time.Minute,
				ReplyDelay:   10 * time.Second,
			},
			MaxTokens: 280,
		},
		Scheduler: scheduler.Config{
			TickInterval:   15 * time.Second,
			IngestInterval: time.Hour,
			IngestWindow:   24 * time.Hour,
			MaxAttempts:    3,
			RetryDelay:     time.Minute,
		},
		Store:  store.Config{Backend: "file"},
		Server: ServerConfig{Addr: ":8080", ChatTimeout: 5 * time.Minute},
		Watch:  WatchConfig{Enabled: true, Interval: 5 * time.Second},
	}
}

// LoadEnv loads a .env file if it exists. Variables already set win.
func LoadEnv(path string) error {
	if path == "" {
		path = paths.ResolveEnvFile()
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// LoadFromFile reads, expands and validates a config file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("%w: store.dsn is required for postgres", ErrInvalidConfig)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	seen := make(map[string]bool, len(c.Webhooks))
	for _, w := range c.Webhooks {
		if w.Name == "" || w.URL == "" {
			return fmt.Errorf("%w: webhook needs a name and url", ErrInvalidConfig)
		}
		if seen[w.Name] {
			return fmt.Errorf("%w: duplicate webhook %q", ErrInvalidConfig, w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}

// AgentsFile returns the configured agents file or the default location.
func (c *Config) AgentsFile() string {
	if c.Team.AgentsFile != "" {
		return c.Team.AgentsFile
	}
	return paths.ResolveAgentsPath()
}

// SaveToFile writes cfg as YAML, creating parent directories. Secrets that
// match an environment variable are written as ${VAR} references.
func SaveToFile(cfg *Config, path string) error {
	out := *cfg
	out.LLM.APIKey = sanitizeSecret(cfg.LLM.APIKey, APIKeyEnv)
	out.Social.Discord.Token = sanitizeSecret(cfg.Social.Discord.Token, DiscordTokenEnv)

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// sanitizeSecret replaces a secret equal to the value of envName with a
// reference to it.
func sanitizeSecret(value, envName string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if env := os.Getenv(envName); env != "" && env == value {
		return "${" + envName + "}"
	}
	return value
}
