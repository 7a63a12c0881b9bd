package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath  = "relaychat.toml"
	DefaultAPIVersion  = "2024-02-15-preview"
	DefaultModelID     = "gpt-4o"
	DefaultMaxMessages = 20
	DefaultTimeout     = 120 * time.Second
	DefaultMaxAttempts = 3
	DefaultUsageDSN    = "file:relaychat_usage?mode=memory&cache=shared"
)

// ErrInvalid is returned by Validate and Load when the configuration cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that decodes from TOML strings such as "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds application configuration
type Config struct {
	Debug        bool   `toml:"-"`
	DefaultModel string `toml:"default_model"`

	Telegram   TelegramConfig   `toml:"telegram"`
	Azure      AzureConfig      `toml:"azure"`
	Session    SessionConfig    `toml:"session"`
	Completion CompletionConfig `toml:"completion"`
	Cache      CacheConfig      `toml:"cache"`
	Usage      UsageConfig      `toml:"usage"`
	Log        LogConfig        `toml:"log"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`

	// Models is the selectable catalogue. Empty means the built-in catalogue.
	Models []ModelConfig `toml:"models"`
}

type TelegramConfig struct {
	Token          string   `toml:"token"`
	PollTimeout    int      `toml:"poll_timeout"` // seconds
	SendRate       float64  `toml:"send_rate"`    // messages per second across all chats
	SendBurst      int      `toml:"send_burst"`
	SendAttempts   int      `toml:"send_attempts"`
	SendRetryDelay Duration `toml:"send_retry_delay"`
}

type AzureConfig struct {
	Endpoint   string `toml:"endpoint"`
	APIKey     string `toml:"api_key"`
	APIVersion string `toml:"api_version"`
}

type SessionConfig struct {
	MaxMessages int      `toml:"max_messages"`
	MaxTokens   int      `toml:"max_tokens"` // 0 disables the token cap
	IdleTTL     Duration `toml:"idle_ttl"`   // 0 keeps sessions for the process lifetime
}

type CompletionConfig struct {
	Timeout          Duration `toml:"timeout"`
	MaxAttempts      int      `toml:"max_attempts"`
	RetryBaseDelay   Duration `toml:"retry_base_delay"`
	RetryMaxDelay    Duration `toml:"retry_max_delay"`
	TopP             float64  `toml:"top_p"`
	FrequencyPenalty float64  `toml:"frequency_penalty"`
	PresencePenalty  float64  `toml:"presence_penalty"`
}

type CacheConfig struct {
	TTL        Duration `toml:"ttl"` // 0 disables response caching
	MaxEntries int      `toml:"max_entries"`
}

type UsageConfig struct {
	DSN string `toml:"dsn"`
}

type LogConfig struct {
	Dir    string `toml:"dir"`
	Level  string `toml:"level"`
	Stdout bool   `toml:"stdout"`
}

type TelemetryConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// ModelConfig describes one selectable model deployment.
type ModelConfig struct {
	ID            string  `toml:"id"`
	DisplayName   string  `toml:"display_name"`
	Deployment    string  `toml:"deployment"`
	Endpoint      string  `toml:"endpoint"`    // overrides azure.endpoint
	APIVersion    string  `toml:"api_version"` // overrides azure.api_version
	MaxTokens     int     `toml:"max_tokens"`
	ContextTokens int     `toml:"context_tokens"`
	Temperature   float64 `toml:"temperature"`
	SystemPrompt  string  `toml:"system_prompt"`
	Description   string  `toml:"description"`
}

// Default returns the configuration used before the file and environment are applied.
func Default() Config {
	return Config{
		DefaultModel: DefaultModelID,
		Telegram: TelegramConfig{
			PollTimeout:    30,
			SendRate:       25,
			SendBurst:      5,
			SendAttempts:   3,
			SendRetryDelay: Duration{500 * time.Millisecond},
		},
		Azure: AzureConfig{APIVersion: DefaultAPIVersion},
		Session: SessionConfig{
			MaxMessages: DefaultMaxMessages,
		},
		Completion: CompletionConfig{
			Timeout:        Duration{DefaultTimeout},
			MaxAttempts:    DefaultMaxAttempts,
			RetryBaseDelay: Duration{500 * time.Millisecond},
			RetryMaxDelay:  Duration{10 * time.Second},
			TopP:           0.95,
		},
		Cache: CacheConfig{MaxEntries: 1024},
		Usage: UsageConfig{DSN: DefaultUsageDSN},
		Log: LogConfig{
			Dir:   "logs",
			Level: "info",
		},
		Telemetry: TelemetryConfig{Enabled: true, Dir: "logs"},
	}
}

// Load reads the TOML file at path (a missing file is not an error), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalid, path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if len(cfg.Models) == 0 {
		cfg.Models = BuiltinModels()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setInt := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s must be an integer: %v", ErrInvalid, key, err)
		}
		*dst = n
		return nil
	}

	setString("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	setString("AZURE_OPENAI_API_KEY", &c.Azure.APIKey)
	setString("AZURE_OPENAI_ENDPOINT", &c.Azure.Endpoint)
	setString("AZURE_OPENAI_API_VERSION", &c.Azure.APIVersion)
	setString("RELAYCHAT_DEFAULT_MODEL", &c.DefaultModel)
	setString("RELAYCHAT_LOG_LEVEL", &c.Log.Level)

	if err := setInt("RELAYCHAT_MAX_MESSAGES", &c.Session.MaxMessages); err != nil {
		return err
	}
	if err := setInt("RELAYCHAT_MAX_TOKENS", &c.Session.MaxTokens); err != nil {
		return err
	}
	if err := setInt("RELAYCHAT_MAX_ATTEMPTS", &c.Completion.MaxAttempts); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("RELAYCHAT_TIMEOUT"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: RELAYCHAT_TIMEOUT: %v", ErrInvalid, err)
		}
		c.Completion.Timeout = Duration{d}
	}

	c.Azure.Endpoint = strings.TrimRight(c.Azure.Endpoint, "/")
	return nil
}

// Validate reports every problem at once so a misconfigured deployment fails in a single restart.
func (c Config) Validate() error {
	var problems []string

	if c.Telegram.Token == "" {
		problems = append(problems, "telegram token is required (TELEGRAM_BOT_TOKEN)")
	}
	if c.Azure.APIKey == "" {
		problems = append(problems, "API key is required (AZURE_OPENAI_API_KEY)")
	}
	if c.Azure.Endpoint == "" {
		problems = append(problems, "endpoint is required (AZURE_OPENAI_ENDPOINT)")
	} else if !strings.HasPrefix(c.Azure.Endpoint, "https://") {
		problems = append(problems, "endpoint must start with https://")
	}
	// a user message and its answer must fit together
	if c.Session.MaxMessages < 2 {
		problems = append(problems, "session.max_messages must be at least 2")
	}
	if c.Session.MaxTokens < 0 {
		problems = append(problems, "session.max_tokens must not be negative")
	}
	if c.Completion.Timeout.Duration <= 0 {
		problems = append(problems, "completion.timeout must be positive")
	}
	if ttl := c.Session.IdleTTL.Duration; ttl < 0 {
		problems = append(problems, "session.idle_ttl must not be negative")
	} else if ttl > 0 && ttl <= c.Completion.Timeout.Duration {
		problems = append(problems, "session.idle_ttl must be longer than completion.timeout")
	}
	if c.Completion.MaxAttempts < 1 {
		problems = append(problems, "completion.max_attempts must be at least 1")
	}

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		id := strings.ToLower(strings.TrimSpace(m.ID))
		switch {
		case id == "":
			problems = append(problems, fmt.Sprintf("models[%d]: id is required", i))
		case seen[id]:
			problems = append(problems, fmt.Sprintf("models[%d]: duplicate id %q", i, m.ID))
		}
		seen[id] = true
		if m.MaxTokens < 0 || m.ContextTokens < 0 {
			problems = append(problems, fmt.Sprintf("models[%d]: token limits must not be negative", i))
		}
	}
	if len(c.Models) == 0 {
		problems = append(problems, "at least one model is required")
	} else if !seen[strings.ToLower(strings.TrimSpace(c.DefaultModel))] {
		problems = append(problems, fmt.Sprintf("default model %q is not in the model list", c.DefaultModel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
