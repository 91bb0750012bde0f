package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	General      GeneralConfig      `yaml:"general"`
	Abuse        AbuseConfig        `yaml:"abuse"`
	Memory       MemoryConfig       `yaml:"memory"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Server       ServerConfig       `yaml:"server"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

type GeneralConfig struct {
	BotName          string `yaml:"botName"`
	DefaultLanguage  string `yaml:"defaultLanguage"`
	QueueConcurrency int    `yaml:"queueConcurrency"` // >1 keeps FIFO start order only
	LogLevel         string `yaml:"logLevel"`
	Debug            bool   `yaml:"debug"`
}

type AbuseConfig struct {
	CooldownSeconds int `yaml:"cooldownSeconds"`
	MaxPerMinute    int `yaml:"maxPerMinute"`
}

type MemoryConfig struct {
	Driver        string `yaml:"driver"` // "sqlite" | "postgres"
	DBPath        string `yaml:"dbPath"`
	PostgresURL   string `yaml:"postgresUrl,omitempty"`
	RedisAddr     string `yaml:"redisAddr,omitempty"` // minute counters go to Redis when set
	RedisPassword string `yaml:"redisPassword,omitempty"`
	RedisDB       int    `yaml:"redisDb,omitempty"`
	ContextTurns  int    `yaml:"contextTurns"`
}

// ProviderConfig is one entry of the ordered provider list. Chat entries form
// the fallback chain in list order.
type ProviderConfig struct {
	Name           string  `yaml:"name"`
	Kind           string  `yaml:"kind"`       // openrouter | openai | claude | ollama | huggingface | whisper
	Capability     string  `yaml:"capability"` // chat | image-classification | transcription | image-generation
	Enabled        bool    `yaml:"enabled"`
	APIBase        string  `yaml:"apiBase,omitempty"`
	APIKey         string  `yaml:"apiKey,omitempty"`
	Model          string  `yaml:"model,omitempty"`
	MaxTokens      int     `yaml:"maxTokens,omitempty"`
	Temperature    float64 `yaml:"temperature,omitempty"`
	TimeoutSeconds int     `yaml:"timeoutSeconds,omitempty"`
	MaxAttempts    int     `yaml:"maxAttempts,omitempty"`
	BackoffMs      int     `yaml:"backoffMs,omitempty"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type WhatsAppConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AccessToken   string `yaml:"accessToken,omitempty"`
	AppSecret     string `yaml:"appSecret,omitempty"`
	VerifyToken   string `yaml:"verifyToken,omitempty"`
	PhoneNumberID string `yaml:"phoneNumberId,omitempty"`
	WebhookPath   string `yaml:"webhookPath,omitempty"`
	APIVersion    string `yaml:"apiVersion,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Token       string `yaml:"token,omitempty"`
	PollTimeout int    `yaml:"pollTimeout,omitempty"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPath string `yaml:"metricsPath"`
}

type HousekeepingConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	CounterSchedule         string `yaml:"counterSchedule"` // cron spec with seconds field
	BanSchedule             string `yaml:"banSchedule"`
	CounterRetentionMinutes int    `yaml:"counterRetentionMinutes"`
}

func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".miabot"
	}
	return filepath.Join(home, ".miabot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads a YAML config file over Defaults, then applies the well-known
// environment variables and validates the result. A missing file at the
// default path is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultConfigPath()
	}
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = []byte(ExpandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && path == ExpandPath(DefaultConfigPath()):
		// defaults + env only
	default:
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	ApplyEnv(cfg, os.LookupEnv)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} and ${VAR:-default}. Unset variables without a
// default are left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// the file may hold API keys
	return os.WriteFile(path, data, 0o600)
}

// ProvidersFor returns the enabled providers with the given capability in
// configured order.
func (c *Config) ProvidersFor(capability string) []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.Providers {
		if p.Enabled && p.Capability == capability {
			out = append(out, p)
		}
	}
	return out
}

// ExpandPath resolves a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
