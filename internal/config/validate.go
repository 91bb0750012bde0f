package config

import (
	"fmt"
	"strings"

	"miabot/internal/domain"
)

const (
	KindOpenRouter  = "openrouter"
	KindOpenAI      = "openai"
	KindClaude      = "claude"
	KindOllama      = "ollama"
	KindHuggingFace = "huggingface"
	KindWhisper     = "whisper"
)

const (
	CapabilityChat                = string(domain.CapabilityChat)
	CapabilityImageClassification = string(domain.CapabilityImageClassification)
	CapabilityTranscription       = string(domain.CapabilityTranscription)
	CapabilityImageGeneration     = string(domain.CapabilityImageGeneration)
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// MinImageGenerationTimeout is the lower bound for image-generation providers.
const MinImageGenerationTimeout = 120

// kindCapabilities lists what each provider kind can serve.
var kindCapabilities = map[string][]string{
	KindOpenRouter:  {CapabilityChat},
	KindOpenAI:      {CapabilityChat},
	KindClaude:      {CapabilityChat},
	KindOllama:      {CapabilityChat},
	KindWhisper:     {CapabilityTranscription},
	KindHuggingFace: {CapabilityChat, CapabilityImageClassification, CapabilityTranscription, CapabilityImageGeneration},
}

func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.QueueConcurrency < 1 || cfg.General.QueueConcurrency > 64 {
		errs = append(errs, "general.queueConcurrency must be between 1 and 64")
	}
	if cfg.General.BotName == "" {
		errs = append(errs, "general.botName is required")
	}
	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Abuse.CooldownSeconds < 0 {
		errs = append(errs, "abuse.cooldownSeconds must be >= 0")
	}
	if cfg.Abuse.MaxPerMinute < 1 {
		errs = append(errs, "abuse.maxPerMinute must be >= 1")
	}

	switch cfg.Memory.Driver {
	case DriverSQLite:
		if cfg.Memory.DBPath == "" {
			errs = append(errs, "memory.dbPath is required for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.Memory.PostgresURL == "" {
			errs = append(errs, "memory.postgresUrl is required for the postgres driver")
		}
	default:
		errs = append(errs, "memory.driver must be one of: sqlite, postgres")
	}
	if cfg.Memory.ContextTurns < 1 || cfg.Memory.ContextTurns > domain.MaxRetainedTurns {
		errs = append(errs, fmt.Sprintf("memory.contextTurns must be between 1 and %d", domain.MaxRetainedTurns))
	}

	seen := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		where := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, where+": name is required")
		} else {
			where = "providers." + p.Name
			if seen[p.Name] {
				errs = append(errs, where+": duplicate name")
			}
			seen[p.Name] = true
		}
		caps, ok := kindCapabilities[p.Kind]
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: unknown kind %q", where, p.Kind))
			continue
		}
		if !contains(caps, p.Capability) {
			errs = append(errs, fmt.Sprintf("%s: kind %s cannot serve capability %q", where, p.Kind, p.Capability))
		}
		if p.TimeoutSeconds < 0 || p.MaxAttempts < 0 || p.BackoffMs < 0 {
			errs = append(errs, where+": timeoutSeconds, maxAttempts and backoffMs must be >= 0")
		}
		if p.Capability == CapabilityImageGeneration && p.TimeoutSeconds != 0 && p.TimeoutSeconds < MinImageGenerationTimeout {
			errs = append(errs, fmt.Sprintf("%s: image generation timeout must be >= %ds", where, MinImageGenerationTimeout))
		}
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		if wa.AccessToken == "" || wa.PhoneNumberID == "" || wa.VerifyToken == "" {
			errs = append(errs, "channels.whatsapp: accessToken, phoneNumberId and verifyToken are required when enabled")
		}
	}
	if tg := cfg.Channels.Telegram; tg.Enabled && tg.Token == "" {
		errs = append(errs, "channels.telegram.token is required when enabled")
	}

	if hk := cfg.Housekeeping; hk.Enabled {
		if hk.CounterSchedule == "" || hk.BanSchedule == "" {
			errs = append(errs, "housekeeping: counterSchedule and banSchedule are required when enabled")
		}
		if hk.CounterRetentionMinutes < 2 {
			errs = append(errs, "housekeeping.counterRetentionMinutes must be >= 2")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
