package config

import (
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// providerKeyEnv maps a provider kind to the environment variable holding
// its API key.
var providerKeyEnv = map[string]string{
	KindOpenRouter:  "OPENROUTER_API_KEY",
	KindOpenAI:      "OPENAI_API_KEY",
	KindClaude:      "ANTHROPIC_API_KEY",
	KindHuggingFace: "HUGGINGFACE_API_KEY",
	KindWhisper:     "GROQ_API_KEY",
}

// ApplyEnv overrides config values from the environment variables the bot
// has always been deployed with. Empty variables are ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	setInt := func(key string, dst *int) {
		if v, ok := get(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	setString("BOT_NAME", &cfg.General.BotName)
	if v, ok := get("DEBUG"); ok {
		cfg.General.Debug = v == "true" || v == "1"
	}
	setInt("QUEUE_CONCURRENCY", &cfg.General.QueueConcurrency)
	setInt("COOLDOWN_SECONDS", &cfg.Abuse.CooldownSeconds)
	setInt("MAX_MSG_MINUTE", &cfg.Abuse.MaxPerMinute)

	if v, ok := get("DATABASE_URL"); ok {
		cfg.Memory.Driver = DriverPostgres
		cfg.Memory.PostgresURL = v
	}
	setString("REDIS_ADDR", &cfg.Memory.RedisAddr)
	setString("REDIS_PASSWORD", &cfg.Memory.RedisPassword)

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey == "" {
			if env, ok := providerKeyEnv[p.Kind]; ok {
				setString(env, &p.APIKey)
			}
		}
		if p.Kind == KindOpenRouter {
			setString("OPENROUTER_MODEL", &p.Model)
		}
	}

	wa := &cfg.Channels.WhatsApp
	setString("WHATSAPP_TOKEN", &wa.AccessToken)
	setString("WHATSAPP_PHONE_NUMBER_ID", &wa.PhoneNumberID)
	setString("WHATSAPP_VERIFY_TOKEN", &wa.VerifyToken)
	setString("WHATSAPP_APP_SECRET", &wa.AppSecret)
	if wa.AccessToken != "" && wa.PhoneNumberID != "" && wa.VerifyToken != "" {
		wa.Enabled = true
	}

	if v, ok := get("TELEGRAM_TOKEN"); ok {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}

	setInt("PORT", &cfg.Server.Port)
}
