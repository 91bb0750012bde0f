package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			BotName:          "Mia",
			DefaultLanguage:  "fr",
			QueueConcurrency: 1,
			LogLevel:         "info",
		},
		Abuse: AbuseConfig{
			CooldownSeconds: 3,
			MaxPerMinute:    10,
		},
		Memory: MemoryConfig{
			Driver:       "sqlite",
			DBPath:       "~/.miabot/miabot.db",
			ContextTurns: 20,
		},
		Providers: defaultProviders(),
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				WebhookPath: "/webhook/whatsapp",
				APIVersion:  "v21.0",
			},
			Telegram: TelegramConfig{
				PollTimeout: 60,
			},
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			MetricsPath: "/metrics",
		},
		Housekeeping: HousekeepingConfig{
			Enabled:                 true,
			CounterSchedule:         "0 */10 * * * *",
			BanSchedule:             "0 0 * * * *",
			CounterRetentionMinutes: 10,
		},
	}
}

func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Name:           "openrouter",
			Kind:           KindOpenRouter,
			Capability:     CapabilityChat,
			Enabled:        true,
			APIBase:        "https://openrouter.ai/api/v1",
			Model:          "openai/gpt-3.5-turbo",
			MaxTokens:      1024,
			Temperature:    0.8,
			TimeoutSeconds: 30,
			MaxAttempts:    3,
			BackoffMs:      1000,
		},
		{
			Name:           "huggingface-chat",
			Kind:           KindHuggingFace,
			Capability:     CapabilityChat,
			Enabled:        true,
			Model:          "mistralai/Mistral-7B-Instruct-v0.3",
			MaxTokens:      512,
			Temperature:    0.8,
			TimeoutSeconds: 60,
			MaxAttempts:    1,
		},
		{
			Name:           "claude",
			Kind:           KindClaude,
			Capability:     CapabilityChat,
			Enabled:        false,
			Model:          "claude-3-5-haiku-latest",
			MaxTokens:      1024,
			Temperature:    0.8,
			TimeoutSeconds: 30,
			MaxAttempts:    1,
		},
		{
			Name:           "ollama",
			Kind:           KindOllama,
			Capability:     CapabilityChat,
			Enabled:        false,
			APIBase:        "http://localhost:11434",
			Model:          "llama3.1:8b",
			TimeoutSeconds: 60,
			MaxAttempts:    1,
		},
		{
			Name:           "huggingface-vision",
			Kind:           KindHuggingFace,
			Capability:     CapabilityImageClassification,
			Enabled:        true,
			Model:          "google/vit-base-patch16-224",
			TimeoutSeconds: 30,
		},
		{
			Name:           "huggingface-whisper",
			Kind:           KindHuggingFace,
			Capability:     CapabilityTranscription,
			Enabled:        true,
			Model:          "openai/whisper-base",
			TimeoutSeconds: 60,
		},
		{
			Name:           "groq-whisper",
			Kind:           KindWhisper,
			Capability:     CapabilityTranscription,
			Enabled:        false,
			APIBase:        "https://api.groq.com/openai/v1",
			Model:          "whisper-large-v3",
			TimeoutSeconds: 60,
		},
		{
			Name:           "huggingface-sdxl",
			Kind:           KindHuggingFace,
			Capability:     CapabilityImageGeneration,
			Enabled:        true,
			Model:          "stabilityai/stable-diffusion-xl-base-1.0",
			TimeoutSeconds: 120,
		},
	}
}
