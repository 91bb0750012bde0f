package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_QueueConcurrency(t *testing.T) {
	cfg := Defaults()
	cfg.General.QueueConcurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for queueConcurrency=0")
	}

	cfg.General.QueueConcurrency = 64
	if err := Validate(cfg); err != nil {
		t.Fatalf("queueConcurrency=64 should be valid: %v", err)
	}
}

func TestValidate_AbuseLimits(t *testing.T) {
	cfg := Defaults()
	cfg.Abuse.CooldownSeconds = -1
	cfg.Abuse.MaxPerMinute = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors for abuse limits")
	}
	if !strings.Contains(err.Error(), "cooldownSeconds") || !strings.Contains(err.Error(), "maxPerMinute") {
		t.Errorf("expected both problems reported, got: %v", err)
	}
}

func TestValidate_PostgresNeedsURL(t *testing.T) {
	cfg := Defaults()
	cfg.Memory.Driver = DriverPostgres
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for postgres without url")
	}
	cfg.Memory.PostgresURL = "postgres://bot@localhost/miabot"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := Defaults()
	cfg.Memory.Driver = "mongo"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestValidate_ProviderKindCapability(t *testing.T) {
	cfg := Defaults()
	cfg.Providers = append(cfg.Providers, ProviderConfig{Name: "bad", Kind: KindClaude, Capability: CapabilityTranscription})
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error: claude cannot transcribe")
	}
}

func TestValidate_DuplicateProviderName(t *testing.T) {
	cfg := Defaults()
	cfg.Providers = append(cfg.Providers, cfg.Providers[0])
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for duplicate provider name")
	}
}

func TestValidate_ImageGenerationTimeoutFloor(t *testing.T) {
	cfg := Defaults()
	for i := range cfg.Providers {
		if cfg.Providers[i].Capability == CapabilityImageGeneration {
			cfg.Providers[i].TimeoutSeconds = 30
		}
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for image generation timeout below 120s")
	}
}

func TestValidate_WhatsAppRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.WhatsApp.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for whatsapp without credentials")
	}
}

// --- Load ---

func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("MIABOT_TEST_MODEL", "mistralai/mixtral-8x7b-instruct")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
general:
  botName: Lola
  defaultLanguage: en
abuse:
  cooldownSeconds: 5
memory:
  dbPath: ` + filepath.Join(dir, "bot.db") + `
providers:
  - name: openrouter
    kind: openrouter
    capability: chat
    enabled: true
    model: ${MIABOT_TEST_MODEL}
  - name: local
    kind: ollama
    capability: chat
    enabled: true
    apiBase: ${OLLAMA_HOST_UNSET:-http://127.0.0.1:11434}
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.BotName != "Lola" {
		t.Errorf("expected botName Lola, got %q", cfg.General.BotName)
	}
	if cfg.Abuse.CooldownSeconds != 5 {
		t.Errorf("expected cooldown 5, got %d", cfg.Abuse.CooldownSeconds)
	}
	if cfg.Abuse.MaxPerMinute != 10 {
		t.Errorf("expected default maxPerMinute 10, got %d", cfg.Abuse.MaxPerMinute)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("expected provider list replaced by file, got %d entries", len(cfg.Providers))
	}
	if cfg.Providers[0].Model != "mistralai/mixtral-8x7b-instruct" {
		t.Errorf("env var not expanded: %q", cfg.Providers[0].Model)
	}
	if cfg.Providers[1].APIBase != "http://127.0.0.1:11434" {
		t.Errorf("default not applied: %q", cfg.Providers[1].APIBase)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")
	cfg := Defaults()
	cfg.Memory.DBPath = filepath.Join(dir, "bot.db")
	cfg.General.QueueConcurrency = 2

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.General.QueueConcurrency != 2 {
		t.Errorf("expected queueConcurrency 2, got %d", loaded.General.QueueConcurrency)
	}
}

// --- ApplyEnv ---

func TestApplyEnv_OriginalVariables(t *testing.T) {
	env := map[string]string{
		"BOT_NAME":                 "Zoé",
		"COOLDOWN_SECONDS":         "7",
		"MAX_MSG_MINUTE":           "4",
		"OPENROUTER_API_KEY":       "sk-or-123",
		"OPENROUTER_MODEL":         "meta-llama/llama-3-8b-instruct",
		"HUGGINGFACE_API_KEY":      "hf_abc",
		"DATABASE_URL":             "postgres://u:p@db/miabot",
		"WHATSAPP_TOKEN":           "EAAG",
		"WHATSAPP_PHONE_NUMBER_ID": "1234",
		"WHATSAPP_VERIFY_TOKEN":    "verify",
		"DEBUG":                    "true",
		"MAX_UNRELATED":            "x",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Defaults()
	ApplyEnv(cfg, lookup)

	if cfg.General.BotName != "Zoé" || !cfg.General.Debug {
		t.Errorf("general not applied: %+v", cfg.General)
	}
	if cfg.Abuse.CooldownSeconds != 7 || cfg.Abuse.MaxPerMinute != 4 {
		t.Errorf("abuse not applied: %+v", cfg.Abuse)
	}
	if cfg.Memory.Driver != DriverPostgres || cfg.Memory.PostgresURL == "" {
		t.Errorf("DATABASE_URL should switch to postgres: %+v", cfg.Memory)
	}
	for _, p := range cfg.Providers {
		switch p.Kind {
		case KindOpenRouter:
			if p.APIKey != "sk-or-123" || p.Model != "meta-llama/llama-3-8b-instruct" {
				t.Errorf("openrouter not applied: %+v", p)
			}
		case KindHuggingFace:
			if p.APIKey != "hf_abc" {
				t.Errorf("huggingface key not applied to %s", p.Name)
			}
		}
	}
	if !cfg.Channels.WhatsApp.Enabled {
		t.Error("whatsapp should be enabled when all credentials are set")
	}
}

func TestApplyEnv_IgnoresBadNumbers(t *testing.T) {
	cfg := Defaults()
	ApplyEnv(cfg, func(k string) (string, bool) {
		if k == "COOLDOWN_SECONDS" {
			return "three", true
		}
		return "", false
	})
	if cfg.Abuse.CooldownSeconds != 3 {
		t.Errorf("expected default cooldown kept, got %d", cfg.Abuse.CooldownSeconds)
	}
}

// --- Accessor ---

func TestGetByPath(t *testing.T) {
	cfg := Defaults()
	v, err := GetByPath(cfg, "abuse.maxPerMinute")
	if err != nil {
		t.Fatal(err)
	}
	if v != 10 {
		t.Errorf("expected 10, got %v (%T)", v, v)
	}

	v, err = GetByPath(cfg, "providers.0.name")
	if err != nil {
		t.Fatal(err)
	}
	if v != "openrouter" {
		t.Errorf("expected openrouter, got %v", v)
	}

	if _, err := GetByPath(cfg, "abuse.nope"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Providers[0].APIKey = "sk-or-v1-0123456789abcdef"
	cfg.Channels.Telegram.Token = "123456:ABCDEFGHIJKLMNOP"

	s := Sanitize(cfg)
	if s.Providers[0].APIKey == cfg.Providers[0].APIKey {
		t.Error("api key not masked")
	}
	if cfg.Providers[0].APIKey != "sk-or-v1-0123456789abcdef" {
		t.Error("Sanitize must not modify the original")
	}
	if !strings.HasPrefix(s.Channels.Telegram.Token, "1234") || strings.Contains(s.Channels.Telegram.Token, "EFGH") {
		t.Errorf("unexpected telegram mask: %q", s.Channels.Telegram.Token)
	}
}
