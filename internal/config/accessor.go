package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

func toMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a value by dot path, e.g. "abuse.cooldownSeconds" or
// "providers.0.model".
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	cp := *cfg
	cp.Providers = make([]ProviderConfig, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.APIKey != "" {
			p.APIKey = maskString(p.APIKey)
		}
		cp.Providers[i] = p
	}

	wa := &cp.Channels.WhatsApp
	if wa.AccessToken != "" {
		wa.AccessToken = maskString(wa.AccessToken)
	}
	if wa.AppSecret != "" {
		wa.AppSecret = "***"
	}
	if wa.VerifyToken != "" {
		wa.VerifyToken = "***"
	}
	if cp.Channels.Telegram.Token != "" {
		cp.Channels.Telegram.Token = maskString(cp.Channels.Telegram.Token)
	}
	if cp.Memory.PostgresURL != "" {
		cp.Memory.PostgresURL = maskString(cp.Memory.PostgresURL)
	}
	if cp.Memory.RedisPassword != "" {
		cp.Memory.RedisPassword = "***"
	}
	return &cp
}

// maskString shows the first and last 4 characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
