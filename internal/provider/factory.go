package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"miabot/internal/bus"
	"miabot/internal/config"
	"miabot/internal/domain"
)

// Constructor builds a provider from a config entry. The returned value
// implements one or more of the domain capability interfaces.
type Constructor func(pc config.ProviderConfig, f *Factory) (any, error)

// Factory turns the ordered provider list of the config into providers and
// caches them by entry name.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	events       *bus.EventBus
	client       *http.Client
	constructors map[string]Constructor
	cache        map[string]any
	mu           sync.RWMutex
}

func NewFactory(cfg *config.Config, events *bus.EventBus, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		events:       events,
		client:       SharedHTTPClient(5 * time.Minute),
		constructors: make(map[string]Constructor),
		cache:        make(map[string]any),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds or replaces the constructor of a provider kind.
func (f *Factory) RegisterConstructor(kind string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

// keyedKinds need an API key to be usable.
var keyedKinds = map[string]bool{
	config.KindOpenRouter:  true,
	config.KindOpenAI:      true,
	config.KindClaude:      true,
	config.KindHuggingFace: true,
}

func (f *Factory) registerDefaults() {
	openaiCompat := func(pc config.ProviderConfig, f *Factory) (any, error) {
		return NewOpenAICompat(OpenAICompatConfig{
			Name:        pc.Name,
			APIKey:      pc.APIKey,
			APIBase:     pc.APIBase,
			Model:       pc.Model,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
			Title:       f.cfg.General.BotName,
			HTTPClient:  f.client,
			Logger:      f.logger,
		}), nil
	}
	f.constructors[config.KindOpenRouter] = openaiCompat
	f.constructors[config.KindOpenAI] = func(pc config.ProviderConfig, f *Factory) (any, error) {
		if pc.APIBase == "" {
			pc.APIBase = "https://api.openai.com/v1"
		}
		return openaiCompat(pc, f)
	}

	f.constructors[config.KindClaude] = func(pc config.ProviderConfig, f *Factory) (any, error) {
		return NewClaude(ClaudeConfig{
			Name:        pc.Name,
			APIKey:      pc.APIKey,
			APIBase:     pc.APIBase,
			Model:       pc.Model,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
			HTTPClient:  f.client,
			Logger:      f.logger,
		}), nil
	}

	f.constructors[config.KindOllama] = func(pc config.ProviderConfig, f *Factory) (any, error) {
		return NewOllama(OllamaConfig{
			Name:         pc.Name,
			APIBase:      pc.APIBase,
			DefaultModel: pc.Model,
			Temperature:  pc.Temperature,
			HTTPClient:   f.client,
			Logger:       f.logger,
		}), nil
	}

	f.constructors[config.KindHuggingFace] = func(pc config.ProviderConfig, f *Factory) (any, error) {
		return NewHuggingFace(HuggingFaceConfig{
			Name:         pc.Name,
			APIBase:      pc.APIBase,
			APIKey:       pc.APIKey,
			Model:        pc.Model,
			MaxNewTokens: pc.MaxTokens,
			Temperature:  pc.Temperature,
			BotLabel:     f.cfg.General.BotName,
			HTTPClient:   f.client,
			Logger:       f.logger,
		}), nil
	}

	f.constructors[config.KindWhisper] = func(pc config.ProviderConfig, f *Factory) (any, error) {
		return NewWhisper(WhisperConfig{
			Name:       pc.Name,
			APIBase:    pc.APIBase,
			APIKey:     pc.APIKey,
			Model:      pc.Model,
			HTTPClient: f.client,
			Logger:     f.logger,
		}), nil
	}
}

// Get returns the provider built from the named config entry.
func (f *Factory) Get(name string) (any, error) {
	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.entry(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}
	if keyedKinds[pc.Kind] && pc.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key not set", name)
	}
	ctor, found := f.constructors[pc.Kind]
	if !found {
		return nil, fmt.Errorf("provider %s: no constructor for kind %q", name, pc.Kind)
	}

	p, err := ctor(pc, f)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	f.cache[name] = p
	return p, nil
}

func (f *Factory) entry(name string) (config.ProviderConfig, bool) {
	for _, pc := range f.cfg.Providers {
		if pc.Name == name {
			return pc, true
		}
	}
	return config.ProviderConfig{}, false
}

// PolicyFor derives the retry policy of a config entry. Unset fields fall
// back to one attempt, 1s linear backoff and a 30s timeout.
func PolicyFor(pc config.ProviderConfig) Policy {
	p := Policy{
		MaxAttempts: pc.MaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Timeout:     time.Duration(pc.TimeoutSeconds) * time.Second,
	}
	if pc.BackoffMs > 0 {
		p.BaseDelay = time.Duration(pc.BackoffMs) * time.Millisecond
	}
	return p.normalized()
}

// ChatChain builds the fallback chain from the enabled chat entries in
// configured order. Entries that cannot be built are skipped with a warning.
func (f *Factory) ChatChain() *Chain {
	var entries []ChainEntry
	for _, pc := range f.cfg.ProvidersFor(config.CapabilityChat) {
		p, err := f.Get(pc.Name)
		if err != nil {
			f.logger.Warn("chat provider skipped", "provider", pc.Name, "err", err)
			continue
		}
		cp, ok := p.(domain.ChatProvider)
		if !ok {
			f.logger.Warn("provider cannot chat", "provider", pc.Name, "kind", pc.Kind)
			continue
		}
		entries = append(entries, ChainEntry{Provider: cp, Policy: PolicyFor(pc)})
	}
	return NewChain(entries, f.events, f.logger)
}

// Service pairs a single-call provider with its per-call timeout.
type Service[T any] struct {
	Provider T
	Timeout  time.Duration
}

// firstOf returns the first enabled, buildable entry with the capability that
// implements T.
func firstOf[T any](f *Factory, capability string, minTimeout time.Duration) (*Service[T], error) {
	var errs []error
	for _, pc := range f.cfg.ProvidersFor(capability) {
		p, err := f.Get(pc.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		typed, ok := p.(T)
		if !ok {
			errs = append(errs, fmt.Errorf("provider %s does not support %s", pc.Name, capability))
			continue
		}
		timeout := time.Duration(pc.TimeoutSeconds) * time.Second
		if timeout < minTimeout {
			timeout = minTimeout
		}
		return &Service[T]{Provider: typed, Timeout: timeout}, nil
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("no usable %s provider: %v", capability, errs)
	}
	return nil, nil
}

// ImageClassifier returns nil, nil when no entry is configured.
func (f *Factory) ImageClassifier() (*Service[domain.ImageClassifier], error) {
	return firstOf[domain.ImageClassifier](f, config.CapabilityImageClassification, DefaultTimeout)
}

func (f *Factory) Transcriber() (*Service[domain.Transcriber], error) {
	return firstOf[domain.Transcriber](f, config.CapabilityTranscription, DefaultTimeout)
}

// ImageGenerator enforces the 120s floor on the generation timeout.
func (f *Factory) ImageGenerator() (*Service[domain.ImageGenerator], error) {
	return firstOf[domain.ImageGenerator](f, config.CapabilityImageGeneration, time.Duration(config.MinImageGenerationTimeout)*time.Second)
}
