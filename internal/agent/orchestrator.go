package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"miabot/internal/bus"
	"miabot/internal/classify"
	"miabot/internal/domain"
	"miabot/internal/provider"
)

const (
	defaultServiceTimeout   = 30 * time.Second
	minImageGenerateTimeout = 120 * time.Second
	defaultOrchestratorLang = "fr"
)

// Orchestrator turns user input into provider calls and provider results
// into user-facing text. None of its methods return an error: every failure
// becomes a fixed notice or a false flag.
type Orchestrator struct {
	chat              domain.ChatProvider
	classifier        domain.ImageClassifier
	classifyTimeout   time.Duration
	transcriber       domain.Transcriber
	transcribeTimeout time.Duration
	generator         domain.ImageGenerator
	generateTimeout   time.Duration
	botName           string
	defaultLanguage   string
	events            *bus.EventBus
	logger            *slog.Logger
}

// OrchestratorConfig wires the orchestrator. Nil single-call providers mean
// the capability is not configured.
type OrchestratorConfig struct {
	Chat              domain.ChatProvider
	Classifier        domain.ImageClassifier
	ClassifyTimeout   time.Duration
	Transcriber       domain.Transcriber
	TranscribeTimeout time.Duration
	Generator         domain.ImageGenerator
	GenerateTimeout   time.Duration
	BotName           string
	DefaultLanguage   string
	Events            *bus.EventBus
	Logger            *slog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = defaultServiceTimeout
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = defaultServiceTimeout
	}
	if cfg.GenerateTimeout < minImageGenerateTimeout {
		cfg.GenerateTimeout = minImageGenerateTimeout
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = defaultOrchestratorLang
	}
	return &Orchestrator{
		chat:              cfg.Chat,
		classifier:        cfg.Classifier,
		classifyTimeout:   cfg.ClassifyTimeout,
		transcriber:       cfg.Transcriber,
		transcribeTimeout: cfg.TranscribeTimeout,
		generator:         cfg.Generator,
		generateTimeout:   cfg.GenerateTimeout,
		botName:           cfg.BotName,
		defaultLanguage:   cfg.DefaultLanguage,
		events:            cfg.Events,
		logger:            cfg.Logger,
	}
}

// NewOrchestratorFromFactory builds the chat chain and the single-call
// services from the provider config. A capability whose providers cannot be
// built is logged and left unconfigured.
func NewOrchestratorFromFactory(f *provider.Factory, botName, language string, events *bus.EventBus, logger *slog.Logger) *Orchestrator {
	cfg := OrchestratorConfig{
		Chat:            f.ChatChain(),
		BotName:         botName,
		DefaultLanguage: language,
		Events:          events,
		Logger:          logger,
	}
	if svc, err := f.ImageClassifier(); err != nil {
		logger.Warn("image classification unavailable", "err", err)
	} else if svc != nil {
		cfg.Classifier, cfg.ClassifyTimeout = svc.Provider, svc.Timeout
	}
	if svc, err := f.Transcriber(); err != nil {
		logger.Warn("transcription unavailable", "err", err)
	} else if svc != nil {
		cfg.Transcriber, cfg.TranscribeTimeout = svc.Provider, svc.Timeout
	}
	if svc, err := f.ImageGenerator(); err != nil {
		logger.Warn("image generation unavailable", "err", err)
	} else if svc != nil {
		cfg.Generator, cfg.GenerateTimeout = svc.Provider, svc.Timeout
	}
	return NewOrchestrator(cfg)
}

// GenerateResponse answers text given the previous turns, oldest first.
// The detected language of text overrides language.
func (o *Orchestrator) GenerateResponse(ctx context.Context, text string, turns []domain.ConversationTurn, language string) string {
	if language == "" {
		language = o.defaultLanguage
	}
	language = classify.DetectLanguage(text, language)

	history := make([]domain.Message, 0, len(turns))
	for _, t := range turns {
		history = append(history, domain.Message{Role: t.Role, Content: t.Content})
	}
	req := domain.ChatRequest{
		System:  SystemPrompt(o.botName, language),
		History: history,
		Input:   text,
	}

	if o.chat == nil {
		o.fallback("no chat provider", nil)
		return ReplyChatFallback
	}
	resp, err := o.chat.Chat(ctx, req)
	if err != nil {
		o.fallback("chat", err)
		return ReplyChatFallback
	}
	o.logger.Debug("chat reply",
		"provider", resp.Provider,
		"language", language,
		"latency_ms", resp.LatencyMs,
		"tokens", resp.Usage.TotalTokens,
	)
	return resp.Content
}

// AnalyzeImage describes the picture with its top labels.
func (o *Orchestrator) AnalyzeImage(ctx context.Context, image []byte) string {
	if o.classifier == nil {
		return ReplyAnalyzeDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, o.classifyTimeout)
	defer cancel()

	labels, err := o.classifier.Classify(ctx, image)
	if err != nil {
		o.serviceFailed(o.classifier.Name(), "image-classification", err)
		return ReplyAnalyzeFailed
	}
	if len(labels) == 0 {
		return ReplyAnalyzeEmpty
	}
	return FormatLabels(labels)
}

// FormatLabels renders the best labels under the analysis header.
func FormatLabels(labels []domain.Label) string {
	sorted := make([]domain.Label, len(labels))
	copy(sorted, labels)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	if len(sorted) > maxAnalysisLabels {
		sorted = sorted[:maxAnalysisLabels]
	}

	lines := make([]string, len(sorted))
	for i, l := range sorted {
		lines[i] = fmt.Sprintf(analysisLabelLine, l.Label, l.Score*100)
	}
	return ReplyAnalysisHeader + strings.Join(lines, "\n")
}

// TranscribeAudio returns false when nothing usable was understood.
func (o *Orchestrator) TranscribeAudio(ctx context.Context, audio []byte) (string, bool) {
	if o.transcriber == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, o.transcribeTimeout)
	defer cancel()

	text, err := o.transcriber.Transcribe(ctx, audio)
	if err != nil {
		o.serviceFailed(o.transcriber.Name(), "transcription", err)
		return "", false
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}

// GenerateImage returns the image bytes, or false on any failure.
func (o *Orchestrator) GenerateImage(ctx context.Context, prompt string) ([]byte, bool) {
	if o.generator == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, o.generateTimeout)
	defer cancel()

	img, err := o.generator.Generate(ctx, prompt)
	if err != nil {
		o.serviceFailed(o.generator.Name(), "image-generation", err)
		return nil, false
	}
	if len(img) == 0 {
		return nil, false
	}
	return img, true
}

func (o *Orchestrator) fallback(stage string, err error) {
	o.logger.Error("all chat providers failed, sending apology", "stage", stage, "err", err)
	o.events.Emit(bus.Event{
		Type:    bus.EventFallbackReply,
		Source:  "orchestrator",
		Payload: map[string]any{"reason": string(provider.ReasonOf(err))},
	})
}

func (o *Orchestrator) serviceFailed(name, capability string, err error) {
	o.logger.Error("provider call failed",
		"provider", name,
		"capability", capability,
		"reason", provider.ReasonOf(err),
		"err", err,
	)
	o.events.Emit(bus.Event{
		Type:   bus.EventProviderFailed,
		Source: "orchestrator",
		Payload: map[string]any{
			"provider":   name,
			"capability": capability,
			"reason":     string(provider.ReasonOf(err)),
		},
	})
}
