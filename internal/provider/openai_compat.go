package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"miabot/internal/domain"
)

const (
	OpenRouterBase         = "https://openrouter.ai/api/v1"
	openRouterDefaultModel = "openai/gpt-3.5-turbo"
)

// OpenAICompat is a chat provider for any OpenAI-compatible Chat Completions
// endpoint. OpenRouter is the default base URL.
type OpenAICompat struct {
	name        string
	client      openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

type OpenAICompatConfig struct {
	Name        string
	APIKey      string
	APIBase     string
	Model       string
	MaxTokens   int
	Temperature float64
	Referer     string // OpenRouter attribution headers
	Title       string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

func NewOpenAICompat(cfg OpenAICompatConfig) *OpenAICompat {
	if cfg.Name == "" {
		cfg.Name = "openrouter"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIBase == "" {
		cfg.APIBase = OpenRouterBase
	}
	if cfg.Model == "" {
		cfg.Model = openRouterDefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.8
	}

	// Retries are owned by the chain policy, not the SDK.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(strings.TrimRight(cfg.APIBase, "/") + "/"),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Referer != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", cfg.Referer))
	}
	if cfg.Title != "" {
		opts = append(opts, option.WithHeader("X-Title", cfg.Title))
	}

	return &OpenAICompat{
		name:        cfg.Name,
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      cfg.Logger,
	}
}

func (o *OpenAICompat) Name() string { return o.name }

func (o *OpenAICompat) Healthy(ctx context.Context) error {
	if _, err := o.client.Models.List(ctx); err != nil {
		return fmt.Errorf("list models: %w", o.wrap(err))
	}
	return nil
}

func (o *OpenAICompat) buildMessages(req domain.ChatRequest) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.History {
		switch m.Role {
		case domain.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case domain.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return append(msgs, openai.UserMessage(req.Input))
}

func (o *OpenAICompat) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.maxTokens
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = o.temperature
	}

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    o.buildMessages(req),
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(temp),
	})
	if err != nil {
		return nil, o.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return nil, emptyErr(o.name)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, emptyErr(o.name)
	}

	return &domain.ChatResponse{
		Content:      content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (o *OpenAICompat) wrap(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &Error{Provider: o.name, Reason: ReasonStatus, Status: apiErr.StatusCode, Err: err}
	}
	return wrapErr(o.name, err)
}
