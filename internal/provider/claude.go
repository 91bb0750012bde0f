package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"miabot/internal/domain"
)

const claudeDefaultModel = "claude-3-5-haiku-latest"

// Claude is a chat provider backed by the Anthropic Messages API.
type Claude struct {
	name        string
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

type ClaudeConfig struct {
	Name        string
	APIKey      string
	APIBase     string
	Model       string
	MaxTokens   int
	Temperature float64
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

func NewClaude(cfg ClaudeConfig) *Claude {
	if cfg.Name == "" {
		cfg.Name = "claude"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = claudeDefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.8
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Claude{
		name:        cfg.Name,
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      cfg.Logger,
	}
}

func (c *Claude) Name() string { return c.name }

func (c *Claude) Healthy(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("list models: %w", c.wrap(err))
	}
	return nil
}

// buildMessages converts the history into alternating user/assistant turns.
// The API requires the first turn to be a user turn and rejects two turns of
// the same role in a row, so leading assistant turns are dropped and
// consecutive same-role turns are merged.
func (c *Claude) buildMessages(req domain.ChatRequest) []anthropic.MessageParam {
	type turn struct {
		role string
		text string
	}
	var turns []turn
	add := func(role, text string) {
		if len(turns) == 0 && role != domain.RoleUser {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].text += "\n" + text
			return
		}
		turns = append(turns, turn{role: role, text: text})
	}
	for _, m := range req.History {
		if m.Role == domain.RoleSystem {
			continue
		}
		add(m.Role, m.Content)
	}
	add(domain.RoleUser, req.Input)

	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.role == domain.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.text)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.text)))
		}
	}
	return msgs
}

func (c *Claude) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temperature
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    c.buildMessages(req),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temp),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, c.wrap(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	content := strings.TrimSpace(sb.String())
	if content == "" {
		return nil, emptyErr(c.name)
	}

	return &domain.ChatResponse{
		Content:      content,
		FinishReason: string(resp.StopReason),
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (c *Claude) wrap(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{Provider: c.name, Reason: ReasonStatus, Status: apiErr.StatusCode, Err: err}
	}
	return wrapErr(c.name, err)
}
