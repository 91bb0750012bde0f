package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"miabot/internal/domain"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
)

// Ollama is a chat provider for a local or self-hosted Ollama server.
type Ollama struct {
	name         string
	apiBase      string
	defaultModel string
	temperature  float64
	client       *http.Client
	logger       *slog.Logger
}

type OllamaConfig struct {
	Name         string
	APIBase      string
	DefaultModel string
	Temperature  float64
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.Name == "" {
		cfg.Name = "ollama"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = ollamaDefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(defaultHTTPTimeout)
	}
	return &Ollama{
		name:         cfg.Name,
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		defaultModel: cfg.DefaultModel,
		temperature:  cfg.Temperature,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger,
	}
}

func (o *Ollama) Name() string { return o.name }

func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	if _, err := do(o.client, o.name, req); err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	return nil
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Message         ollamaMsg `json:"message"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
}

func (o *Ollama) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	msgs := make([]ollamaMsg, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, ollamaMsg{Role: domain.RoleSystem, Content: req.System})
	}
	for _, m := range req.History {
		msgs = append(msgs, ollamaMsg{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, ollamaMsg{Role: domain.RoleUser, Content: req.Input})

	body := ollamaRequest{Model: model, Messages: msgs}
	temp := req.Temperature
	if temp == 0 {
		temp = o.temperature
	}
	if temp > 0 {
		body.Options = map[string]any{"temperature": temp}
	}

	start := time.Now()
	raw, err := postJSON(ctx, o.client, o.name, o.apiBase+"/api/chat", nil, body)
	if err != nil {
		return nil, err
	}

	var out ollamaResponse
	if err := decodeJSON(o.name, raw, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Message.Content) == "" {
		return nil, emptyErr(o.name)
	}

	o.logger.Debug("ollama response", "model", model, "eval_count", out.EvalCount)
	return &domain.ChatResponse{
		Content:      out.Message.Content,
		FinishReason: out.DoneReason,
		Usage: domain.Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
