package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"miabot/internal/domain"
)

const hfDefaultBase = "https://router.huggingface.co/hf-inference/models"

// Default HuggingFace models per capability.
const (
	HFChatModel            = "mistralai/Mistral-7B-Instruct-v0.3"
	HFImageClassifyModel   = "google/vit-base-patch16-224"
	HFTranscriptionModel   = "openai/whisper-base"
	HFImageGenerationModel = "stabilityai/stable-diffusion-xl-base-1.0"
)

// HuggingFace talks to the HF Inference API. One instance serves one model;
// which of its methods is used depends on the configured capability.
// Chat uses the prompt-concatenation form because text-generation models
// take a single string.
type HuggingFace struct {
	name         string
	apiBase      string
	apiKey       string
	model        string
	maxNewTokens int
	temperature  float64
	userLabel    string
	botLabel     string
	client       *http.Client
	logger       *slog.Logger
}

type HuggingFaceConfig struct {
	Name         string
	APIBase      string
	APIKey       string
	Model        string
	MaxNewTokens int
	Temperature  float64
	UserLabel    string // speaker label of user turns in the flattened prompt
	BotLabel     string // speaker label of assistant turns
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func NewHuggingFace(cfg HuggingFaceConfig) *HuggingFace {
	if cfg.Name == "" {
		cfg.Name = "huggingface"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIBase == "" {
		cfg.APIBase = hfDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = HFChatModel
	}
	if cfg.MaxNewTokens <= 0 {
		cfg.MaxNewTokens = 512
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.8
	}
	if cfg.UserLabel == "" {
		cfg.UserLabel = "Utilisateur"
	}
	if cfg.BotLabel == "" {
		cfg.BotLabel = "Assistant"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(defaultHTTPTimeout)
	}
	return &HuggingFace{
		name:         cfg.Name,
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		maxNewTokens: cfg.MaxNewTokens,
		temperature:  cfg.Temperature,
		userLabel:    cfg.UserLabel,
		botLabel:     cfg.BotLabel,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger,
	}
}

func (h *HuggingFace) Name() string { return h.name }

func (h *HuggingFace) Healthy(ctx context.Context) error {
	if h.apiKey == "" {
		return errors.New("huggingface api key not set")
	}
	return nil
}

func (h *HuggingFace) endpoint() string {
	return h.apiBase + "/" + h.model
}

func (h *HuggingFace) authHeaders() map[string]string {
	if h.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + h.apiKey}
}

type hfTextRequest struct {
	Inputs     string           `json:"inputs"`
	Parameters hfTextParameters `json:"parameters"`
}

type hfTextParameters struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature"`
	ReturnFullText bool    `json:"return_full_text"`
}

type hfGenerated struct {
	GeneratedText string `json:"generated_text"`
}

// FlattenPrompt renders a chat request as one text-generation prompt:
// system text, one "Label: content" line per turn, then an open bot line.
func (h *HuggingFace) FlattenPrompt(req domain.ChatRequest) string {
	var sb strings.Builder
	if req.System != "" {
		sb.WriteString(req.System)
		sb.WriteString("\n\n")
	}
	for _, m := range req.History {
		label := h.userLabel
		if m.Role == domain.RoleAssistant {
			label = h.botLabel
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, m.Content)
	}
	fmt.Fprintf(&sb, "%s: %s\n%s:", h.userLabel, req.Input, h.botLabel)
	return sb.String()
}

func (h *HuggingFace) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	params := hfTextParameters{
		MaxNewTokens:   h.maxNewTokens,
		Temperature:    h.temperature,
		ReturnFullText: false,
	}
	if req.Temperature > 0 {
		params.Temperature = req.Temperature
	}

	start := time.Now()
	raw, err := postJSON(ctx, h.client, h.name, h.endpoint(), h.authHeaders(), hfTextRequest{
		Inputs:     h.FlattenPrompt(req),
		Parameters: params,
	})
	if err != nil {
		return nil, err
	}

	var out []hfGenerated
	if err := decodeJSON(h.name, raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, emptyErr(h.name)
	}
	text := strings.TrimSpace(out[0].GeneratedText)
	// models sometimes keep writing the next user line
	if i := strings.Index(text, "\n"+h.userLabel+":"); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	if text == "" {
		return nil, emptyErr(h.name)
	}
	return &domain.ChatResponse{
		Content:      text,
		FinishReason: "stop",
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (h *HuggingFace) postBinary(ctx context.Context, data []byte, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", h.name, err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range h.authHeaders() {
		req.Header.Set(k, v)
	}
	return do(h.client, h.name, req)
}

// Classify returns labels ordered by descending score. A model that finds
// nothing yields an empty slice and no error.
func (h *HuggingFace) Classify(ctx context.Context, image []byte) ([]domain.Label, error) {
	raw, err := h.postBinary(ctx, image, http.DetectContentType(image))
	if err != nil {
		return nil, err
	}
	var labels []domain.Label
	if err := decodeJSON(h.name, raw, &labels); err != nil {
		return nil, err
	}
	sort.SliceStable(labels, func(i, j int) bool { return labels[i].Score > labels[j].Score })
	return labels, nil
}

type hfTranscription struct {
	Text string `json:"text"`
}

func (h *HuggingFace) Transcribe(ctx context.Context, audio []byte) (string, error) {
	contentType := http.DetectContentType(audio)
	if contentType == "application/octet-stream" {
		contentType = "audio/ogg"
	}
	raw, err := h.postBinary(ctx, audio, contentType)
	if err != nil {
		return "", err
	}
	var out hfTranscription
	if err := decodeJSON(h.name, raw, &out); err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", emptyErr(h.name)
	}
	return text, nil
}

type hfImageRequest struct {
	Inputs string `json:"inputs"`
}

// Generate returns the raw image bytes produced for prompt.
func (h *HuggingFace) Generate(ctx context.Context, prompt string) ([]byte, error) {
	start := time.Now()
	raw, err := postJSON(ctx, h.client, h.name, h.endpoint(), h.authHeaders(), hfImageRequest{Inputs: prompt})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, emptyErr(h.name)
	}
	if ct := http.DetectContentType(raw); !strings.HasPrefix(ct, "image/") {
		return nil, &Error{Provider: h.name, Reason: ReasonDecode, Err: fmt.Errorf("unexpected content type %s", ct)}
	}
	h.logger.Info("image generated", "provider", h.name, "bytes", len(raw), "latency", time.Since(start))
	return raw, nil
}
