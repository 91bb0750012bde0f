package provider

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
)

// WhisperConfig configures an OpenAI-compatible transcription endpoint
// (Groq, OpenAI, a local whisper server).
type WhisperConfig struct {
	Name       string
	APIBase    string // e.g. "https://api.groq.com/openai/v1"
	APIKey     string
	Model      string // e.g. "whisper-large-v3"
	Language   string // optional ISO-639-1 hint
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Whisper implements domain.Transcriber with the multipart
// /audio/transcriptions API.
type Whisper struct {
	name     string
	apiBase  string
	apiKey   string
	model    string
	language string
	client   *http.Client
	logger   *slog.Logger
}

func NewWhisper(cfg WhisperConfig) *Whisper {
	if cfg.Name == "" {
		cfg.Name = "whisper"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.groq.com/openai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-large-v3"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(defaultHTTPTimeout)
	}
	return &Whisper{
		name:     cfg.Name,
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

func (w *Whisper) Name() string { return w.name }

type whisperResult struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcribe uploads audio (voice notes are OGG/Opus) and returns the text.
func (w *Whisper) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.ogg")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	_ = writer.WriteField("model", w.model)
	_ = writer.WriteField("response_format", "json")
	if w.language != "" {
		_ = writer.WriteField("language", w.language)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiBase+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	raw, err := do(w.client, w.name, req)
	if err != nil {
		return "", err
	}
	var result whisperResult
	if err := decodeJSON(w.name, raw, &result); err != nil {
		return "", err
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", emptyErr(w.name)
	}

	w.logger.Info("transcription complete",
		"provider", w.name,
		"text_len", len(text),
		"language", result.Language,
		"duration", result.Duration,
	)
	return text, nil
}
