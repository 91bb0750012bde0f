package domain

import "context"

// Capability tags what a configured provider is used for.
type Capability string

const (
	CapabilityChat                Capability = "chat"
	CapabilityImageClassification Capability = "image-classification"
	CapabilityTranscription       Capability = "transcription"
	CapabilityImageGeneration     Capability = "image-generation"
)

// ChatProvider is implemented by every answer-generation backend.
type ChatProvider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Healthy(ctx context.Context) error
}

// ImageClassifier ranks labels for a binary image.
type ImageClassifier interface {
	Name() string
	Classify(ctx context.Context, image []byte) ([]Label, error)
}

// Transcriber turns binary audio into text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// ImageGenerator renders an image from a text prompt.
type ImageGenerator interface {
	Name() string
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// ChatRequest is the provider-neutral request shape. Providers without a
// structured turn format flatten it into a single prompt.
type ChatRequest struct {
	System      string
	History     []Message
	Input       string
	Model       string
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Content      string
	Provider     string // name of the provider that answered
	FinishReason string
	Usage        Usage
	LatencyMs    int64
}

type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Label is one ranked result of an image classification.
type Label struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}
