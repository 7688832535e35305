package llm

import (
	"context"
	"net/http"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	System          string
	Messages        []Message
	Temperature     float32
	MaxOutputTokens int32
}

// Chunk is one increment of a streamed response. A chunk with Thought set
// marks an upstream reasoning step and carries no text.
type Chunk struct {
	Text    string
	Thought bool
}

type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
	// Stream calls emit for every chunk in arrival order. An error returned
	// by emit aborts the stream and is returned unchanged.
	Stream(ctx context.Context, req Request, emit func(Chunk) error) error
}

type Config struct {
	Provider         string
	Model            string
	BaseURL          string
	GeminiAPIKey     string
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	HTTPClient       *http.Client
}

func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "gemini":
		return NewGeminiProvider(GeminiConfig{
			APIKey:     cfg.GeminiAPIKey,
			Model:      defaultIfEmpty(cfg.Model, DefaultGeminiModel),
			BaseURL:    cfg.BaseURL,
			HTTPClient: cfg.HTTPClient,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			Name:       "OpenAI",
			EnvVar:     "OPENAI_API_KEY",
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			HTTPClient: cfg.HTTPClient,
		}), nil
	case "openrouter":
		return NewOpenAIProvider(OpenAIConfig{
			Name:       "OpenRouter",
			EnvVar:     "OPENROUTER_API_KEY",
			APIKey:     cfg.OpenRouterAPIKey,
			Model:      cfg.Model,
			BaseURL:    defaultIfEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
			HTTPClient: cfg.HTTPClient,
		}), nil
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.Provider}
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
