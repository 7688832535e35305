package llm

import (
	"context"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-pro"

type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// APIVersion defaults to v1beta, which carries thought parts.
	APIVersion string
	HTTPClient *http.Client
}

type GeminiProvider struct {
	model  string
	client *genai.Client
}

// NewGeminiProvider builds a provider over the Gemini API. Without an API key
// the provider is still returned; every call then fails with
// ErrMissingCredential so the condition can be reported per request.
func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	provider := &GeminiProvider{model: defaultIfEmpty(cfg.Model, DefaultGeminiModel)}
	if cfg.APIKey == "" {
		return provider, nil
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    cfg.BaseURL,
			APIVersion: defaultIfEmpty(cfg.APIVersion, "v1beta"),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	provider.client = client
	return provider, nil
}

func (p *GeminiProvider) Generate(ctx context.Context, req Request) (string, error) {
	if p.client == nil {
		return "", p.missingCredential()
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, geminiContents(req.Messages), geminiConfig(req))
	if err != nil {
		return "", upstreamError(ctx, err)
	}
	var text string
	for _, chunk := range responseChunks(resp) {
		if !chunk.Thought {
			text += chunk.Text
		}
	}
	return text, nil
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request, emit func(Chunk) error) error {
	if p.client == nil {
		return p.missingCredential()
	}
	for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, geminiContents(req.Messages), geminiConfig(req)) {
		if err != nil {
			return upstreamError(ctx, err)
		}
		for _, chunk := range responseChunks(resp) {
			if err := emit(chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *GeminiProvider) missingCredential() error {
	return ErrMissingCredential{Provider: "Gemini", EnvVar: "GEMINI_API_KEY"}
}

// geminiContents maps the assistant role onto Gemini's "model" role and
// forwards content verbatim in order.
func geminiContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := string(genai.RoleUser)
		if msg.Role == RoleAssistant {
			role = string(genai.RoleModel)
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return contents
}

func geminiConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.MaxOutputTokens
	}
	return cfg
}

func responseChunks(resp *genai.GenerateContentResponse) []Chunk {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var chunks []Chunk
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part == nil:
		case part.Thought:
			chunks = append(chunks, Chunk{Thought: true})
		case part.Text != "":
			chunks = append(chunks, Chunk{Text: part.Text})
		}
	}
	return chunks
}

func upstreamError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{Provider: "Gemini", Status: apiErr.Code, Body: apiErr.Message}
	}
	return eris.Wrap(err, "gemini: generate content")
}
