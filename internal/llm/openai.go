package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

type OpenAIConfig struct {
	// Name labels upstream errors, e.g. "OpenRouter 429: ...".
	Name       string
	EnvVar     string
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// OpenAIProvider talks to any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	name    string
	envVar  string
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	client := cfg.HTTPClient
	if client == nil {
		// No overall timeout: streamed briefs can outlive any fixed budget.
		client = &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 60 * time.Second}}
	}
	return &OpenAIProvider{
		name:    defaultIfEmpty(cfg.Name, "OpenAI"),
		envVar:  defaultIfEmpty(cfg.EnvVar, "OPENAI_API_KEY"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := p.do(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", eris.Wrap(err, "openai: decode response")
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request, emit func(Chunk) error) error {
	resp, err := p.do(ctx, req, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		var event struct {
			Choices []struct {
				Delta struct {
					Content          string `json:"content"`
					ReasoningContent string `json:"reasoning_content"`
					Reasoning        string `json:"reasoning"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		for _, choice := range event.Choices {
			delta := choice.Delta
			var chunk Chunk
			switch {
			case delta.Content != "":
				chunk = Chunk{Text: delta.Content}
			case delta.ReasoningContent != "" || delta.Reasoning != "":
				chunk = Chunk{Thought: true}
			default:
				continue
			}
			if err := emit(chunk); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return eris.Wrap(err, "openai: read stream")
	}
	return nil
}

func (p *OpenAIProvider) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	if p.apiKey == "" {
		return nil, ErrMissingCredential{Provider: p.name, EnvVar: p.envVar}
	}
	if p.model == "" {
		return nil, eris.New("openai: missing model for remote provider")
	}

	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	payload := map[string]any{
		"model":    p.model,
		"messages": messages,
		"stream":   stream,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxOutputTokens > 0 {
		payload["max_tokens"] = req.MaxOutputTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "openai: encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "openai: build request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrap(err, "openai: send request")
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &UpstreamError{Provider: p.name, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}
