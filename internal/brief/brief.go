// Package brief composes the prospect analysis prompt and relays the
// provider's answer either whole or as a normalised event stream.
package brief

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/anvil-online/crm-intel/internal/llm"
)

const (
	EventThinking = "thinking"
	EventText     = "text"
	EventDone     = "done"
	EventError    = "error"

	// NoResponse replaces an empty aggregated answer.
	NoResponse = "No response generated."

	DefaultTemperature     float32 = 0.7
	DefaultMaxOutputTokens int32   = 4096
)

// Request is the wire body accepted by the proxy.
type Request struct {
	Website     string        `json:"website"`
	CompanyName string        `json:"companyName"`
	ContactName string        `json:"contactName"`
	ContactRole string        `json:"contactRole"`
	Messages    []llm.Message `json:"messages"`
	Stream      bool          `json:"stream"`
}

// Event is one normalised stream frame.
type Event struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Fetcher interface {
	Extract(ctx context.Context, target string) string
}

type Config struct {
	Provider        llm.Provider
	Fetcher         Fetcher
	FirmContext     string
	Temperature     float32
	MaxOutputTokens int32
	Logger          *zap.Logger
}

type Service struct {
	provider    llm.Provider
	fetcher     Fetcher
	firm        string
	temperature float32
	maxTokens   int32
	logger      *zap.Logger
}

func NewService(cfg Config) *Service {
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		provider:    cfg.Provider,
		fetcher:     cfg.Fetcher,
		firm:        cfg.FirmContext,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxOutputTokens,
		logger:      cfg.Logger,
	}
}

// prepare builds the provider request. The website is scraped only for the
// initial turn; later turns already carry the brief in their history.
func (s *Service) prepare(ctx context.Context, req Request) llm.Request {
	var content string
	if s.fetcher != nil && strings.TrimSpace(req.Website) != "" && IsInitial(req.Messages) {
		content = s.fetcher.Extract(ctx, req.Website)
		s.logger.Debug("website extracted",
			zap.String("website", req.Website),
			zap.Int("chars", len(content)),
		)
	}
	messages := make([]llm.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := llm.RoleUser
		if msg.Role == llm.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: msg.Content})
	}
	return llm.Request{
		System:          SystemPrompt(s.firm, req, content),
		Messages:        messages,
		Temperature:     s.temperature,
		MaxOutputTokens: s.maxTokens,
	}
}

func (s *Service) Generate(ctx context.Context, req Request) (string, error) {
	text, err := s.provider.Generate(ctx, s.prepare(ctx, req))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return NoResponse, nil
	}
	return text, nil
}

// Stream relays the provider's output as thinking and text events followed
// by done. A failure before the first event is returned so the caller can
// answer with a plain error envelope; once events have flowed it is reported
// as a single error event and Stream returns nil. Errors from emit and
// context cancellation are returned unchanged.
func (s *Service) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	started := false
	var emitErr error
	err := s.provider.Stream(ctx, s.prepare(ctx, req), func(chunk llm.Chunk) error {
		event := Event{Type: EventThinking}
		if !chunk.Thought {
			if chunk.Text == "" {
				return nil
			}
			event = Event{Type: EventText, Text: chunk.Text}
		}
		started = true
		if err := emit(event); err != nil {
			emitErr = err
			return err
		}
		return nil
	})
	switch {
	case emitErr != nil:
		return emitErr
	case err == nil:
		return emit(Event{Type: EventDone})
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return err
	case !started:
		return err
	}
	s.logger.Warn("stream failed mid-flight", zap.Error(err))
	return emit(Event{Type: EventError, Text: err.Error()})
}
