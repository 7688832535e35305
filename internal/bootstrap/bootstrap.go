// Package bootstrap builds the components both binaries share from Config.
package bootstrap

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/anvil-online/crm-intel/internal/brief"
	"github.com/anvil-online/crm-intel/internal/config"
	"github.com/anvil-online/crm-intel/internal/extract"
	"github.com/anvil-online/crm-intel/internal/firm"
	"github.com/anvil-online/crm-intel/internal/llm"
	"github.com/anvil-online/crm-intel/internal/store"
	"github.com/anvil-online/crm-intel/internal/store/memory"
	"github.com/anvil-online/crm-intel/internal/store/postgres"
	"github.com/anvil-online/crm-intel/internal/store/sqlite"
)

// ClosableStore is a store that owns a connection.
type ClosableStore interface {
	store.Store
	Close() error
}

var (
	openPostgres = func(conn string) (ClosableStore, error) {
		st, err := postgres.New(conn)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	openSQLite = func(path string) (ClosableStore, error) {
		st, err := sqlite.New(path)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	newProvider = llm.NewProvider
	loadFirm    = firm.Load
)

func NewLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, eris.Wrapf(err, "bootstrap: LOG_LEVEL %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}

type memoryStore struct {
	*memory.MemoryStore
}

func (memoryStore) Close() error { return nil }

func OpenStore(cfg config.Config) (ClosableStore, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite:
		return openSQLite(cfg.SQLitePath)
	case config.StoreDriverMemory:
		return memoryStore{memory.New()}, nil
	case config.StoreDriverPostgres:
		return openPostgres(cfg.PostgresURL)
	default:
		return nil, eris.Errorf("bootstrap: unknown store driver %q", cfg.StoreDriver)
	}
}

// NewBriefService wires the configured provider, the website extractor and
// the firm framing text. A missing API key is not an error here; each
// request then reports it.
func NewBriefService(cfg config.Config, logger *zap.Logger) (*brief.Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	geminiKey, err := cfg.ResolveGeminiKey()
	if err != nil {
		return nil, err
	}
	provider, err := newProvider(llm.Config{
		Provider:         cfg.LLMProvider,
		Model:            cfg.LLMModel,
		BaseURL:          cfg.LLMBaseURL,
		GeminiAPIKey:     geminiKey,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenRouterAPIKey: cfg.OpenRouterAPIKey,
	})
	if err != nil {
		return nil, err
	}
	firmContext, err := loadFirm(cfg.FirmContextPath)
	if err != nil {
		return nil, eris.Wrapf(err, "bootstrap: firm context %s", cfg.FirmContextPath)
	}
	fetcher := extract.New(extract.Config{
		Timeout:   cfg.FetchTimeout,
		UserAgent: cfg.FetchUserAgent,
		MaxChars:  cfg.FetchMaxChars,
		Logger:    logger.Named("extract"),
	})
	return brief.NewService(brief.Config{
		Provider:        provider,
		Fetcher:         fetcher,
		FirmContext:     firmContext,
		Temperature:     cfg.LLMTemperature,
		MaxOutputTokens: int32(cfg.LLMMaxOutputTokens),
		Logger:          logger.Named("brief"),
	}), nil
}
