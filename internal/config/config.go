package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/anvil-online/crm-intel/internal/secrets"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port                  string
	StoreDriver           string
	PostgresURL           string
	SQLitePath            string
	TemporalAddress       string
	TemporalTaskQueue     string
	LLMProvider           string
	LLMModel              string
	LLMBaseURL            string
	LLMTemperature        float32
	LLMMaxOutputTokens    int
	GeminiAPIKey          string
	GeminiAPIKeyEncrypted string
	OpenAIAPIKey          string
	OpenRouterAPIKey      string
	LLMSecretsKey         string
	FetchTimeout          time.Duration
	FetchMaxChars         int
	FetchUserAgent        string
	SectionsPath          string
	FirmContextPath       string
	LogLevel              string
	StaleSweepConcurrency int
}

func Load() Config {
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	return Config{
		Port:                  getEnv("PORT", "8080"),
		StoreDriver:           strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		PostgresURL:           postgresURL,
		SQLitePath:            getEnv("SQLITE_PATH", "data/intel.db"),
		TemporalAddress:       getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue:     getEnv("TEMPORAL_TASK_QUEUE", "intel-refresh"),
		LLMProvider:           strings.ToLower(getEnv("LLM_PROVIDER", "gemini")),
		LLMModel:              getEnv("LLM_MODEL", ""),
		LLMBaseURL:            getEnv("LLM_BASE_URL", ""),
		LLMTemperature:        float32(getEnvFloat("LLM_TEMPERATURE", 0.7)),
		LLMMaxOutputTokens:    getEnvInt("LLM_MAX_OUTPUT_TOKENS", 4096),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		GeminiAPIKeyEncrypted: getEnv("GEMINI_API_KEY_ENC", ""),
		OpenAIAPIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenRouterAPIKey:      getEnv("OPENROUTER_API_KEY", ""),
		LLMSecretsKey:         getEnv(secrets.KeyEnvVar, ""),
		FetchTimeout:          getEnvDuration("FETCH_TIMEOUT", 10*time.Second),
		FetchMaxChars:         getEnvInt("FETCH_MAX_CHARS", 12000),
		FetchUserAgent:        getEnv("FETCH_USER_AGENT", ""),
		SectionsPath:          getEnv("SECTIONS_PATH", ""),
		FirmContextPath:       getEnv("FIRM_CONTEXT_PATH", ""),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		StaleSweepConcurrency: getEnvInt("STALE_SWEEP_CONCURRENCY", 4),
	}
}

// Validate rejects settings no component can start with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverSQLite, StoreDriverMemory:
	default:
		return eris.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.FetchTimeout <= 0 {
		return eris.New("config: FETCH_TIMEOUT must be positive")
	}
	if c.FetchMaxChars <= 0 {
		return eris.New("config: FETCH_MAX_CHARS must be positive")
	}
	if c.LLMMaxOutputTokens <= 0 {
		return eris.New("config: LLM_MAX_OUTPUT_TOKENS must be positive")
	}
	return nil
}

// ResolveGeminiKey returns the plain Gemini key, opening GEMINI_API_KEY_ENC
// with LLM_SECRETS_KEY when no plain key is set.
func (c Config) ResolveGeminiKey() (string, error) {
	key, err := secrets.ResolveCredential(c.GeminiAPIKey, c.GeminiAPIKeyEncrypted, c.LLMSecretsKey)
	if err != nil {
		return "", eris.Wrap(err, "config: GEMINI_API_KEY_ENC")
	}
	return key, nil
}

// HasLLMCredential reports whether the selected provider has a key
// available without contacting it.
func (c Config) HasLLMCredential() bool {
	switch c.LLMProvider {
	case "openai":
		return c.OpenAIAPIKey != ""
	case "openrouter":
		return c.OpenRouterAPIKey != ""
	default:
		return c.GeminiAPIKey != "" || c.GeminiAPIKeyEncrypted != ""
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 32)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "intel")
	password := getEnv("POSTGRES_PASSWORD", "intel")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "intel")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
