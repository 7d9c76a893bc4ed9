package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendGemini = "gemini"
	BackendOpenAI = "openai"
	BackendEcho   = "echo"

	TokenizerEstimate = "estimate"
	TokenizerTiktoken = "tiktoken"
)

type Config struct {
	HTTPPort    string
	DatabaseURL string
	LogLevel    string

	LLMBackend     string
	GeminiAPIKey   string
	GeminiModel    string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string
	LLMTemperature float32

	Tokenizer        string
	TiktokenEncoding string
	MaxInputTokens   int
	SafetyMargin     float64

	BackendTimeout    time.Duration
	BackendMaxRetries int
	BackendRateLimit  float64

	CORSAllowedOrigins []string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}

	cfg := &Config{
		HTTPPort:    getEnv("HTTP_PORT", "58000"),
		DatabaseURL: getEnv("DATABASE_URL", "assistant.db"),
		LogLevel:    strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),

		LLMBackend:    strings.ToLower(getEnv("LLM_BACKEND", BackendEcho)),
		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4-0613"),

		Tokenizer:        strings.ToLower(getEnv("TOKENIZER", TokenizerEstimate)),
		TiktokenEncoding: getEnv("TIKTOKEN_ENCODING", "cl100k_base"),

		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}

	var err error
	if cfg.MaxInputTokens, err = getEnvAsInt("MAX_INPUT_TOKENS", 8192); err != nil {
		return nil, err
	}
	if cfg.BackendMaxRetries, err = getEnvAsInt("BACKEND_MAX_RETRIES", 2); err != nil {
		return nil, err
	}
	if cfg.SafetyMargin, err = getEnvAsFloat("TOKEN_SAFETY_MARGIN", 0.1); err != nil {
		return nil, err
	}
	if cfg.BackendRateLimit, err = getEnvAsFloat("BACKEND_RATE_LIMIT", 0); err != nil {
		return nil, err
	}
	temperature, err := getEnvAsFloat("LLM_TEMPERATURE", 0)
	if err != nil {
		return nil, err
	}
	cfg.LLMTemperature = float32(temperature)
	if cfg.BackendTimeout, err = getEnvAsDuration("BACKEND_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LLMBackend {
	case BackendGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("config: GEMINI_API_KEY is required for the gemini backend")
		}
	case BackendOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("config: OPENAI_API_KEY is required for the openai backend")
		}
	case BackendEcho:
	default:
		return fmt.Errorf("config: unknown LLM_BACKEND %q", c.LLMBackend)
	}

	switch c.Tokenizer {
	case TokenizerEstimate, TokenizerTiktoken:
	default:
		return fmt.Errorf("config: unknown TOKENIZER %q", c.Tokenizer)
	}

	if c.MaxInputTokens <= 0 {
		return fmt.Errorf("config: MAX_INPUT_TOKENS must be positive, got %d", c.MaxInputTokens)
	}
	if c.SafetyMargin < 0 || c.SafetyMargin >= 1 {
		return fmt.Errorf("config: TOKEN_SAFETY_MARGIN must be in [0, 1), got %v", c.SafetyMargin)
	}
	if c.BackendMaxRetries < 0 {
		return fmt.Errorf("config: BACKEND_MAX_RETRIES must not be negative, got %d", c.BackendMaxRetries)
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("config: BACKEND_TIMEOUT must be positive, got %s", c.BackendTimeout)
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnv returns defaultValue when key is unset or set to the empty string,
// so `KEY=` lines in a .env file fall back to the default.
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return value, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
