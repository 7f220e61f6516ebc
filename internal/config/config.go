// Package config loads gateway configuration from environment variables.
// The key set is closed; unknown keys are ignored.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds every tunable of the orchestration core.
type Config struct {
	// HTTP
	ListenAddr string

	// Rate limiting (per user, sliding window)
	BlockedRateLimit  int
	GlobalRateLimit   int
	RateLimitWindow   time.Duration

	// Circuit breakers
	CBFailureThreshold int
	CBRecoveryTimeout  time.Duration
	CBSuccessThreshold int

	// Pipeline switches
	EnableWebSearch           bool
	EnableKnowledgePreflight  bool
	EnableAdaptiveThresholds  bool
	EnableCoRetrievalTracking bool
	PreflightStrict           bool

	// Retrieval
	PassthroughThreshold float64
	MaxContextChars      int

	// Memory tiers
	RawTTL       time.Duration
	EnrichedTTL  time.Duration
	KnowledgeTTL time.Duration // 0 = no expiry

	// Storage
	DataDir string

	// Logging
	LogLevel  string
	LogFormat string

	// Agents
	DefaultAgent   string
	FallbackAgents []string
	OllamaURL      string
	OllamaModel    string
	OpenAIBaseURL  string
	OpenAIAPIKey   string
	OpenAIModel    string
	OpenAICostPerM float64

	// Prompting
	SystemPrompt  string
	PromptVersion string

	// Web search
	WebSearchURL string
}

// Default returns the configuration used when no environment overrides exist.
func Default() Config {
	return Config{
		ListenAddr:                ":7655",
		BlockedRateLimit:          5,
		GlobalRateLimit:           100,
		RateLimitWindow:           60 * time.Second,
		CBFailureThreshold:        5,
		CBRecoveryTimeout:         30 * time.Second,
		CBSuccessThreshold:        2,
		EnableWebSearch:           true,
		EnableKnowledgePreflight:  true,
		EnableAdaptiveThresholds:  true,
		EnableCoRetrievalTracking: true,
		PassthroughThreshold:      0.55,
		MaxContextChars:           6000,
		RawTTL:                    7 * 24 * time.Hour,
		EnrichedTTL:               30 * 24 * time.Hour,
		KnowledgeTTL:              0,
		DataDir:                   "/var/lib/contextgate",
		LogLevel:                  "info",
		LogFormat:                 "auto",
		DefaultAgent:              "ollama",
		OllamaURL:                 "http://localhost:11434",
		OllamaModel:               "llama3.1:8b",
		OpenAIModel:               "gpt-4o-mini",
		OpenAICostPerM:            0.375,
		PromptVersion:             "v1",
		SystemPrompt:              "You are a helpful assistant. Use the retrieved context when it is relevant and say so when it is not.",
	}
}

// Load reads configuration from the environment on top of the defaults.
// Invalid values are logged and replaced by the default, never fatal.
func Load() Config {
	cfg := Default()

	cfg.ListenAddr = envString("CONTEXTGATE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = envString("CONTEXTGATE_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = envString("CONTEXTGATE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString("CONTEXTGATE_LOG_FORMAT", cfg.LogFormat)
	cfg.DefaultAgent = envString("CONTEXTGATE_DEFAULT_AGENT", cfg.DefaultAgent)

	if v := envString("CONTEXTGATE_FALLBACK_AGENTS", ""); v != "" {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.FallbackAgents = append(cfg.FallbackAgents, name)
			}
		}
	}

	cfg.BlockedRateLimit = envInt("CONTEXTGATE_BLOCKED_RATE_LIMIT", cfg.BlockedRateLimit, 1, 10000)
	cfg.GlobalRateLimit = envInt("CONTEXTGATE_GLOBAL_RATE_LIMIT", cfg.GlobalRateLimit, 1, 1000000)
	cfg.RateLimitWindow = envSeconds("CONTEXTGATE_RATE_LIMIT_WINDOW_SECONDS", cfg.RateLimitWindow)

	cfg.CBFailureThreshold = envInt("CONTEXTGATE_CB_FAILURE_THRESHOLD", cfg.CBFailureThreshold, 1, 1000)
	cfg.CBRecoveryTimeout = envSeconds("CONTEXTGATE_CB_RECOVERY_TIMEOUT_S", cfg.CBRecoveryTimeout)
	cfg.CBSuccessThreshold = envInt("CONTEXTGATE_CB_SUCCESS_THRESHOLD", cfg.CBSuccessThreshold, 1, 1000)

	cfg.EnableWebSearch = envBool("CONTEXTGATE_ENABLE_WEB_SEARCH", cfg.EnableWebSearch)
	cfg.EnableKnowledgePreflight = envBool("CONTEXTGATE_ENABLE_KNOWLEDGE_PREFLIGHT", cfg.EnableKnowledgePreflight)
	cfg.EnableAdaptiveThresholds = envBool("CONTEXTGATE_ENABLE_ADAPTIVE_THRESHOLDS", cfg.EnableAdaptiveThresholds)
	cfg.EnableCoRetrievalTracking = envBool("CONTEXTGATE_ENABLE_CORETRIEVAL_TRACKING", cfg.EnableCoRetrievalTracking)
	cfg.PreflightStrict = envBool("CONTEXTGATE_PREFLIGHT_STRICT", cfg.PreflightStrict)

	cfg.OllamaURL = envString("CONTEXTGATE_OLLAMA_URL", cfg.OllamaURL)
	cfg.OllamaModel = envString("CONTEXTGATE_OLLAMA_MODEL", cfg.OllamaModel)
	cfg.OpenAIBaseURL = envString("CONTEXTGATE_OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIAPIKey = envString("CONTEXTGATE_OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIModel = envString("CONTEXTGATE_OPENAI_MODEL", cfg.OpenAIModel)
	cfg.OpenAICostPerM = envFloat("CONTEXTGATE_OPENAI_COST_PER_MILLION", cfg.OpenAICostPerM, 0, 1000)

	cfg.SystemPrompt = envString("CONTEXTGATE_SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.PromptVersion = envString("CONTEXTGATE_PROMPT_VERSION", cfg.PromptVersion)
	cfg.WebSearchURL = envString("CONTEXTGATE_WEB_SEARCH_URL", cfg.WebSearchURL)

	cfg.PassthroughThreshold = envFloat("CONTEXTGATE_PASSTHROUGH_THRESHOLD", cfg.PassthroughThreshold, 0, 1)
	cfg.MaxContextChars = envInt("CONTEXTGATE_MAX_CONTEXT_CHARS", cfg.MaxContextChars, 500, 64000)

	cfg.RawTTL = envSeconds("CONTEXTGATE_RAW_TTL_SECONDS", cfg.RawTTL)
	cfg.EnrichedTTL = envSeconds("CONTEXTGATE_ENRICHED_TTL_SECONDS", cfg.EnrichedTTL)
	cfg.KnowledgeTTL = envSeconds("CONTEXTGATE_KNOWLEDGE_TTL_SECONDS", cfg.KnowledgeTTL)

	return cfg
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback, min, max int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		log.Warn().Str("key", key).Str("value", v).Int("default", fallback).
			Msg("Invalid integer config value, using default")
		return fallback
	}
	return n
}

func envFloat(key string, fallback, min, max float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < min || f > max {
		log.Warn().Str("key", key).Str("value", v).Float64("default", fallback).
			Msg("Invalid float config value, using default")
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		log.Warn().Str("key", key).Str("value", v).Bool("default", fallback).
			Msg("Invalid boolean config value, using default")
		return fallback
	}
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Warn().Str("key", key).Str("value", v).Dur("default", fallback).
			Msg("Invalid seconds config value, using default")
		return fallback
	}
	return time.Duration(n) * time.Second
}
