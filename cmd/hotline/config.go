package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/05kashyap/intellicare/internal/env"
)

// config is the full service configuration, sourced from the environment.
type config struct {
	Addr          string
	PublicBaseURL string
	MediaDir      string
	PoolSize      int

	SarvamAPIKey  string
	STTURL        string
	STTModel      string
	TTSURL        string
	TTSModel      string
	TTSSpeaker    string
	TranslateURL  string

	GuardURL       string
	GuardThreshold float64
	RiskURL        string

	Engine        string
	SystemPrompt  string
	MaxTokens     int
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	GeminiAPIKey  string
	GeminiModel   string
	OllamaURL     string
	OllamaModel   string

	QdrantURL        string
	MemoryCollection string
	MemoryTopK       int
	MemoryThreshold  float64
	EmbedURL         string
	EmbedModel       string
	VectorSize       int

	CarrierBaseURL    string
	CarrierAccountSID string
	CarrierAuthToken  string
	CarrierFrom       string

	RiskThreshold     float64
	EmergencyContacts []string
	AlertWebhookURL   string

	ChunkMaxDuration time.Duration
	SilenceTimeout   time.Duration
	StageTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxAttempts      int
	HistoryWindow    int

	DatabaseURL string
}

// loadConfig reads the environment and validates required credentials.
func loadConfig() (*config, error) {
	cfg := &config{
		Addr:          env.Str("LISTEN_ADDR", ":8080"),
		PublicBaseURL: env.Str("PUBLIC_BASE_URL", "http://localhost:8080"),
		MediaDir:      env.Str("MEDIA_DIR", "./media"),
		PoolSize:      env.Int("HTTP_POOL_SIZE", 32),

		SarvamAPIKey: env.Str("SARVAM_API_KEY", ""),
		STTURL:       env.Str("STT_URL", "https://api.sarvam.ai"),
		STTModel:     env.Str("STT_MODEL", "saarika:v2"),
		TTSURL:       env.Str("TTS_URL", "https://api.sarvam.ai"),
		TTSModel:     env.Str("TTS_MODEL", "bulbul:v1"),
		TTSSpeaker:   env.Str("TTS_SPEAKER", "meera"),
		TranslateURL: env.Str("TRANSLATE_URL", "https://api.sarvam.ai"),

		GuardURL:       env.Str("GUARD_URL", "http://localhost:8001"),
		GuardThreshold: env.Float("GUARD_THRESHOLD", 0.5),
		RiskURL:        env.Str("RISK_URL", "http://localhost:8002"),

		Engine:        env.Str("LLM_ENGINE", "ollama"),
		SystemPrompt:  env.Str("SYSTEM_PROMPT", ""),
		MaxTokens:     env.Int("LLM_MAX_TOKENS", 256),
		OpenAIAPIKey:  env.Str("OPENAI_API_KEY", ""),
		OpenAIBaseURL: env.Str("OPENAI_BASE_URL", ""),
		OpenAIModel:   env.Str("OPENAI_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:  env.Str("GEMINI_API_KEY", ""),
		GeminiModel:   env.Str("GEMINI_MODEL", "gemini-2.0-flash"),
		OllamaURL:     env.Str("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:   env.Str("OLLAMA_MODEL", "llama3.1:8b"),

		QdrantURL:        env.Str("QDRANT_URL", ""),
		MemoryCollection: env.Str("MEMORY_COLLECTION", "caller_memory"),
		MemoryTopK:       env.Int("MEMORY_TOP_K", 4),
		MemoryThreshold:  env.Float("MEMORY_SCORE_THRESHOLD", 0.55),
		EmbedURL:         env.Str("EMBED_URL", "http://localhost:11434"),
		EmbedModel:       env.Str("EMBED_MODEL", "nomic-embed-text"),
		VectorSize:       env.Int("EMBED_VECTOR_SIZE", 768),

		CarrierBaseURL:    env.Str("CARRIER_API_URL", "https://api.twilio.com/2010-04-01"),
		CarrierAccountSID: env.Str("CARRIER_ACCOUNT_SID", ""),
		CarrierAuthToken:  env.Str("CARRIER_AUTH_TOKEN", ""),
		CarrierFrom:       env.Str("CARRIER_FROM_NUMBER", ""),

		RiskThreshold:   env.Float("RISK_THRESHOLD", 0.8),
		AlertWebhookURL: env.Str("ALERT_WEBHOOK_URL", ""),

		ChunkMaxDuration: env.Dur("CHUNK_MAX_DURATION", 30*time.Second),
		SilenceTimeout:   env.Dur("SILENCE_TIMEOUT", 3*time.Second),
		StageTimeout:     env.Dur("STAGE_TIMEOUT", 20*time.Second),
		IdleTimeout:      env.Dur("IDLE_TIMEOUT", 5*time.Minute),
		MaxAttempts:      env.Int("GUARD_MAX_ATTEMPTS", 3),
		HistoryWindow:    env.Int("HISTORY_WINDOW", 12),

		DatabaseURL: env.Str("DATABASE_URL", ""),
	}

	if contacts := env.Str("EMERGENCY_CONTACTS", ""); contacts != "" {
		for _, c := range strings.Split(contacts, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.EmergencyContacts = append(cfg.EmergencyContacts, c)
			}
		}
	}

	if cfg.SarvamAPIKey == "" {
		return nil, fmt.Errorf("SARVAM_API_KEY is required")
	}
	if cfg.CarrierAccountSID == "" || cfg.CarrierAuthToken == "" {
		return nil, fmt.Errorf("CARRIER_ACCOUNT_SID and CARRIER_AUTH_TOKEN are required")
	}
	switch cfg.Engine {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when LLM_ENGINE=openai")
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when LLM_ENGINE=gemini")
		}
	case "ollama":
	default:
		return nil, fmt.Errorf("unknown LLM_ENGINE %q (want openai, gemini or ollama)", cfg.Engine)
	}
	if len(cfg.EmergencyContacts) > 0 && cfg.CarrierFrom == "" {
		return nil, fmt.Errorf("CARRIER_FROM_NUMBER is required when EMERGENCY_CONTACTS is set")
	}
	return cfg, nil
}
