package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/05kashyap/intellicare/internal/call"
	"github.com/05kashyap/intellicare/internal/escalation"
	"github.com/05kashyap/intellicare/internal/health"
	"github.com/05kashyap/intellicare/internal/media"
	"github.com/05kashyap/intellicare/internal/monitor"
	"github.com/05kashyap/intellicare/internal/pipeline"
	"github.com/05kashyap/intellicare/internal/prompts"
	"github.com/05kashyap/intellicare/internal/store"
	"github.com/05kashyap/intellicare/internal/telephony"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mediaStore, err := media.NewStore(cfg.MediaDir, cfg.PublicBaseURL+"/media")
	if err != nil {
		slog.Error("media store init failed", "error", err)
		os.Exit(1)
	}

	transcriber := pipeline.NewSarvamASRClient(cfg.STTURL, cfg.SarvamAPIKey, cfg.STTModel, cfg.PoolSize)
	synthesizer := pipeline.NewSarvamTTSClient(cfg.TTSURL, cfg.SarvamAPIKey, cfg.TTSModel, cfg.TTSSpeaker, mediaStore, cfg.PoolSize)
	guard := pipeline.NewGuardClient(cfg.GuardURL, cfg.GuardThreshold, cfg.PoolSize)
	translator := pipeline.NewTranslateClient(cfg.TranslateURL, cfg.SarvamAPIKey, cfg.PoolSize)
	risk := pipeline.NewTopicRiskClient(cfg.RiskURL, translator, cfg.PoolSize)

	responders := map[string]pipeline.Responder{
		"ollama": pipeline.NewOllamaResponder(cfg.OllamaURL, cfg.OllamaModel, cfg.MaxTokens, cfg.PoolSize),
	}
	if cfg.OpenAIAPIKey != "" {
		responders["openai"] = pipeline.NewOpenAIResponder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.MaxTokens)
	}
	if cfg.GeminiAPIKey != "" {
		gemini, err := pipeline.NewGeminiResponder(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.MaxTokens)
		if err != nil {
			slog.Error("gemini client init failed", "error", err)
			os.Exit(1)
		}
		responders["gemini"] = gemini
	}
	responder := pipeline.NewResponderRouter(responders, cfg.Engine)

	var memory *pipeline.MemoryStore
	if cfg.QdrantURL != "" {
		qdrant := pipeline.NewQdrantClient(cfg.QdrantURL, cfg.PoolSize)
		if err := qdrant.EnsureCollection(ctx, cfg.MemoryCollection, cfg.VectorSize); err != nil {
			slog.Warn("qdrant unavailable, caller memory disabled", "error", err)
		} else {
			memory = pipeline.NewMemoryStore(pipeline.MemoryConfig{
				Embedder:       pipeline.NewEmbeddingClient(cfg.EmbedURL, cfg.EmbedModel, cfg.PoolSize),
				Qdrant:         qdrant,
				Collection:     cfg.MemoryCollection,
				TopK:           cfg.MemoryTopK,
				ScoreThreshold: cfg.MemoryThreshold,
			})
		}
	}

	fallbackLoc, closingLoc := prerenderAudio(ctx, synthesizer, cfg.PublicBaseURL)

	orchestrator := pipeline.New(pipeline.Config{
		Transcriber:     transcriber,
		Guard:           guard,
		Risk:            risk,
		Responder:       responder,
		Synthesizer:     synthesizer,
		Memory:          memory,
		Engine:          cfg.Engine,
		SystemPrompt:    prompts.ForCall(cfg.SystemPrompt),
		MaxAttempts:     cfg.MaxAttempts,
		HistoryWindow:   cfg.HistoryWindow,
		StageTimeout:    cfg.StageTimeout,
		FallbackLocator: fallbackLoc,
		ClosingLocator:  closingLoc,
	})

	carrier := telephony.NewRESTClient(cfg.CarrierBaseURL, cfg.CarrierAccountSID, cfg.CarrierAuthToken)

	var notifier escalation.Notifier
	{
		var channels []escalation.Notifier
		if len(cfg.EmergencyContacts) > 0 {
			channels = append(channels, escalation.NewVoiceAlert(carrier, cfg.CarrierFrom, cfg.EmergencyContacts))
		}
		if cfg.AlertWebhookURL != "" {
			channels = append(channels, escalation.NewWebhook(cfg.AlertWebhookURL))
		}
		if len(channels) > 0 {
			notifier = escalation.NewFanout(channels...)
		}
	}

	var db *store.Store
	var writer *store.Writer
	if cfg.DatabaseURL != "" {
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database init failed", "error", err)
			os.Exit(1)
		}
		writer = store.NewWriter(db)
		defer db.Close()
	} else {
		slog.Warn("DATABASE_URL not set, call persistence disabled")
	}

	prober := health.NewProber(health.NewRegistry(map[string]health.ServiceMeta{
		"guardrail": {Category: "guard", HealthURL: cfg.GuardURL + "/health"},
		"risk":      {Category: "risk", HealthURL: cfg.RiskURL + "/health"},
		"ollama":    {Category: "llm", HealthURL: cfg.OllamaURL},
		"qdrant":    {Category: "memory", HealthURL: qdrantHealthURL(cfg.QdrantURL)},
	}))

	registry := call.NewRegistry(cfg.IdleTimeout)
	go registry.Reap(ctx, time.Minute)

	hub := monitor.NewHub()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: newServer(cfg, serverDeps{
			registry:     registry,
			orchestrator: orchestrator,
			carrier:      carrier,
			hub:          hub,
			notifier:     notifier,
			writer:       writer,
			db:           db,
			prober:       prober,
			mediaDir:     mediaStore.Dir(),
		}).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		slog.Info("shutting down")
		cancel()
		shctx, shcancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shcancel()
		srv.Shutdown(shctx)
		writer.Close()
	}()

	slog.Info("hotline listening", "addr", cfg.Addr, "engine", cfg.Engine)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// prerenderAudio synthesizes the fallback and closing lines once at startup
// so they can be played instantly when a turn fails. If synthesis is down we
// fall back to static locators that deployments bundle under the media dir.
func prerenderAudio(ctx context.Context, tts pipeline.Synthesizer, baseURL string) (fallback, closing string) {
	fallback = baseURL + "/media/fallback.wav"
	closing = baseURL + "/media/closing.wav"

	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if loc, err := tts.Synthesize(sctx, prompts.FallbackScript, "en-IN"); err == nil {
		fallback = loc
	} else {
		slog.Warn("prerender fallback audio failed, using bundled file", "error", err)
	}
	if loc, err := tts.Synthesize(sctx, prompts.ClosingScript, "en-IN"); err == nil {
		closing = loc
	} else {
		slog.Warn("prerender closing audio failed, using bundled file", "error", err)
	}
	return fallback, closing
}

func qdrantHealthURL(base string) string {
	if base == "" {
		return ""
	}
	return base + "/healthz"
}
