package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/05kashyap/intellicare/internal/metrics"
)

// MemoryStore keeps per-caller conversation memory as embeddings in Qdrant.
// Retrieval feeds the generation context; appends are fire-and-forget.
type MemoryStore struct {
	embedder       *EmbeddingClient
	qdrant         *QdrantClient
	collection     string
	topK           int
	scoreThreshold float64
}

// MemoryConfig holds configuration for the memory store.
type MemoryConfig struct {
	Embedder       *EmbeddingClient
	Qdrant         *QdrantClient
	Collection     string
	TopK           int
	ScoreThreshold float64
}

// NewMemoryStore creates a caller-memory store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	return &MemoryStore{
		embedder:       cfg.Embedder,
		qdrant:         cfg.Qdrant,
		collection:     cfg.Collection,
		topK:           cfg.TopK,
		scoreThreshold: cfg.ScoreThreshold,
	}
}

// Retrieve embeds the query and returns the top-K relevant prior turns for
// this caller session, formatted for a system message. Empty string when
// nothing relevant is stored.
func (m *MemoryStore) Retrieve(ctx context.Context, sessionID, query string) (string, error) {
	start := time.Now()

	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	results, err := m.qdrant.SearchSession(ctx, m.collection, sessionID, vector, m.topK, m.scoreThreshold)
	if err != nil {
		return "", fmt.Errorf("memory search: %w", err)
	}

	metrics.MemoryDuration.Observe(time.Since(start).Seconds())

	if len(results) == 0 {
		return "", nil
	}

	parts := make([]string, 0, len(results))
	for _, r := range results {
		caller, _ := r.Payload["caller"].(string)
		agent, _ := r.Payload["agent"].(string)
		parts = append(parts, "Caller: "+caller+"\nAgent: "+agent)
	}
	return strings.Join(parts, "\n---\n"), nil
}

// AppendAsync embeds and stores a realized turn in a background goroutine.
// Errors are logged, not propagated; a memory write must never delay or roll
// back a delivered reply.
func (m *MemoryStore) AppendAsync(sessionID, callerText, agentText string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		combined := "Caller: " + callerText + "\nAgent: " + agentText
		vector, err := m.embedder.Embed(ctx, combined)
		if err != nil {
			slog.Error("memory embed", "error", err)
			return
		}

		point := QdrantPoint{
			ID:     uuid.NewString(),
			Vector: vector,
			Payload: map[string]any{
				"session_id": sessionID,
				"caller":     callerText,
				"agent":      agentText,
				"timestamp":  time.Now().UTC().Format(time.RFC3339),
			},
		}

		if err := m.qdrant.Upsert(ctx, m.collection, []QdrantPoint{point}); err != nil {
			slog.Error("memory upsert", "error", err)
		}
	}()
}
