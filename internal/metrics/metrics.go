package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hotline_calls_active",
		Help: "Currently active calls",
	})

	CallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hotline_calls_total",
		Help: "Total calls handled",
	})

	CallsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hotline_calls_terminated_total",
		Help: "Terminated calls by reason",
	}, []string{"reason"})

	ChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hotline_chunks_total",
		Help: "Recording chunks received",
	})

	ChunksDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hotline_chunks_discarded_total",
		Help: "Chunks discarded before pipeline (empty or undecodable)",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hotline_stage_duration_seconds",
		Help:    "Per-stage pipeline latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hotline_turn_duration_seconds",
		Help:    "End-to-end latency from chunk receipt to reply audio",
		Buckets: []float64{0.2, 0.5, 1.0, 1.5, 2.0, 3.0, 5.0, 8.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hotline_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	GuardrailRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hotline_guardrail_rejections_total",
		Help: "Guardrail rejections by mode (input/output)",
	}, []string{"mode"})

	Regenerations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hotline_regenerations_total",
		Help: "Reply regenerations forced by the output guardrail",
	})

	RegenerationExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hotline_regeneration_exhausted_total",
		Help: "Turns where the regeneration bound was reached",
	})

	FallbacksPlayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hotline_fallbacks_played_total",
		Help: "Fallback audio plays by cause",
	}, []string{"cause"})

	RiskScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hotline_risk_score",
		Help:    "Risk score per assessed turn",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	Escalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hotline_escalations_total",
		Help: "Risk escalations fired",
	})

	MemoryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hotline_memory_duration_seconds",
		Help:    "Memory retrieval latency (embed + search)",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5},
	})

	EmbeddingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hotline_embedding_duration_seconds",
		Help:    "Embedding generation latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5},
	})
)
