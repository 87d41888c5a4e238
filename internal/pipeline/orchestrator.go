package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/05kashyap/intellicare/internal/metrics"
	"github.com/05kashyap/intellicare/internal/prompts"
)

// Fallback causes recorded on a TurnOutcome.
const (
	CauseInputGuard         = "input-guard"
	CauseProviderFailure    = "provider-failure"
	CauseGuardrailExhausted = "guardrail-exhausted"
	CauseSynthesis          = "synthesis"
)

// ChunkInput is one recorded chunk handed to the pipeline.
type ChunkInput struct {
	Seq      int
	Audio    []byte
	Duration time.Duration
}

// TurnOutcome is the result of running one chunk through the pipeline.
type TurnOutcome struct {
	Transcript string
	Language   string

	// NoInput is set when transcription failed or produced nothing usable;
	// the state machine just records again, nothing is played.
	NoInput bool

	InputSafe     bool
	InputCategory string

	Risk *RiskSignal // nil when risk scoring is disabled or failed

	ReplyText  string
	OutputSafe bool
	Attempts   int // generation attempts consumed (regenerations = Attempts-1)

	AudioLocator   string
	Fallback       bool
	FallbackCause  string
	GeneratorEnded bool
	EndCall        bool

	LatencyMs float64
}

// Config holds the orchestrator's collaborators and policy knobs.
type Config struct {
	Transcriber Transcriber
	Guard       SafetyClassifier
	Risk        RiskScorer   // optional
	Responder   *ResponderRouter
	Synthesizer Synthesizer  // optional; nil means synthesis is unavailable for this deployment
	Memory      *MemoryStore // optional

	Engine       string // generator engine name
	SystemPrompt string

	MaxAttempts   int           // output-guard bound, total generation attempts (default 3)
	HistoryWindow int           // max prior messages included in generation context (default 12)
	StageTimeout  time.Duration // per provider call (default 20s)
	RiskTimeout   time.Duration // risk scoring budget (default 10s)

	FallbackLocator string // pre-rendered "please go on" audio
	ClosingLocator  string // pre-rendered safe-disconnect audio
}

// Orchestrator sequences the per-chunk pipeline: transcribe, input guard,
// memory retrieval, generation, output guard with bounded regeneration,
// synthesis, memory update. Risk scoring runs alongside and never gates
// delivery.
type Orchestrator struct {
	cfg Config
}

// New creates an orchestrator, applying policy defaults.
func New(cfg Config) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 12
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 20 * time.Second
	}
	if cfg.RiskTimeout <= 0 {
		cfg.RiskTimeout = 10 * time.Second
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = prompts.DefaultSystem
	}
	return &Orchestrator{cfg: cfg}
}

// Process runs one chunk through the pipeline and returns the turn outcome.
// The returned error is non-nil only when ctx was cancelled (caller
// disconnect); every provider failure is absorbed into a fallback outcome so
// the caller is never met with silence.
func (o *Orchestrator) Process(ctx context.Context, sessionID string, chunk ChunkInput, history []Message) (*TurnOutcome, error) {
	start := time.Now()
	outcome := &TurnOutcome{InputSafe: true, Attempts: 0}
	defer func() {
		outcome.LatencyMs = float64(time.Since(start).Milliseconds())
		metrics.TurnDuration.Observe(time.Since(start).Seconds())
	}()

	// Stage 1: transcription. Failure or empty text short-circuits to
	// "no usable input" and the machine simply records again.
	var tr *Transcript
	err := o.withRetry(ctx, func(sctx context.Context) error {
		var terr error
		tr, terr = o.cfg.Transcriber.Transcribe(sctx, chunk.Audio)
		return terr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("transcription failed, discarding chunk", "seq", chunk.Seq, "error", err)
		outcome.NoInput = true
		return outcome, nil
	}

	outcome.Transcript = strings.TrimSpace(tr.Text)
	outcome.Language = tr.Language
	if outcome.Transcript == "" {
		outcome.NoInput = true
		return outcome, nil
	}

	// Risk scoring runs concurrently with the guard/generate phase; it is
	// observational and its failure never blocks the reply.
	riskCh := o.scoreRisk(ctx, outcome.Transcript)
	defer func() { outcome.Risk = o.awaitRisk(riskCh) }()

	// Stage 2: input guard. One policy check; rejected input is not engaged
	// with at all. A broken guard also means we cannot engage safely.
	verdict, err := o.checkGuard(ctx, outcome.Transcript, GuardInput)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("input guard unavailable", "error", err)
		o.fallback(outcome, CauseProviderFailure, false)
		return outcome, nil
	}
	if !verdict.Pass {
		metrics.GuardrailRejections.WithLabelValues("input").Inc()
		slog.Info("input rejected by guardrail", "category", verdict.Category, "score", verdict.Score)
		outcome.InputSafe = false
		outcome.InputCategory = verdict.Category
		o.fallback(outcome, CauseInputGuard, false)
		return outcome, nil
	}

	// Stage 3: memory retrieval, best-effort. History alone is enough.
	memoryCtx := o.retrieveMemory(ctx, sessionID, outcome.Transcript)

	// Stages 4+5: generate with bounded output-guard regeneration. The
	// transcript and retrieved context are reused across attempts; only the
	// candidate text changes.
	req := &GenRequest{
		System:   o.cfg.SystemPrompt,
		Memory:   memoryCtx,
		History:  windowHistory(history, o.cfg.HistoryWindow),
		UserText: outcome.Transcript,
	}

	reply, ok, err := o.generateSafe(ctx, req, outcome)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Error("generation failed", "error", err)
		o.fallback(outcome, CauseProviderFailure, false)
		return outcome, nil
	}
	if !ok {
		// Regeneration bound reached: never play an unverified reply.
		// Close the call safely instead.
		metrics.RegenerationExhausted.Inc()
		outcome.GeneratorEnded = reply != nil && reply.EndOfConversation
		o.closing(outcome, CauseGuardrailExhausted)
		return outcome, nil
	}

	outcome.ReplyText = reply.Text
	outcome.OutputSafe = true
	outcome.GeneratorEnded = reply.EndOfConversation
	outcome.EndCall = reply.EndOfConversation

	// Stage 7: synthesis. Failure degrades to fallback audio without
	// overriding the generator's end-call decision; a deployment with no
	// synthesizer at all cannot continue the conversation.
	if o.cfg.Synthesizer == nil {
		o.closing(outcome, CauseSynthesis)
		return outcome, nil
	}
	var locator string
	err = o.withRetry(ctx, func(sctx context.Context) error {
		var serr error
		locator, serr = o.cfg.Synthesizer.Synthesize(sctx, reply.Text, outcome.Language)
		return serr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Error("synthesis failed", "error", err)
		metrics.FallbacksPlayed.WithLabelValues(CauseSynthesis).Inc()
		outcome.Fallback = true
		outcome.FallbackCause = CauseSynthesis
		outcome.AudioLocator = o.cfg.FallbackLocator
		return outcome, nil
	}
	outcome.AudioLocator = locator

	// Stage 8: memory update, after the turn is complete. Never rolled back.
	if o.cfg.Memory != nil {
		o.cfg.Memory.AppendAsync(sessionID, outcome.Transcript, reply.Text)
	}

	return outcome, nil
}

// generateSafe runs the generate → output-guard loop. Returns ok=false when
// the attempt bound was exhausted without a safe candidate.
func (o *Orchestrator) generateSafe(ctx context.Context, req *GenRequest, outcome *TurnOutcome) (*Reply, bool, error) {
	var last *Reply
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		outcome.Attempts = attempt

		var reply *Reply
		err := o.withRetry(ctx, func(sctx context.Context) error {
			var gerr error
			reply, gerr = o.cfg.Responder.Respond(sctx, o.cfg.Engine, req)
			return gerr
		})
		if err != nil {
			return nil, false, err
		}
		last = reply

		verdict, err := o.checkGuard(ctx, reply.Text, GuardOutput)
		if err != nil {
			// Unverifiable output is treated as rejected; it is never played.
			slog.Warn("output guard unavailable, rejecting candidate", "error", err)
			verdict = &Verdict{Pass: false, Category: "unverified"}
		}
		if verdict.Pass {
			return reply, true, nil
		}

		metrics.GuardrailRejections.WithLabelValues("output").Inc()
		slog.Info("reply rejected by guardrail",
			"attempt", attempt, "category", verdict.Category, "score", verdict.Score)
		if attempt < o.cfg.MaxAttempts {
			metrics.Regenerations.Inc()
			req.Feedback = prompts.RegenerationFeedback
		}
	}
	outcome.ReplyText = last.Text
	outcome.OutputSafe = false
	return last, false, nil
}

func (o *Orchestrator) checkGuard(ctx context.Context, text string, mode GuardMode) (*Verdict, error) {
	var verdict *Verdict
	err := o.withRetry(ctx, func(sctx context.Context) error {
		var gerr error
		verdict, gerr = o.cfg.Guard.Check(sctx, text, mode)
		return gerr
	})
	return verdict, err
}

func (o *Orchestrator) retrieveMemory(ctx context.Context, sessionID, query string) string {
	if o.cfg.Memory == nil {
		return ""
	}
	mctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	result, err := o.cfg.Memory.Retrieve(mctx, sessionID, query)
	if err != nil {
		slog.Warn("memory retrieval failed, using history only", "error", err)
		return ""
	}
	if result == "" {
		return ""
	}
	return prompts.MemoryContext(result)
}

// scoreRisk starts risk scoring in the background and returns the channel the
// signal (or nil) will arrive on.
func (o *Orchestrator) scoreRisk(ctx context.Context, transcript string) <-chan *RiskSignal {
	ch := make(chan *RiskSignal, 1)
	if o.cfg.Risk == nil {
		ch <- nil
		return ch
	}
	go func() {
		rctx, cancel := context.WithTimeout(ctx, o.cfg.RiskTimeout)
		defer cancel()
		signal, err := o.cfg.Risk.Score(rctx, transcript)
		if err != nil {
			slog.Warn("risk scoring failed", "error", err)
			ch <- nil
			return
		}
		ch <- signal
	}()
	return ch
}

func (o *Orchestrator) awaitRisk(ch <-chan *RiskSignal) *RiskSignal {
	select {
	case signal := <-ch:
		return signal
	case <-time.After(o.cfg.RiskTimeout + time.Second):
		return nil
	}
}

// fallback fills the outcome with the keep-talking fallback audio.
func (o *Orchestrator) fallback(outcome *TurnOutcome, cause string, endCall bool) {
	metrics.FallbacksPlayed.WithLabelValues(cause).Inc()
	outcome.Fallback = true
	outcome.FallbackCause = cause
	outcome.AudioLocator = o.cfg.FallbackLocator
	outcome.EndCall = endCall
}

// closing fills the outcome with the safe-disconnect audio and ends the call.
func (o *Orchestrator) closing(outcome *TurnOutcome, cause string) {
	metrics.FallbacksPlayed.WithLabelValues(cause).Inc()
	outcome.Fallback = true
	outcome.FallbackCause = cause
	outcome.AudioLocator = o.cfg.ClosingLocator
	outcome.EndCall = true
}

// withRetry runs one provider call with a per-stage timeout, retrying once on
// transient failure. Context cancellation is never retried.
func (o *Orchestrator) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(rctx context.Context) error {
		sctx, cancel := context.WithTimeout(rctx, o.cfg.StageTimeout)
		defer cancel()
		if err := fn(sctx); err != nil {
			if rctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

// windowHistory bounds the generation context to the most recent n messages.
func windowHistory(history []Message, n int) []Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// String renders a compact diagnostic form for logs.
func (t *TurnOutcome) String() string {
	return fmt.Sprintf("outcome{noinput=%v insafe=%v outsafe=%v fallback=%q end=%v attempts=%d}",
		t.NoInput, t.InputSafe, t.OutputSafe, t.FallbackCause, t.EndCall, t.Attempts)
}
