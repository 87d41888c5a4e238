package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/05kashyap/intellicare/internal/audio"
	"github.com/05kashyap/intellicare/internal/escalation"
	"github.com/05kashyap/intellicare/internal/metrics"
	"github.com/05kashyap/intellicare/internal/pipeline"
	"github.com/05kashyap/intellicare/internal/telephony"
)

// Transport is the machine's view of the call leg: it pulls recorded chunks,
// queues audio for playback and hangs up. The telephony bridge implements it.
type Transport interface {
	Next(ctx context.Context, params telephony.RecordParams) (*telephony.Chunk, error)
	Play(locator string)
	Hangup(ctx context.Context) error
	Disconnect()
}

// MachineConfig wires one call machine.
type MachineConfig struct {
	Transport     Transport
	Orchestrator  *pipeline.Orchestrator
	Record        telephony.RecordParams
	RiskThreshold float64
	Notifier      escalation.Notifier // optional
	Sink          EventSink           // optional
	Recorder      Recorder            // optional
	OnTerminate   func(callID string) // registry removal hook
}

// Machine runs one call. It is the single owner of its Call aggregate: all
// mutations happen on the machine's goroutine, readers get snapshots.
type Machine struct {
	cfg MachineConfig

	mu   sync.Mutex
	call *Call

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lastActivity time.Time
	exitReason   TerminalReason

	escalated bool
}

// NewMachine creates a machine for the given call. Start must be called to
// begin the record loop.
func NewMachine(c *Call, cfg MachineConfig) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	c.State = StateRecording
	c.StartedAt = time.Now()
	return &Machine{
		cfg:          cfg,
		call:         c,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// Start launches the machine goroutine.
func (m *Machine) Start() {
	metrics.CallsActive.Inc()
	metrics.CallsTotal.Inc()
	if m.cfg.Recorder != nil {
		m.cfg.Recorder.CallStarted(m.snapshotLocked())
	}
	go m.run()
}

// Snapshot returns a copy of the call aggregate for observers.
func (m *Machine) Snapshot() *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() *Call {
	c := *m.call
	c.History = append([]Turn(nil), m.call.History...)
	return &c
}

// Done is closed once the machine has fully terminated.
func (m *Machine) Done() <-chan struct{} { return m.done }

// LastActivity reports when the machine last made progress; the registry
// reaper uses it to expire abandoned calls.
func (m *Machine) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Disconnect tears the call down because the caller hung up. Safe to call
// multiple times.
func (m *Machine) Disconnect() {
	m.stop(ReasonCallerHangup)
}

// Expire tears the call down because it sat idle past the registry deadline.
func (m *Machine) Expire() {
	m.stop(ReasonIdleTimeout)
}

func (m *Machine) stop(reason TerminalReason) {
	m.markExit(reason)
	m.cfg.Transport.Disconnect()
	m.cancel()
}

// markExit records the terminal reason if none has been decided yet.
func (m *Machine) markExit(reason TerminalReason) {
	m.mu.Lock()
	if m.exitReason == "" {
		m.exitReason = reason
	}
	m.mu.Unlock()
}

func (m *Machine) run() {
	defer m.finish()

	for {
		m.setState(StateRecording)

		chunk, err := m.cfg.Transport.Next(m.ctx, m.cfg.Record)
		if err != nil {
			if errors.Is(err, telephony.ErrDisconnected) {
				m.markExit(ReasonCallerHangup)
				return
			}
			if m.ctx.Err() != nil {
				return
			}
			slog.Error("chunk source failed", "call_id", m.call.ID, "error", err)
			m.setReason(ReasonProviderFailure)
			return
		}
		m.touch()
		metrics.ChunksTotal.Inc()

		// Reject unusable audio before spending any provider budget on it.
		if _, err := audio.Probe(chunk.Audio); err != nil {
			slog.Info("discarding unusable chunk", "call_id", m.call.ID, "seq", chunk.Seq, "error", err)
			metrics.ChunksDiscarded.Inc()
			m.recordChunk(chunk.Seq, ChunkDiscarded, "", 0)
			continue
		}

		m.setSeq(chunk.Seq)
		m.setState(StateProcessing)

		outcome, err := m.cfg.Orchestrator.Process(m.ctx, m.call.ID, pipeline.ChunkInput{
			Seq:      chunk.Seq,
			Audio:    chunk.Audio,
			Duration: chunk.Duration,
		}, m.messages())
		if err != nil {
			// Only cancellation reaches here; the caller is already gone.
			return
		}
		m.touch()

		if outcome.NoInput {
			m.recordChunk(chunk.Seq, ChunkDiscarded, "", 0)
			continue
		}

		m.observeRisk(outcome)
		m.appendHistory(outcome)
		m.recordChunk(chunk.Seq, chunkStatus(outcome), outcome.Transcript, riskScore(outcome))
		m.publishTurn(chunk.Seq, outcome)

		if outcome.EndCall {
			m.setState(StateTerminating)
			m.cfg.Transport.Play(outcome.AudioLocator)
			if m.call.Reason == "" {
				m.setReason(terminalReason(outcome))
			}
			hctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.cfg.Transport.Hangup(hctx); err != nil {
				slog.Warn("hangup directive not delivered", "call_id", m.call.ID, "error", err)
			}
			cancel()
			return
		}

		m.setState(StateResponding)
		m.cfg.Transport.Play(outcome.AudioLocator)
	}
}

// observeRisk applies the edge-triggered escalation policy: alert once when
// the score crosses the threshold, re-arm once it drops back below.
func (m *Machine) observeRisk(outcome *pipeline.TurnOutcome) {
	if outcome.Risk == nil {
		return
	}
	score := outcome.Risk.Score
	metrics.RiskScore.Observe(score)
	m.mu.Lock()
	m.call.LastRisk = score
	m.mu.Unlock()

	if score >= m.cfg.RiskThreshold {
		if !m.escalated && m.cfg.Notifier != nil {
			m.escalated = true
			callID, category := m.call.ID, outcome.Risk.Category
			go func() {
				nctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := m.cfg.Notifier.Notify(nctx, callID, score, category); err != nil {
					slog.Error("escalation delivery failed", "call_id", callID, "error", err)
				}
			}()
			slog.Warn("risk threshold crossed, escalating",
				"call_id", callID, "score", score, "category", category)
		}
	} else {
		m.escalated = false
	}
}

func (m *Machine) appendHistory(outcome *pipeline.TurnOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.call.History = append(m.call.History, Turn{Speaker: "user", Text: outcome.Transcript, At: now})
	if outcome.OutputSafe && !outcome.Fallback {
		m.call.History = append(m.call.History, Turn{Speaker: "assistant", Text: outcome.ReplyText, At: now})
	}
}

func (m *Machine) finish() {
	m.setState(StateTerminated)
	m.mu.Lock()
	if m.call.Reason == "" {
		if m.exitReason != "" {
			m.call.Reason = m.exitReason
		} else {
			m.call.Reason = ReasonNormal
		}
	}
	m.call.EndedAt = time.Now()
	reason := m.call.Reason
	m.mu.Unlock()

	m.cancel()
	metrics.CallsActive.Dec()
	metrics.CallsTerminated.WithLabelValues(string(reason)).Inc()
	if m.cfg.Recorder != nil {
		m.cfg.Recorder.CallEnded(m.Snapshot())
	}
	m.publish(Event{Type: "call_ended", CallID: m.call.ID, State: StateTerminated, At: time.Now()})
	if m.cfg.OnTerminate != nil {
		m.cfg.OnTerminate(m.call.ID)
	}
	close(m.done)
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.call.State = s
	m.mu.Unlock()
	m.publish(Event{Type: "state", CallID: m.call.ID, State: s, At: time.Now()})
}

func (m *Machine) setReason(r TerminalReason) {
	m.mu.Lock()
	m.call.Reason = r
	m.mu.Unlock()
}

func (m *Machine) setSeq(seq int) {
	m.mu.Lock()
	m.call.ChunkSeq = seq
	m.mu.Unlock()
}

func (m *Machine) touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

func (m *Machine) messages() []pipeline.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call.Messages()
}

func (m *Machine) recordChunk(seq int, status ChunkStatus, transcript string, risk float64) {
	if m.cfg.Recorder != nil {
		m.cfg.Recorder.ChunkProcessed(m.call.ID, seq, status, transcript, risk)
	}
}

func (m *Machine) publishTurn(seq int, outcome *pipeline.TurnOutcome) {
	m.publish(Event{
		Type:       "turn",
		CallID:     m.call.ID,
		Seq:        seq,
		Transcript: outcome.Transcript,
		Reply:      outcome.ReplyText,
		Risk:       riskScore(outcome),
		At:         time.Now(),
	})
}

func (m *Machine) publish(e Event) {
	if m.cfg.Sink != nil {
		m.cfg.Sink.Publish(e)
	}
}

func chunkStatus(outcome *pipeline.TurnOutcome) ChunkStatus {
	switch {
	case outcome.Fallback:
		return ChunkFailed
	case outcome.OutputSafe:
		return ChunkResponded
	default:
		return ChunkAnalyzed
	}
}

func riskScore(outcome *pipeline.TurnOutcome) float64 {
	if outcome.Risk == nil {
		return 0
	}
	return outcome.Risk.Score
}

func terminalReason(outcome *pipeline.TurnOutcome) TerminalReason {
	switch {
	case outcome.FallbackCause == pipeline.CauseGuardrailExhausted:
		return ReasonGuardrailExhausted
	case outcome.FallbackCause == pipeline.CauseSynthesis && !outcome.GeneratorEnded:
		return ReasonProviderFailure
	default:
		return ReasonNormal
	}
}
