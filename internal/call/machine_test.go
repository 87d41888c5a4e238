package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/05kashyap/intellicare/internal/audio"
	"github.com/05kashyap/intellicare/internal/pipeline"
	"github.com/05kashyap/intellicare/internal/telephony"
)

// validWAV is a short usable audio payload for probe checks.
func validWAV(t *testing.T) []byte {
	t.Helper()
	samples := make([]float32, 8000)
	for i := range samples {
		samples[i] = 0.1
	}
	return audio.SamplesToWAV(samples, 8000)
}

type fakeTransport struct {
	mu      sync.Mutex
	chunks  []*telephony.Chunk
	idx     int
	actions []string
	hangups int
}

func (f *fakeTransport) Next(ctx context.Context, params telephony.RecordParams) (*telephony.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, "next")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.idx >= len(f.chunks) {
		return nil, telephony.ErrDisconnected
	}
	c := f.chunks[f.idx]
	f.idx++
	return c, nil
}

func (f *fakeTransport) Play(locator string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, "play:"+locator)
}

func (f *fakeTransport) Hangup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, "hangup")
	f.hangups++
	return nil
}

func (f *fakeTransport) Disconnect() {}

func (f *fakeTransport) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	statuses []ChunkStatus
	started  int
	ended    int
}

func (f *fakeRecorder) CallStarted(c *Call) {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
}

func (f *fakeRecorder) CallEnded(c *Call) {
	f.mu.Lock()
	f.ended++
	f.mu.Unlock()
}

func (f *fakeRecorder) ChunkProcessed(callID string, seq int, status ChunkStatus, transcript string, risk float64) {
	f.mu.Lock()
	f.statuses = append(f.statuses, status)
	f.mu.Unlock()
}

type fakeNotifier struct {
	calls atomic.Int32
}

func (f *fakeNotifier) Notify(ctx context.Context, callID string, score float64, category string) error {
	f.calls.Add(1)
	return nil
}

// scriptTranscriber returns fixed text; counts invocations.
type scriptTranscriber struct {
	text  string
	calls atomic.Int32
}

func (s *scriptTranscriber) Transcribe(ctx context.Context, _ []byte) (*pipeline.Transcript, error) {
	s.calls.Add(1)
	return &pipeline.Transcript{Text: s.text, Language: "en-IN"}, nil
}

type passGuard struct{}

func (passGuard) Check(ctx context.Context, text string, mode pipeline.GuardMode) (*pipeline.Verdict, error) {
	return &pipeline.Verdict{Pass: true}, nil
}

// seqRisk serves a sequence of per-chunk scores.
type seqRisk struct {
	mu     sync.Mutex
	scores []float64
	idx    int
}

func (s *seqRisk) Score(ctx context.Context, text string) (*pipeline.RiskSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	score := s.scores[len(s.scores)-1]
	if s.idx < len(s.scores) {
		score = s.scores[s.idx]
		s.idx++
	}
	return &pipeline.RiskSignal{Score: score, Confidence: 0.9, Category: "Suicidal planning"}, nil
}

type scriptResponder struct {
	text string
	err  error
}

func (s *scriptResponder) Respond(ctx context.Context, req *pipeline.GenRequest) (*pipeline.Reply, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &pipeline.Reply{Text: s.text}, nil
}

type staticSynth struct{ locator string }

func (s staticSynth) Synthesize(ctx context.Context, text, lang string) (string, error) {
	return s.locator, nil
}

func testOrchestrator(tr pipeline.Transcriber, risk pipeline.RiskScorer, gen pipeline.Responder) *pipeline.Orchestrator {
	return pipeline.New(pipeline.Config{
		Transcriber:     tr,
		Guard:           passGuard{},
		Risk:            risk,
		Responder:       pipeline.NewResponderRouter(map[string]pipeline.Responder{"test": gen}, "test"),
		Synthesizer:     staticSynth{locator: "/media/reply.wav"},
		Engine:          "test",
		StageTimeout:    2 * time.Second,
		RiskTimeout:     time.Second,
		FallbackLocator: "/media/fallback.wav",
		ClosingLocator:  "/media/closing.wav",
	})
}

func runMachine(t *testing.T, transport *fakeTransport, cfg MachineConfig) *Machine {
	t.Helper()
	cfg.Transport = transport
	if cfg.Record == (telephony.RecordParams{}) {
		cfg.Record = telephony.RecordParams{MaxDuration: 30 * time.Second, SilenceTimeout: 5 * time.Second}
	}
	m := NewMachine(&Call{ID: "CA123", CallerID: "+15550100"}, cfg)
	m.Start()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("machine did not terminate")
	}
	return m
}

func TestMachineCallerSpeaksFirst(t *testing.T) {
	transport := &fakeTransport{chunks: []*telephony.Chunk{{Seq: 1, Audio: validWAV(t)}}}
	m := runMachine(t, transport, MachineConfig{
		Orchestrator: testOrchestrator(&scriptTranscriber{text: "hello"}, nil, &scriptResponder{text: "hi there"}),
	})

	log := transport.log()
	if len(log) == 0 || log[0] != "next" {
		t.Fatalf("first action must be a record, got %v", log)
	}
	if m.Snapshot().State != StateTerminated {
		t.Errorf("state = %s", m.Snapshot().State)
	}
}

func TestMachineTurnAppendsHistoryAndPlaysReply(t *testing.T) {
	transport := &fakeTransport{chunks: []*telephony.Chunk{{Seq: 1, Audio: validWAV(t)}}}
	recorder := &fakeRecorder{}
	m := runMachine(t, transport, MachineConfig{
		Orchestrator: testOrchestrator(&scriptTranscriber{text: "I feel alone"}, nil, &scriptResponder{text: "I'm here with you"}),
		Recorder:     recorder,
	})

	snap := m.Snapshot()
	if len(snap.History) != 2 {
		t.Fatalf("history = %+v", snap.History)
	}
	if snap.History[0].Speaker != "user" || snap.History[1].Speaker != "assistant" {
		t.Errorf("speakers = %s, %s", snap.History[0].Speaker, snap.History[1].Speaker)
	}
	found := false
	for _, a := range transport.log() {
		if a == "play:/media/reply.wav" {
			found = true
		}
	}
	if !found {
		t.Errorf("reply audio never played: %v", transport.log())
	}
	if snap.Reason != ReasonCallerHangup {
		t.Errorf("reason = %s", snap.Reason)
	}
	if recorder.started != 1 || recorder.ended != 1 {
		t.Errorf("recorder started=%d ended=%d", recorder.started, recorder.ended)
	}
}

func TestMachineDiscardsUnusableAudio(t *testing.T) {
	transcriber := &scriptTranscriber{text: "should not run"}
	transport := &fakeTransport{chunks: []*telephony.Chunk{{Seq: 1, Audio: []byte("not a wav file")}}}
	recorder := &fakeRecorder{}
	runMachine(t, transport, MachineConfig{
		Orchestrator: testOrchestrator(transcriber, nil, &scriptResponder{text: "x"}),
		Recorder:     recorder,
	})

	if transcriber.calls.Load() != 0 {
		t.Error("unusable audio must not reach transcription")
	}
	if len(recorder.statuses) != 1 || recorder.statuses[0] != ChunkDiscarded {
		t.Errorf("statuses = %v", recorder.statuses)
	}
	for _, a := range transport.log() {
		if a == "play:/media/fallback.wav" || a == "play:/media/reply.wav" {
			t.Errorf("nothing should be played for a discarded chunk: %v", transport.log())
		}
	}
}

func TestMachineEndSentinelHangsUp(t *testing.T) {
	transport := &fakeTransport{chunks: []*telephony.Chunk{
		{Seq: 1, Audio: validWAV(t)},
		{Seq: 2, Audio: validWAV(t)}, // never reached
	}}
	m := runMachine(t, transport, MachineConfig{
		Orchestrator: testOrchestrator(
			&scriptTranscriber{text: "goodbye"},
			nil,
			&scriptResponder{text: "Take care. <end conversation>"},
		),
	})

	if transport.hangups != 1 {
		t.Errorf("hangups = %d", transport.hangups)
	}
	snap := m.Snapshot()
	if snap.Reason != ReasonNormal {
		t.Errorf("reason = %s", snap.Reason)
	}
	if snap.ChunkSeq != 1 {
		t.Errorf("chunk seq = %d, want 1", snap.ChunkSeq)
	}
}

func TestMachineGenerationFailurePlaysFallbackAndContinues(t *testing.T) {
	transport := &fakeTransport{chunks: []*telephony.Chunk{
		{Seq: 1, Audio: validWAV(t)},
	}}
	runMachine(t, transport, MachineConfig{
		Orchestrator: testOrchestrator(
			&scriptTranscriber{text: "hello"},
			nil,
			&scriptResponder{err: errors.New("llm down")},
		),
	})

	log := transport.log()
	var fallbacks, nexts int
	for _, a := range log {
		switch a {
		case "play:/media/fallback.wav":
			fallbacks++
		case "next":
			nexts++
		}
	}
	if fallbacks != 1 {
		t.Errorf("fallback plays = %d, want 1 (%v)", fallbacks, log)
	}
	if nexts != 2 {
		t.Errorf("machine should keep recording after a fallback, nexts = %d", nexts)
	}
}

func TestMachineEscalatesOnceWhileAboveThreshold(t *testing.T) {
	notifier := &fakeNotifier{}
	transport := &fakeTransport{chunks: []*telephony.Chunk{
		{Seq: 1, Audio: validWAV(t)},
		{Seq: 2, Audio: validWAV(t)},
	}}
	runMachine(t, transport, MachineConfig{
		Orchestrator:  testOrchestrator(&scriptTranscriber{text: "I have a plan"}, &seqRisk{scores: []float64{0.9, 0.95}}, &scriptResponder{text: "stay with me"}),
		RiskThreshold: 0.8,
		Notifier:      notifier,
	})

	waitFor(t, func() bool { return notifier.calls.Load() == 1 })
}

func TestMachineRearmsEscalationBelowThreshold(t *testing.T) {
	notifier := &fakeNotifier{}
	transport := &fakeTransport{chunks: []*telephony.Chunk{
		{Seq: 1, Audio: validWAV(t)},
		{Seq: 2, Audio: validWAV(t)},
		{Seq: 3, Audio: validWAV(t)},
	}}
	runMachine(t, transport, MachineConfig{
		Orchestrator:  testOrchestrator(&scriptTranscriber{text: "talking"}, &seqRisk{scores: []float64{0.9, 0.2, 0.9}}, &scriptResponder{text: "ok"}),
		RiskThreshold: 0.8,
		Notifier:      notifier,
	})

	waitFor(t, func() bool { return notifier.calls.Load() == 2 })
}

func TestMachineDisconnectStopsPlayback(t *testing.T) {
	transport := &fakeTransport{} // no chunks: first Next disconnects
	m := runMachine(t, transport, MachineConfig{
		Orchestrator: testOrchestrator(&scriptTranscriber{text: "x"}, nil, &scriptResponder{text: "y"}),
	})

	snap := m.Snapshot()
	if snap.Reason != ReasonCallerHangup {
		t.Errorf("reason = %s", snap.Reason)
	}
	for _, a := range transport.log() {
		if a != "next" {
			t.Errorf("nothing should happen after disconnect: %v", transport.log())
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
