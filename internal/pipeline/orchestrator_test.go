package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTranscriber struct {
	text  string
	lang  string
	err   error
	calls atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Transcript{Text: f.text, Language: f.lang}, nil
}

type fakeGuard struct {
	inputPass   bool
	outputPass  []bool // consumed per output check
	outputCalls atomic.Int32
	err         error
}

func (f *fakeGuard) Check(ctx context.Context, text string, mode GuardMode) (*Verdict, error) {
	if f.err != nil {
		return nil, f.err
	}
	if mode == GuardInput {
		if f.inputPass {
			return &Verdict{Pass: true}, nil
		}
		return &Verdict{Pass: false, Category: "no_harassment", Score: 0.9}, nil
	}
	n := int(f.outputCalls.Add(1)) - 1
	if n < len(f.outputPass) {
		if f.outputPass[n] {
			return &Verdict{Pass: true}, nil
		}
		return &Verdict{Pass: false, Category: "no_dangerous_content", Score: 0.8}, nil
	}
	return &Verdict{Pass: true}, nil
}

type fakeRisk struct {
	signal *RiskSignal
	err    error
}

func (f *fakeRisk) Score(ctx context.Context, text string) (*RiskSignal, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.signal, nil
}

type fakeResponder struct {
	texts []string // one per attempt; last repeats
	err   error
	calls atomic.Int32
}

func (f *fakeResponder) Respond(ctx context.Context, req *GenRequest) (*Reply, error) {
	n := int(f.calls.Add(1)) - 1
	if f.err != nil {
		return nil, f.err
	}
	if n >= len(f.texts) {
		n = len(f.texts) - 1
	}
	return &Reply{Text: f.texts[n]}, nil
}

type fakeSynth struct {
	locator string
	err     error
	calls   atomic.Int32
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, languageCode string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.locator, nil
}

func newTestOrchestrator(t *testing.T, tr Transcriber, guard SafetyClassifier, risk RiskScorer, gen Responder, synth Synthesizer) *Orchestrator {
	t.Helper()
	return New(Config{
		Transcriber:     tr,
		Guard:           guard,
		Risk:            risk,
		Responder:       NewResponderRouter(map[string]Responder{"test": gen}, "test"),
		Synthesizer:     synth,
		Engine:          "test",
		SystemPrompt:    "be kind",
		StageTimeout:    2 * time.Second,
		RiskTimeout:     time.Second,
		FallbackLocator: "/media/fallback.wav",
		ClosingLocator:  "/media/closing.wav",
	})
}

func TestProcessHappyPath(t *testing.T) {
	gen := &fakeResponder{texts: []string{"I hear you. Tell me more."}}
	o := newTestOrchestrator(t,
		&fakeTranscriber{text: "I feel alone", lang: "en-IN"},
		&fakeGuard{inputPass: true},
		&fakeRisk{signal: &RiskSignal{Score: 0.1, Category: "Other", Confidence: 0.7}},
		gen,
		&fakeSynth{locator: "/media/reply.wav"},
	)

	outcome, err := o.Process(context.Background(), "call-1", ChunkInput{Seq: 1}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome.NoInput || !outcome.InputSafe || !outcome.OutputSafe {
		t.Fatalf("unexpected flags: %v", outcome)
	}
	if outcome.AudioLocator != "/media/reply.wav" {
		t.Errorf("locator = %q", outcome.AudioLocator)
	}
	if outcome.EndCall {
		t.Error("EndCall should be false")
	}
	if outcome.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", outcome.Attempts)
	}
	if outcome.Risk == nil || outcome.Risk.Score != 0.1 {
		t.Errorf("risk = %+v", outcome.Risk)
	}
}

func TestProcessEmptyTranscriptIsNoInput(t *testing.T) {
	gen := &fakeResponder{texts: []string{"unused"}}
	o := newTestOrchestrator(t,
		&fakeTranscriber{text: "   "},
		&fakeGuard{inputPass: true},
		nil, gen, &fakeSynth{locator: "/media/reply.wav"},
	)

	outcome, err := o.Process(context.Background(), "call-1", ChunkInput{Seq: 1}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !outcome.NoInput {
		t.Fatal("want NoInput")
	}
	if outcome.AudioLocator != "" {
		t.Errorf("no audio should be selected, got %q", outcome.AudioLocator)
	}
	if gen.calls.Load() != 0 {
		t.Error("generator must not run without input")
	}
}

func TestProcessTranscriptionFailureIsNoInput(t *testing.T) {
	o := newTestOrchestrator(t,
		&fakeTranscriber{err: errors.New("stt down")},
		&fakeGuard{inputPass: true},
		nil, &fakeResponder{texts: []string{"unused"}}, &fakeSynth{locator: "/x"},
	)
	outcome, err := o.Process(context.Background(), "call-1", ChunkInput{Seq: 1}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !outcome.NoInput || outcome.EndCall {
		t.Fatalf("unexpected outcome: %v", outcome)
	}
}

func TestProcessInputGuardRejectSkipsGeneration(t *testing.T) {
	gen := &fakeResponder{texts: []string{"unused"}}
	synth := &fakeSynth{locator: "/media/reply.wav"}
	o := newTestOrchestrator(t,
		&fakeTranscriber{text: "abusive text"},
		&fakeGuard{inputPass: false},
		nil, gen, synth,
	)

	outcome, err := o.Process(context.Background(), "call-1", ChunkInput{Seq: 1}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome.InputSafe {
		t.Fatal("input should be rejected")
	}
	if gen.calls.Load() != 0 {
		t.Error("generator must not run on rejected input")
	}
	if synth.calls.Load() != 0 {
		t.Error("synthesizer must not run on rejected input")
	}
	if !outcome.Fallback || outcome.AudioLocator != "/media/fallback.wav" {
		t.Errorf("want fallback audio, got %q", outcome.AudioLocator)
	}
	if outcome.EndCall {
		t.Error("rejected input must not end the call")
	}
}

func TestProcessRegeneratesOnceThenDelivers(t *testing.T) {
	gen := &fakeResponder{texts: []string{"bad reply", "safe reply"}}
	o := newTestOrchestrator(t,
		&fakeTranscriber{text: "help me"},
		&fakeGuard{inputPass: true, outputPass: []bool{false, true}},
		nil, gen, &fakeSynth{locator: "/media/reply.wav"},
	)

	outcome, err := o.Process(context.Background(), "call-1", ChunkInput{Seq: 1}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", outcome.Attempts)
	}
	if outcome.ReplyText != "safe reply" || !outcome.OutputSafe {
		t.Errorf("reply = %q safe=%v", outcome.ReplyText, outcome.OutputSafe)
	}
	if outcome.EndCall || outcome.Fallback {
		t.Errorf("unexpected termination: %v", outcome)
	}
}

func TestProcessRegenerationExhaustionEndsCall(t *testing.T) {
	gen := &fakeResponder{texts: []string{"bad"}}
	synth := &fakeSynth{locator: "/media/reply.wav"}
	o := newTestOrchestrator(t,
		&fakeTranscriber{text: "help me"},
		&fakeGuard{inputPass: true, outputPass: []bool{false, false, false}},
		nil, gen, synth,
	)

	outcome, err := o.Process(context.Background(), "call-1", ChunkInput{Seq: 1}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", outcome.Attempts)
	}
	if gen.calls.Load() != 3 {
		t.Errorf("generator calls = %d, want 3", gen.calls.Load())
	}
	if outcome.OutputSafe {
		t.Error("no safe output existed")
	}
	if !outcome.EndCall {
		t.Error("exhaustion must end the call")
	}
	if outcome.AudioLocator != "/media/closing.wav" {
		t.Errorf("want closing audio, got %q", outcome.AudioLocator)
	}
	if synth.calls.Load() != 0 {
		t.Error("rejected candidates must never be synthesized")
	}
	if outcome.FallbackCause != CauseGuardrailExhausted {
		t.Errorf("cause = %q", outcome.FallbackCause)
	}
}

func TestProcessSynthesisFailureFallsBack(t *testing.T) {
	o := newTestOrchestrator(t,
		&fakeTranscriber{text: "help me"},
		&fakeGuard{inputPass: true},
		nil,
		&fakeResponder{texts: []string{"a reply"}},
		&fakeSynth{err: errors.New("tts down")},
	)

	outcome, err := o.Process(context.Background(), "call-1", ChunkInput{Seq: 1}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !outcome.Fallback || outcome.FallbackCause != CauseSynthesis {
		t.Fatalf("want synthesis fallback, got %v", outcome)
	}
	if outcome.AudioLocator != "/media/fallback.wav" {
		t.Errorf("locator = %q", outcome.AudioLocator)
	}
	if outcome.EndCall {
		t.Error("synthesis failure alone must not end the call")
	}
}

func TestProcessRiskFailureDoesNotGateReply(t *testing.T) {
	o := newTestOrchestrator(t,
		&fakeTranscriber{text: "help me"},
		&fakeGuard{inputPass: true},
		&fakeRisk{err: errors.New("risk service down")},
		&fakeResponder{texts: []string{"a reply"}},
		&fakeSynth{locator: "/media/reply.wav"},
	)

	outcome, err := o.Process(context.Background(), "call-1", ChunkInput{Seq: 1}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome.Risk != nil {
		t.Errorf("risk should be absent, got %+v", outcome.Risk)
	}
	if outcome.AudioLocator != "/media/reply.wav" || !outcome.OutputSafe {
		t.Errorf("reply should still be delivered: %v", outcome)
	}
}

func TestProcessEndSentinelTerminates(t *testing.T) {
	o := newTestOrchestrator(t,
		&fakeTranscriber{text: "goodbye"},
		&fakeGuard{inputPass: true},
		nil,
		&fakeResponder{texts: []string{"Take care of yourself. <end conversation>"}},
		&fakeSynth{locator: "/media/reply.wav"},
	)

	outcome, err := o.Process(context.Background(), "call-1", ChunkInput{Seq: 1}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !outcome.EndCall || !outcome.GeneratorEnded {
		t.Fatal("sentinel should end the call")
	}
	if outcome.ReplyText != "Take care of yourself." {
		t.Errorf("sentinel not stripped: %q", outcome.ReplyText)
	}
	if outcome.AudioLocator != "/media/reply.wav" {
		t.Errorf("closing reply should still be synthesized, got %q", outcome.AudioLocator)
	}
}

func TestProcessCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := newTestOrchestrator(t,
		&fakeTranscriber{err: context.Canceled},
		&fakeGuard{inputPass: true},
		nil, &fakeResponder{texts: []string{"x"}}, &fakeSynth{locator: "/x"},
	)
	if _, err := o.Process(ctx, "call-1", ChunkInput{Seq: 1}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestWindowHistory(t *testing.T) {
	history := []Message{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "three"},
	}
	got := windowHistory(history, 2)
	if len(got) != 2 || got[0].Content != "two" || got[1].Content != "three" {
		t.Errorf("windowHistory = %+v", got)
	}
	if len(windowHistory(history, 5)) != 3 {
		t.Error("window larger than history should keep everything")
	}
}
