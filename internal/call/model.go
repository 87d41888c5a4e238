// Package call owns the per-call state machine and the registry that maps
// carrier call ids onto running machines.
package call

import (
	"time"

	"github.com/05kashyap/intellicare/internal/pipeline"
)

// State is a call's lifecycle phase.
type State string

const (
	StateRecording   State = "RECORDING"
	StateProcessing  State = "PROCESSING"
	StateResponding  State = "RESPONDING"
	StateTerminating State = "TERMINATING"
	StateTerminated  State = "TERMINATED"
)

// TerminalReason records why a call ended.
type TerminalReason string

const (
	ReasonNormal             TerminalReason = "normal"
	ReasonGuardrailExhausted TerminalReason = "guardrail_exhausted"
	ReasonCallerHangup       TerminalReason = "caller_hangup"
	ReasonProviderFailure    TerminalReason = "provider_failure"
	ReasonIdleTimeout        TerminalReason = "idle_timeout"
)

// ChunkStatus tracks how far one recorded segment got through the pipeline.
type ChunkStatus string

const (
	ChunkCaptured  ChunkStatus = "captured"
	ChunkAnalyzed  ChunkStatus = "analyzed"
	ChunkResponded ChunkStatus = "responded"
	ChunkDiscarded ChunkStatus = "discarded"
	ChunkFailed    ChunkStatus = "failed"
)

// Turn is one utterance in the conversation history.
type Turn struct {
	Speaker string // "user" or "assistant"
	Text    string
	At      time.Time
}

// Call is the aggregate for one phone call.
type Call struct {
	ID       string
	CallerID string
	City     string
	Region   string
	Country  string

	State     State
	StartedAt time.Time
	EndedAt   time.Time
	Reason    TerminalReason

	History  []Turn
	ChunkSeq int
	LastRisk float64
}

// Messages converts the history into the generator's message form.
func (c *Call) Messages() []pipeline.Message {
	msgs := make([]pipeline.Message, 0, len(c.History))
	for _, t := range c.History {
		msgs = append(msgs, pipeline.Message{Role: t.Speaker, Content: t.Text})
	}
	return msgs
}

// Event is a state-change notification published to observers.
type Event struct {
	Type       string    `json:"type"`
	CallID     string    `json:"call_id"`
	State      State     `json:"state,omitempty"`
	Seq        int       `json:"seq,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Reply      string    `json:"reply,omitempty"`
	Risk       float64   `json:"risk,omitempty"`
	At         time.Time `json:"at"`
}

// EventSink receives call events. Implementations must not block.
type EventSink interface {
	Publish(event Event)
}

// Recorder persists call lifecycle and chunk rows. A nil Recorder is valid
// and records nothing.
type Recorder interface {
	CallStarted(c *Call)
	ChunkProcessed(callID string, seq int, status ChunkStatus, transcript string, risk float64)
	CallEnded(c *Call)
}
