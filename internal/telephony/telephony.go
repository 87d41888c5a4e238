package telephony

import (
	"context"
	"errors"
	"time"
)

// ErrDisconnected is returned by a ChunkSource when the caller has hung up or
// the carrier reported the call closed.
var ErrDisconnected = errors.New("telephony: caller disconnected")

// Chunk is one bounded recording segment captured from the call.
type Chunk struct {
	Seq          int
	Audio        []byte
	Duration     time.Duration
	RecordingURL string
}

// RecordParams bound a single recording segment.
type RecordParams struct {
	MaxDuration    time.Duration
	SilenceTimeout time.Duration
}

// ChunkSource yields recorded chunks for one call. Next blocks until the
// caller has produced a segment, the context is cancelled, or the call ends.
type ChunkSource interface {
	Next(ctx context.Context, params RecordParams) (*Chunk, error)
}

// Directive is the carrier-facing instruction produced in response to a
// webhook: play zero or more audio locators, then either record another
// segment or hang up.
type Directive struct {
	Play   []string
	Record *RecordParams
	Hangup bool
}
