package telephony

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBridgeClosed is returned to webhook handlers once the call side of the
// bridge has shut down.
var ErrBridgeClosed = errors.New("telephony: bridge closed")

// Bridge reconciles the carrier's webhook request/response cycle with the
// call machine's blocking record loop. The machine side calls Play, Next and
// Hangup; the webhook side calls AwaitDirective and HandleChunk. Each webhook
// request parks until the machine has decided what the carrier should do
// next, so a directive is always a complete answer to one HTTP request.
//
// Chunk delivery is idempotent: a redelivered sequence number returns the
// directive produced the first time without waking the machine again.
type Bridge struct {
	mu           sync.Mutex
	pendingPlays []string
	lastSeq      int
	lastDirect   *Directive

	directiveCh chan Directive
	chunkCh     chan *Chunk

	closeOnce    sync.Once
	disconnected chan struct{}
}

// NewBridge creates a bridge for a single call.
func NewBridge() *Bridge {
	return &Bridge{
		directiveCh:  make(chan Directive),
		chunkCh:      make(chan *Chunk),
		disconnected: make(chan struct{}),
	}
}

// Play queues an audio locator to be played before the next record or hangup
// directive. Called by the machine.
func (b *Bridge) Play(locator string) {
	b.mu.Lock()
	b.pendingPlays = append(b.pendingPlays, locator)
	b.mu.Unlock()
}

// Next publishes a record directive (prefixed by any queued plays) to the
// waiting webhook handler, then blocks until the caller's next chunk arrives.
// Implements ChunkSource.
func (b *Bridge) Next(ctx context.Context, params RecordParams) (*Chunk, error) {
	p := params
	if err := b.publish(ctx, Directive{Play: b.takePlays(), Record: &p}); err != nil {
		return nil, err
	}
	select {
	case chunk := <-b.chunkCh:
		return chunk, nil
	case <-b.disconnected:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Hangup publishes a final directive: queued plays followed by hangup. Called
// by the machine during termination; best-effort, since the caller may have
// already dropped.
func (b *Bridge) Hangup(ctx context.Context) error {
	return b.publish(ctx, Directive{Play: b.takePlays(), Hangup: true})
}

// Disconnect marks the caller as gone. Any blocked Next returns
// ErrDisconnected and parked webhook handlers are released.
func (b *Bridge) Disconnect() {
	b.closeOnce.Do(func() { close(b.disconnected) })
}

// Disconnected reports whether the caller side has been torn down.
func (b *Bridge) Disconnected() bool {
	select {
	case <-b.disconnected:
		return true
	default:
		return false
	}
}

// AwaitDirective parks a webhook request until the machine publishes its next
// instruction. Used for the initial answer webhook, before any chunk exists.
func (b *Bridge) AwaitDirective(ctx context.Context) (*Directive, error) {
	select {
	case d := <-b.directiveCh:
		b.cache(&d)
		return &d, nil
	case <-b.disconnected:
		return nil, ErrBridgeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleChunk delivers one recorded segment and waits for the machine's
// resulting directive. A chunk whose sequence number was already processed
// returns the cached directive immediately.
func (b *Bridge) HandleChunk(ctx context.Context, chunk *Chunk) (*Directive, error) {
	b.mu.Lock()
	if chunk.Seq <= b.lastSeq && b.lastDirect != nil {
		d := *b.lastDirect
		b.mu.Unlock()
		return &d, nil
	}
	b.lastSeq = chunk.Seq
	b.mu.Unlock()

	select {
	case b.chunkCh <- chunk:
	case <-b.disconnected:
		return nil, ErrBridgeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.AwaitDirective(ctx)
}

func (b *Bridge) publish(ctx context.Context, d Directive) error {
	select {
	case b.directiveCh <- d:
		return nil
	case <-b.disconnected:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(directivePublishTimeout):
		// No webhook is waiting; the carrier likely dropped the leg.
		return ErrDisconnected
	}
}

const directivePublishTimeout = 30 * time.Second

func (b *Bridge) takePlays() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	plays := b.pendingPlays
	b.pendingPlays = nil
	return plays
}

func (b *Bridge) cache(d *Directive) {
	b.mu.Lock()
	copied := *d
	b.lastDirect = &copied
	b.mu.Unlock()
}
