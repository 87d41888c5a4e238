package store

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/05kashyap/intellicare/internal/call"
)

// Writer persists call events asynchronously through a buffered channel so
// the call machines never wait on Postgres. A nil *Writer is valid and drops
// everything, which keeps the service usable without a database.
type Writer struct {
	store *Store
	ch    chan func(ctx context.Context, s *Store) error

	closeOnce sync.Once
	done      chan struct{}
}

// NewWriter starts the background flush loop.
func NewWriter(store *Store) *Writer {
	w := &Writer{
		store: store,
		ch:    make(chan func(ctx context.Context, s *Store) error, 256),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer close(w.done)
	for op := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := op(ctx, w.store); err != nil {
			slog.Error("store write failed", "error", err)
		}
		cancel()
	}
}

// Close drains queued writes and stops the loop.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() { close(w.ch) })
	select {
	case <-w.done:
	case <-time.After(15 * time.Second):
		slog.Warn("store writer close timed out")
	}
}

func (w *Writer) enqueue(op func(ctx context.Context, s *Store) error) {
	if w == nil {
		return
	}
	select {
	case w.ch <- op:
	default:
		slog.Warn("store writer queue full, dropping write")
	}
}

// CallStarted implements call.Recorder.
func (w *Writer) CallStarted(c *call.Call) {
	row := toCallRow(c)
	w.enqueue(func(ctx context.Context, s *Store) error {
		return s.upsertCall(ctx, row)
	})
}

// CallEnded implements call.Recorder.
func (w *Writer) CallEnded(c *call.Call) {
	row := toCallRow(c)
	w.enqueue(func(ctx context.Context, s *Store) error {
		return s.upsertCall(ctx, row)
	})
}

// ChunkProcessed implements call.Recorder.
func (w *Writer) ChunkProcessed(callID string, seq int, status call.ChunkStatus, transcript string, risk float64) {
	row := chunkRow{CallID: callID, Seq: seq, Status: string(status), Transcript: transcript, Risk: risk}
	w.enqueue(func(ctx context.Context, s *Store) error {
		return s.insertChunk(ctx, row)
	})
}

func toCallRow(c *call.Call) callRow {
	row := callRow{
		ID:        c.ID,
		CallerID:  c.CallerID,
		City:      c.City,
		Region:    c.Region,
		Country:   c.Country,
		State:     string(c.State),
		Reason:    string(c.Reason),
		LastRisk:  c.LastRisk,
		StartedAt: c.StartedAt,
	}
	if !c.EndedAt.IsZero() {
		row.EndedAt = sql.NullTime{Time: c.EndedAt, Valid: true}
	}
	return row
}
