package store

import (
	"testing"
	"time"

	"github.com/05kashyap/intellicare/internal/call"
)

// A nil writer must be a no-op so the service runs without a database.
func TestNilWriterIsSafe(t *testing.T) {
	var w *Writer
	w.CallStarted(&call.Call{ID: "CA1"})
	w.ChunkProcessed("CA1", 1, call.ChunkResponded, "hello", 0.1)
	w.CallEnded(&call.Call{ID: "CA1"})
	w.Close()
}

func TestToCallRow(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	ended := time.Now()
	c := &call.Call{
		ID:        "CA9",
		CallerID:  "+15550100",
		State:     call.StateTerminated,
		Reason:    call.ReasonNormal,
		LastRisk:  0.35,
		StartedAt: started,
		EndedAt:   ended,
	}
	row := toCallRow(c)
	if row.ID != "CA9" || row.State != "TERMINATED" || row.Reason != "normal" {
		t.Errorf("row = %+v", row)
	}
	if !row.EndedAt.Valid || !row.EndedAt.Time.Equal(ended) {
		t.Errorf("ended_at = %+v", row.EndedAt)
	}

	c.EndedAt = time.Time{}
	if toCallRow(c).EndedAt.Valid {
		t.Error("zero EndedAt must map to NULL")
	}
}
