package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/05kashyap/intellicare/internal/call"
	"github.com/05kashyap/intellicare/internal/escalation"
	"github.com/05kashyap/intellicare/internal/health"
	"github.com/05kashyap/intellicare/internal/pipeline"
	"github.com/05kashyap/intellicare/internal/store"
	"github.com/05kashyap/intellicare/internal/telephony"
)

// directiveWait bounds how long a webhook request parks waiting for the
// machine; carriers time webhooks out around 15 seconds.
const directiveWait = 12 * time.Second

type serverDeps struct {
	registry     *call.Registry
	orchestrator *pipeline.Orchestrator
	carrier      *telephony.RESTClient
	hub          eventHub
	notifier     escalation.Notifier
	writer       *store.Writer
	db           *store.Store
	prober       *health.Prober
	mediaDir     string
}

// eventHub is the minimal monitor surface the server needs.
type eventHub interface {
	call.EventSink
	ServeWS(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

type server struct {
	cfg  *config
	deps serverDeps

	mu       sync.Mutex
	sessions map[string]*session
}

// session pairs a call machine with its telephony bridge and maps carrier
// recording ids onto monotonically increasing chunk sequence numbers.
type session struct {
	machine *call.Machine
	bridge  *telephony.Bridge

	mu      sync.Mutex
	recSeqs map[string]int
	nextSeq int
}

// seqFor assigns (or recalls) the sequence number for a recording id. The
// second return reports whether this recording was already delivered.
func (s *session) seqFor(recordingID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.recSeqs[recordingID]; ok {
		return seq, true
	}
	s.nextSeq++
	s.recSeqs[recordingID] = s.nextSeq
	return s.nextSeq, false
}

func newServer(cfg *config, deps serverDeps) *server {
	return &server{cfg: cfg, deps: deps, sessions: make(map[string]*session)}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calls/voice", s.handleVoice)
	mux.HandleFunc("POST /calls/recording", s.handleRecording)
	mux.HandleFunc("POST /calls/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /monitor/ws", s.deps.hub.ServeWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /media/", http.StripPrefix("/media/", http.FileServer(http.Dir(s.deps.mediaDir))))
	return mux
}

// handleVoice answers the carrier's inbound-call webhook. The first directive
// is always a record: the caller speaks first.
func (s *server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callID := r.FormValue("CallSid")
	if callID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	sess := s.getOrCreateSession(callID, r)

	ctx, cancel := context.WithTimeout(r.Context(), directiveWait)
	defer cancel()
	directive, err := sess.bridge.AwaitDirective(ctx)
	if err != nil {
		slog.Error("no directive for answer webhook", "call_id", callID, "error", err)
		s.writeTwiML(w, telephony.RenderReject())
		return
	}
	s.writeTwiML(w, telephony.RenderTwiML(directive, s.recordingActionURL()))
}

// handleRecording receives one recorded chunk, feeds it to the machine and
// responds with the machine's next directive. Redelivered recordings return
// the original directive without re-running the pipeline.
func (s *server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callID := r.FormValue("CallSid")
	recordingID := r.FormValue("RecordingSid")
	recordingURL := r.FormValue("RecordingUrl")
	if callID == "" || recordingID == "" {
		http.Error(w, "missing call or recording id", http.StatusBadRequest)
		return
	}

	sess, ok := s.getSession(callID)
	if !ok {
		// Status races can leave the carrier retrying after termination.
		s.writeTwiML(w, telephony.RenderTwiML(&telephony.Directive{Hangup: true}, ""))
		return
	}

	seq, duplicate := sess.seqFor(recordingID)
	chunk := &telephony.Chunk{Seq: seq, RecordingURL: recordingURL}
	if !duplicate {
		if secs, err := strconv.Atoi(r.FormValue("RecordingDuration")); err == nil {
			chunk.Duration = time.Duration(secs) * time.Second
		}
		audio, err := s.deps.carrier.DownloadRecording(r.Context(), recordingURL)
		if err != nil {
			// Deliver the empty chunk anyway; the machine discards it and
			// asks the caller to continue.
			slog.Error("recording download failed", "call_id", callID, "seq", seq, "error", err)
		} else {
			chunk.Audio = audio
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), directiveWait)
	defer cancel()
	directive, err := sess.bridge.HandleChunk(ctx, chunk)
	if err != nil {
		slog.Warn("chunk handling aborted", "call_id", callID, "seq", seq, "error", err)
		s.writeTwiML(w, telephony.RenderTwiML(&telephony.Directive{Hangup: true}, ""))
		return
	}
	s.writeTwiML(w, telephony.RenderTwiML(directive, s.recordingActionURL()))
}

// handleStatus consumes carrier call-status callbacks and tears the machine
// down once the leg is gone.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	switch status {
	case "completed", "failed", "busy", "no-answer", "canceled":
		if sess, ok := s.getSession(callID); ok {
			slog.Info("carrier reported call closed", "call_id", callID, "status", status)
			sess.machine.Disconnect()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	services := s.deps.prober.StatusAll(r.Context())
	healthy := true
	for _, svc := range services {
		if svc.Status == health.StatusUnreachable {
			healthy = false
		}
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":   map[bool]string{true: "ok", false: "degraded"}[healthy],
		"services": services,
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	type liveCall struct {
		ID        string     `json:"id"`
		State     call.State `json:"state"`
		ChunkSeq  int        `json:"chunk_seq"`
		LastRisk  float64    `json:"last_risk"`
		StartedAt time.Time  `json:"started_at"`
	}
	live := make([]liveCall, 0)
	for _, c := range s.deps.registry.Snapshots() {
		live = append(live, liveCall{
			ID: c.ID, State: c.State, ChunkSeq: c.ChunkSeq,
			LastRisk: c.LastRisk, StartedAt: c.StartedAt,
		})
	}

	payload := map[string]any{
		"active_calls":    live,
		"monitor_clients": s.deps.hub.ClientCount(),
	}
	if s.deps.db != nil {
		stats, err := s.deps.db.QueryStats(r.Context())
		if err != nil {
			slog.Error("stats query failed", "error", err)
		} else {
			payload["historical"] = stats
		}
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *server) getOrCreateSession(callID string, r *http.Request) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[callID]; ok {
		return sess
	}
	bridge := telephony.NewBridge()
	sess := &session{bridge: bridge, recSeqs: make(map[string]int)}

	machine, created := s.deps.registry.GetOrCreate(callID, func() *call.Machine {
		return call.NewMachine(&call.Call{
			ID:       callID,
			CallerID: r.FormValue("From"),
			City:     r.FormValue("CallerCity"),
			Region:   r.FormValue("CallerState"),
			Country:  r.FormValue("CallerCountry"),
		}, call.MachineConfig{
			Transport:    bridge,
			Orchestrator: s.deps.orchestrator,
			Record: telephony.RecordParams{
				MaxDuration:    s.cfg.ChunkMaxDuration,
				SilenceTimeout: s.cfg.SilenceTimeout,
			},
			RiskThreshold: s.cfg.RiskThreshold,
			Notifier:      s.deps.notifier,
			Sink:          s.deps.hub,
			Recorder:      s.recorder(),
			OnTerminate:   s.dropSession,
		})
	})
	sess.machine = machine
	s.sessions[callID] = sess
	if created {
		slog.Info("call started", "call_id", callID, "caller", r.FormValue("From"))
	}
	return sess
}

func (s *server) getSession(callID string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callID]
	return sess, ok
}

// dropSession is the machine's termination hook: it clears the registry and
// session table, and completes the carrier leg when the caller is still on it.
func (s *server) dropSession(callID string) {
	var machine *call.Machine
	s.mu.Lock()
	if sess, ok := s.sessions[callID]; ok {
		machine = sess.machine
		delete(s.sessions, callID)
	}
	s.mu.Unlock()
	s.deps.registry.Remove(callID)

	if machine == nil {
		return
	}
	snap := machine.Snapshot()
	if snap.Reason == call.ReasonIdleTimeout || snap.Reason == call.ReasonProviderFailure {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.deps.carrier.EndCall(ctx, callID); err != nil {
			slog.Warn("carrier hangup failed", "call_id", callID, "error", err)
		}
	}
}

// recorder returns the persistence sink, or nil when no database is wired.
func (s *server) recorder() call.Recorder {
	if s.deps.writer == nil {
		return nil
	}
	return s.deps.writer
}

func (s *server) recordingActionURL() string {
	return s.cfg.PublicBaseURL + "/calls/recording"
}

func (s *server) writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Write([]byte(doc))
}

func (s *server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("write response", "error", err)
	}
}
