// Package server exposes sessions over HTTP: blocking turns as JSON, streaming
// turns as server-sent snapshots, and the session event bus as an SSE feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/event"
	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/session"
	"github.com/cexll/sessionkit/pkg/telemetry"
	"github.com/cexll/sessionkit/pkg/tool"
	"github.com/cexll/sessionkit/pkg/transcript"
)

// statusClientClosed reports a turn abandoned by its caller.
const statusClientClosed = 499

const maxBodyBytes = 4 << 20

// Template describes how new sessions are built. Sessions keep the template
// they were created with; a swapped template applies to sessions created
// afterwards.
type Template struct {
	Provider provider.Provider
	// Store persists transcripts and lets evicted sessions resume. Nil keeps
	// sessions in memory only.
	Store transcript.Store
	// NewRegistry builds the tool registry of each new session. Nil gives
	// every session an empty registry of its own.
	NewRegistry func(ctx context.Context) (*tool.Registry, error)
	Options     []session.Option
}

// Server routes HTTP requests to sessions keyed by id.
type Server struct {
	mux      *http.ServeMux
	template atomic.Pointer[Template]
	logger   telemetry.Logger
	bus      *event.Bus
	events   *event.Stream
	stop     context.CancelFunc
	started  time.Time

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for request failures.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBus publishes session lifecycle events to bus and serves them on
// GET /v1/events.
func WithBus(bus *event.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// New creates a Server with pre-wired routes.
func New(tmpl Template, opts ...Option) (*Server, error) {
	srv := &Server{
		mux:      http.NewServeMux(),
		sessions: map[string]*session.Session{},
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.logger = telemetry.OrNoop(srv.logger)
	if err := srv.SetTemplate(tmpl); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv.stop = cancel
	if srv.bus != nil {
		srv.events = event.NewStream()
		srv.events.SetHeartbeat(15 * time.Second)
		sub, unsubscribe := srv.bus.Subscribe()
		go func() {
			defer unsubscribe()
			_ = srv.events.Forward(ctx, sub)
		}()
	}
	srv.routes()
	return srv, nil
}

// SetTemplate swaps the template used for new sessions.
func (s *Server) SetTemplate(tmpl Template) error {
	if tmpl.Provider == nil {
		return errors.New("server: template provider is nil")
	}
	s.template.Store(&tmpl)
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/sessions/{id}/respond", s.handleRespond)
	s.mux.HandleFunc("POST /v1/sessions/{id}/stream", s.handleStream)
	s.mux.HandleFunc("GET /v1/sessions/{id}/transcript", s.handleTranscript)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleEvict)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.events != nil {
		s.mux.Handle("GET /v1/events", s.events)
	}
}

// ServeHTTP implements http.Handler and delegates to the internal mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close stops relaying bus events.
func (s *Server) Close() error {
	s.stop()
	return nil
}

type turnRequest struct {
	Prompt string          `json:"prompt"`
	Schema *content.Schema `json:"schema,omitempty"`
	Model  string          `json:"model,omitempty"`
	// Temperature and MaxTokens override the session defaults for this turn.
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	DisableStreaming bool     `json:"disable_streaming,omitempty"`
}

func (t turnRequest) options() session.GenerateOptions {
	return session.GenerateOptions{
		Schema: t.Schema,
		Options: provider.Options{
			Model:       t.Model,
			Temperature: t.Temperature,
			MaxTokens:   t.MaxTokens,
		},
		DisableStreaming: t.DisableStreaming,
	}
}

type turnResult struct {
	SessionID  string           `json:"session_id"`
	Text       string           `json:"text"`
	Structured *content.Value   `json:"structured,omitempty"`
	Entry      transcript.Entry `json:"entry"`
}

func newTurnResult(id string, entry transcript.Entry) turnResult {
	res := turnResult{SessionID: id, Text: entry.Text(), Entry: entry}
	if v, ok := entry.Structured(); ok {
		res.Structured = &v
	}
	return res
}

type snapshotFrame struct {
	Turn       int                   `json:"turn"`
	Round      int                   `json:"round"`
	Text       string                `json:"text"`
	Structured *content.Value        `json:"structured,omitempty"`
	Complete   bool                  `json:"structured_complete,omitempty"`
	ToolCalls  []transcript.ToolCall `json:"tool_calls,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
	Field   string `json:"field,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.decodeTurn(w, r)
	if !ok {
		return
	}
	sess, err := s.sessionFor(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := sess.Respond(r.Context(), session.Text(req.Prompt), req.options())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTurnResult(id, entry))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.decodeTurn(w, r)
	if !ok {
		return
	}
	sess, err := s.sessionFor(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	rs, err := sess.Stream(r.Context(), session.Text(req.Prompt), req.options())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rs.Close()

	flusher, _ := event.PrepareSSE(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	seq := 0
	for {
		snap, err := rs.Recv()
		if err != nil {
			var frame []byte
			if errors.Is(err, io.EOF) {
				entry, _ := rs.Result()
				frame, err = event.EncodeFrame("completion", "", newTurnResult(id, entry))
			} else {
				s.logger.Warn(r.Context(), "stream turn failed", "session_id", id, "error", err)
				frame, err = event.EncodeFrame("error", "", toErrorBody(err))
			}
			if err == nil {
				_, _ = w.Write(frame)
				flusher.Flush()
			}
			return
		}
		seq++
		frame, err := event.EncodeFrame("snapshot", fmt.Sprintf("%d", seq), toSnapshotFrame(snap))
		if err != nil {
			s.logger.Error(r.Context(), "encode snapshot", "session_id", id, "error", err)
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		flusher.Flush()
	}
}

func toSnapshotFrame(snap session.Snapshot) snapshotFrame {
	f := snapshotFrame{
		Turn:      snap.Turn,
		Round:     snap.Round,
		Text:      snap.Response.Text(),
		Complete:  snap.Response.StructuredComplete,
		ToolCalls: snap.Response.ToolCalls,
	}
	if v, ok := snap.Response.Structured(); ok {
		f.Structured = &v
	}
	return f
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": sess.Transcript()})
		return
	}
	tmpl := s.template.Load()
	if tmpl.Store != nil {
		entries, err := tmpl.Store.Load(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if len(entries) > 0 {
			writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": entries})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]errorBody{"error": {Message: "session not found"}})
}

// handleEvict drops the in-memory session. A persisted transcript remains
// and is resumed on the next turn.
func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok && sess.Busy() {
		s.mu.Unlock()
		s.writeError(w, r, failure.Busy(id))
		return
	}
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]errorBody{"error": {Message: "session not found"}})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"provider": s.template.Load().Provider.Name(),
		"sessions": n,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) decodeTurn(w http.ResponseWriter, r *http.Request) (string, turnRequest, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	var req turnRequest
	if id == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return "", req, false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]errorBody{"error": {Message: "invalid JSON payload: " + err.Error()}})
		return "", req, false
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]errorBody{"error": {Message: "prompt is required"}})
		return "", req, false
	}
	return id, req, true
}

// sessionFor returns the live session for id, resuming it from the store or
// creating it when absent.
func (s *Server) sessionFor(ctx context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	tmpl := s.template.Load()
	opts := append([]session.Option(nil), tmpl.Options...)
	opts = append(opts, session.WithLogger(s.logger))
	if tmpl.NewRegistry != nil {
		reg, err := tmpl.NewRegistry(ctx)
		if err != nil {
			return nil, fmt.Errorf("server: build tool registry: %w", err)
		}
		opts = append(opts, session.WithRegistry(reg))
	}
	if s.bus != nil {
		opts = append(opts, session.WithBus(s.bus))
	}
	var (
		sess *session.Session
		err  error
	)
	if tmpl.Store != nil {
		sess, err = session.Resume(ctx, tmpl.Provider, tmpl.Store, id, opts...)
	} else {
		sess, err = session.New(tmpl.Provider, append(opts, session.WithID(id))...)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		return existing, nil
	}
	s.sessions[id] = sess
	return sess, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]errorBody{"error": toErrorBody(err)})
}

func statusFor(err error) int {
	if errors.Is(err, session.ErrEmptyPrompt) {
		return http.StatusBadRequest
	}
	kind, ok := failure.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case failure.KindSessionBusy:
		return http.StatusConflict
	case failure.KindCancelled:
		return statusClientClosed
	case failure.KindTransport, failure.KindMalformedContent:
		return http.StatusBadGateway
	case failure.KindUnknownTool, failure.KindInvalidToolArguments, failure.KindToolExecution, failure.KindToolLoopExceeded:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func toErrorBody(err error) errorBody {
	body := errorBody{Message: err.Error()}
	var fe *failure.Error
	if errors.As(err, &fe) {
		body.Kind = string(fe.Kind)
		body.Subject = fe.Subject
		body.Field = fe.Field
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
