package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"yesman/internal/bus"
	"yesman/internal/controller"
	"yesman/internal/journal"
	"yesman/internal/logging"
	"yesman/internal/responder"
	"yesman/internal/supervisor"
	"yesman/internal/tmux"
)

type SupervisorAPI interface {
	List() []controller.View
	Inspect(id string) (controller.View, error)
	Register(spec supervisor.SessionSpec) error
	Teardown(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	Stop(id string) error
	Restart(ctx context.Context, id string) error
	RegisterOverride(id, fingerprint, response string, oneShot bool) error
	Logs(ctx context.Context, id string, tail int) ([]string, error)
}

type EventJournal interface {
	Query(sessionID string, limit int) ([]journal.Entry, error)
}

type StatsSource interface {
	Stats() responder.Stats
}

type Deps struct {
	Supervisor SupervisorAPI
	Journal    EventJournal
	Stats      StatsSource
	Bus        *bus.Bus
	Logger     *slog.Logger
}

type Server struct {
	deps Deps
	mux  *http.ServeMux
	log  *slog.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{deps: deps, mux: http.NewServeMux(), log: logger.With("module", "localapi")}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /sessions", s.handleRegisterSession)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleTeardownSession)
	s.mux.HandleFunc("POST /sessions/{id}/controller/start", s.handleStart)
	s.mux.HandleFunc("POST /sessions/{id}/controller/stop", s.handleStop)
	s.mux.HandleFunc("POST /sessions/{id}/controller/restart", s.handleRestart)
	s.mux.HandleFunc("POST /sessions/{id}/overrides", s.handleOverride)
	s.mux.HandleFunc("GET /sessions/{id}/logs", s.handleLogs)
	s.mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /responder/stats", s.handleStats)
	s.mux.HandleFunc("GET /stream", s.handleStream)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, s.deps.Supervisor.List())
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var spec supervisor.SessionSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if strings.TrimSpace(spec.ID) == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "session id is required")
		return
	}
	if err := s.deps.Supervisor.Register(spec); err != nil {
		s.respondSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "data": spec})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Supervisor.Inspect(r.PathValue("id"))
	if err != nil {
		s.respondSupervisorError(w, err)
		return
	}
	respondOK(w, view)
}

func (s *Server) handleTeardownSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Supervisor.Teardown(r.Context(), r.PathValue("id")); err != nil {
		s.respondSupervisorError(w, err)
		return
	}
	respondAccepted(w)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Supervisor.Start(r.Context(), r.PathValue("id")); err != nil {
		s.respondSupervisorError(w, err)
		return
	}
	respondAccepted(w)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Supervisor.Stop(r.PathValue("id")); err != nil {
		s.respondSupervisorError(w, err)
		return
	}
	respondAccepted(w)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Supervisor.Restart(r.Context(), r.PathValue("id")); err != nil {
		s.respondSupervisorError(w, err)
		return
	}
	respondAccepted(w)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fingerprint string `json:"fingerprint"`
		Response    string `json:"response"`
		OneShot     bool   `json:"oneShot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if body.Response == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "response is required")
		return
	}
	if err := s.deps.Supervisor.RegisterOverride(r.PathValue("id"), body.Fingerprint, body.Response, body.OneShot); err != nil {
		s.respondSupervisorError(w, err)
		return
	}
	respondAccepted(w)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	tail := intQuery(r, "tail", 0)
	lines, err := s.deps.Supervisor.Logs(r.Context(), r.PathValue("id"), tail)
	if err != nil {
		s.respondSupervisorError(w, err)
		return
	}
	respondOK(w, lines)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "event journal is not enabled")
		return
	}
	id := r.PathValue("id")
	if _, err := s.deps.Supervisor.Inspect(id); err != nil {
		s.respondSupervisorError(w, err)
		return
	}
	entries, err := s.deps.Journal.Query(id, intQuery(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	respondOK(w, entries)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stats == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "responder stats are not enabled")
		return
	}
	respondOK(w, s.deps.Stats.Stats())
}

func (s *Server) respondSupervisorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		respondError(w, http.StatusConflict, "ALREADY_RUNNING", err.Error())
	case errors.Is(err, supervisor.ErrNotRunning):
		respondError(w, http.StatusConflict, "NOT_RUNNING", err.Error())
	case errors.Is(err, tmux.ErrBackendUnavailable):
		respondError(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondAccepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "data": map[string]any{"status": "accepted"}})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
