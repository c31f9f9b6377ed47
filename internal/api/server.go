// Package api implements the loopback intake HTTP server. Hooks post
// raw events here; the only work done on the request path is a single
// local transactional write, so handlers return in milliseconds
// regardless of LLM health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/claude-memd/internal/buildinfo"
	"github.com/nugget/claude-memd/internal/procs"
	"github.com/nugget/claude-memd/internal/queue"
	"github.com/nugget/claude-memd/internal/sessions"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the intake HTTP server.
type Server struct {
	address string
	port    int
	queue   *queue.Queue
	store   *sessions.Store
	tracker *procs.Tracker
	reaper  *procs.Reaper
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates the intake server. tracker and reaper may be nil;
// the stats endpoint then omits their sections.
func NewServer(address string, port int, q *queue.Queue, store *sessions.Store, tracker *procs.Tracker, reaper *procs.Reaper, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		queue:   q,
		store:   store,
		tracker: tracker,
		reaper:  reaper,
		logger:  logger.With("component", "api"),
	}
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions/init", s.handleSessionInit)
	mux.HandleFunc("POST /api/sessions/observations", s.handleObservation)
	mux.HandleFunc("POST /api/sessions/summary", s.handleSummary)

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("starting intake server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

type sessionInitRequest struct {
	ContentSessionID string `json:"contentSessionId"`
	Project          string `json:"project"`
	Prompt           string `json:"prompt"`
}

func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req sessionInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.ContentSessionID == "" {
		writeError(w, http.StatusBadRequest, "contentSessionId is required", s.logger)
		return
	}

	sess, err := s.store.InitSession(req.ContentSessionID, req.Project, req.Prompt)
	if err != nil {
		s.logger.Error("session init failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable", s.logger)
		return
	}

	writeJSON(w, map[string]any{
		"sessionDbId":     sess.ID,
		"memorySessionId": sess.MemorySessionID,
	}, s.logger)
}

type observationRequest struct {
	SessionDBID      int64           `json:"sessionDbId"`
	ContentSessionID string          `json:"contentSessionId"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	ToolResponse     json.RawMessage `json:"tool_response"`
	CWD              string          `json:"cwd"`
	PromptNumber     int             `json:"prompt_number"`
	Project          string          `json:"project"`
}

func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.SessionDBID == 0 || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "sessionDbId and tool_name are required", s.logger)
		return
	}

	id, err := s.queue.InsertToolEvent(&queue.ToolEvent{
		SessionDBID:      req.SessionDBID,
		ContentSessionID: req.ContentSessionID,
		ToolName:         req.ToolName,
		ToolInput:        string(req.ToolInput),
		ToolResponse:     string(req.ToolResponse),
		CWD:              req.CWD,
		PromptNumber:     req.PromptNumber,
		Project:          req.Project,
	})
	if err != nil {
		s.logger.Error("tool event insert failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable", s.logger)
		return
	}

	writeJSON(w, map[string]int64{"id": id}, s.logger)
}

type summaryRequest struct {
	SessionDBID          int64  `json:"sessionDbId"`
	ContentSessionID     string `json:"contentSessionId"`
	Project              string `json:"project"`
	UserPrompt           string `json:"user_prompt"`
	LastAssistantMessage string `json:"last_assistant_message"`
	MemorySessionID      string `json:"memory_session_id"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.SessionDBID == 0 {
		writeError(w, http.StatusBadRequest, "sessionDbId is required", s.logger)
		return
	}

	id, err := s.queue.InsertSummaryRequest(&queue.SummaryRequest{
		SessionDBID:          req.SessionDBID,
		ContentSessionID:     req.ContentSessionID,
		MemorySessionID:      req.MemorySessionID,
		Project:              req.Project,
		UserPrompt:           req.UserPrompt,
		LastAssistantMessage: req.LastAssistantMessage,
	})
	if errors.Is(err, queue.ErrDuplicateSummaryPending) {
		writeError(w, http.StatusConflict, "DuplicateSummaryPending", s.logger)
		return
	}
	if err != nil {
		s.logger.Error("summary request insert failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable", s.logger)
		return
	}

	writeJSON(w, map[string]int64{"id": id}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	eventStats, err := s.queue.ToolEventStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable", s.logger)
		return
	}
	summaryStats, err := s.queue.SummaryRequestStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable", s.logger)
		return
	}

	stats := map[string]any{
		"tool_events":      eventStats,
		"summary_requests": summaryStats,
		"build":            buildinfo.Info(),
	}
	if s.tracker != nil {
		stats["tracked_processes"] = s.tracker.Count()
	}
	if s.reaper != nil {
		stats["reaper"] = s.reaper.Totals()
	}

	writeJSON(w, stats, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}
