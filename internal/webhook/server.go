// Package webhook is the HTTP relay: it asks questions on behalf of HTTP
// callers and exposes the stored threads read-only.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/user/askstream/internal/state"
	"github.com/user/askstream/internal/turn"
	"github.com/user/askstream/internal/types"
)

// DefaultThreadKey is used by POST /ask when the body names no thread.
const DefaultThreadKey types.ThreadKey = "http:default"

const defaultTurnLimit = 50

// AskFunc asks query on the thread named by key and returns the final
// snapshot of the turn.
type AskFunc func(ctx context.Context, key types.ThreadKey, query string) (turn.Snapshot, error)

// Server is a lightweight HTTP handler for the relay endpoints.
type Server struct {
	tasks       *state.TaskStore
	ask         AskFunc
	threads     types.ThreadStore
	transcripts types.TranscriptStore
	mux         *http.ServeMux
}

// NewServer creates a Server. threads and transcripts may be nil, which
// disables the /api endpoints.
func NewServer(tasks *state.TaskStore, ask AskFunc, threads types.ThreadStore, transcripts types.TranscriptStore) *Server {
	s := &Server{
		tasks:       tasks,
		ask:         ask,
		threads:     threads,
		transcripts: transcripts,
		mux:         http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /ask", s.handleAsk)
	s.mux.HandleFunc("POST /ask/{task}", s.handleTask)
	s.mux.HandleFunc("GET /api/threads", s.handleThreads)
	s.mux.HandleFunc("GET /api/threads/{key}/turns", s.handleTurns)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler returns the server wrapped with OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s, "askstream.http")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// askRequest is the JSON body for POST /ask and, optionally, POST /ask/{task}.
type askRequest struct {
	Query     string          `json:"query"`
	ThreadKey types.ThreadKey `json:"thread_key"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.ThreadKey == "" {
		req.ThreadKey = DefaultThreadKey
	}
	s.answer(w, r, req.ThreadKey, req.Query)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("task")
	task, err := s.tasks.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !task.Enabled {
		writeError(w, http.StatusForbidden, "task is disabled")
		return
	}

	query := task.Query
	// Allow body to override the query
	var body askRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && strings.TrimSpace(body.Query) != "" {
		query = body.Query
	}
	s.answer(w, r, task.ThreadKey, query)
}

func (s *Server) answer(w http.ResponseWriter, r *http.Request, key types.ThreadKey, query string) {
	snap, err := s.ask(r.Context(), key, query)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "answer not ready")
		return
	case err != nil:
		slog.Error("relay ask failed", "thread_key", string(key), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type threadResponse struct {
	*types.ThreadIndex
	TurnCount int64 `json:"turn_count"`
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if s.threads == nil || s.transcripts == nil {
		writeError(w, http.StatusServiceUnavailable, "thread API not configured")
		return
	}
	ctx := r.Context()
	threads, err := s.threads.List(ctx)
	if err != nil {
		slog.Error("list threads failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result := make([]threadResponse, 0, len(threads))
	for _, th := range threads {
		count, err := s.transcripts.Count(ctx, th.ThreadID)
		if err != nil {
			slog.Warn("count turns failed", "thread_id", th.ThreadID, "error", err)
		}
		result = append(result, threadResponse{ThreadIndex: th, TurnCount: count})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if s.threads == nil || s.transcripts == nil {
		writeError(w, http.StatusServiceUnavailable, "thread API not configured")
		return
	}
	ctx := r.Context()
	key := types.ThreadKey(r.PathValue("key"))

	th, err := s.threads.Get(ctx, key)
	if errors.Is(err, state.ErrThreadNotFound) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		slog.Error("get thread failed", "thread_key", string(key), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	limit := defaultTurnLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.transcripts.Tail(ctx, th.ThreadID, limit)
	if err != nil {
		slog.Error("tail turns failed", "thread_id", th.ThreadID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if records == nil {
		records = []*types.TurnRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
