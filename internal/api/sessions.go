package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createSessionRequest is the JSON body for POST /v1/sessions.
type createSessionRequest struct {
	Code        string            `json:"code"`
	Language    string            `json:"language"`
	Files       map[string]string `json:"files"`
	WallLimitMS *int64            `json:"wallLimitMs"`
	IdleLimitMS *int64            `json:"idleLimitMs"`
}

// createSessionResponse is returned for both successful and failed compiles.
type createSessionResponse struct {
	OK           bool   `json:"ok"`
	SessionID    string `json:"sessionId,omitempty"`
	Language     string `json:"language,omitempty"`
	WallLimitMS  int64  `json:"wallLimitMs,omitempty"`
	IdleLimitMS  int64  `json:"idleLimitMs,omitempty"`
	CompileError string `json:"compile_error,omitempty"`
}

// listSessionsResponse wraps the paginated list response.
type listSessionsResponse struct {
	Sessions []*model.Session `json:"sessions"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

type cancelSessionResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.engine.Create(r.Context(), engine.CreateRequest{
		Code:        req.Code,
		Language:    req.Language,
		Files:       req.Files,
		WallLimitMS: req.WallLimitMS,
		IdleLimitMS: req.IdleLimitMS,
	})
	if err != nil {
		s.writeEngineError(w, "create session", err)
		return
	}

	if !res.OK {
		s.writeJSON(w, http.StatusOK, createSessionResponse{
			Language:     res.Language,
			CompileError: res.Diagnostics,
		})
		return
	}

	s.writeJSON(w, http.StatusCreated, createSessionResponse{
		OK:          true,
		SessionID:   res.SessionID,
		Language:    res.Language,
		WallLimitMS: res.Limits.WallMS(),
		IdleLimitMS: res.Limits.IdleMS(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	sessions, total, err := s.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	if sessions == nil {
		sessions = []*model.Session{}
	}

	s.writeJSON(w, http.StatusOK, listSessionsResponse{
		Sessions: sessions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// handleDeleteSession cancels a live session or discards one that was never
// attached. Cancelling a live session is asynchronous: its record reaches a
// terminal status once cleanup finishes.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Cancel(r.Context(), id); err != nil {
		s.writeEngineError(w, "cancel session", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, cancelSessionResponse{OK: true, SessionID: id})
}

// writeEngineError maps engine errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, engine.ErrRegistryUnavailable):
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "session registry unavailable")
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
