package api

import (
	"encoding/json"
	"net/http"

	"github.com/seantiz/kiln/internal/engine"
)

// runRequest is the JSON body for POST /v1/run.
type runRequest struct {
	Code     string            `json:"code"`
	Language string            `json:"language"`
	Files    map[string]string `json:"files"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.engine.Execute(r.Context(), engine.RunRequest{
		Code:     req.Code,
		Language: req.Language,
		Files:    req.Files,
	})
	if err != nil {
		s.writeEngineError(w, "run program", err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}
