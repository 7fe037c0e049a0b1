package api

import (
	"net/http"
)

type healthResponse struct {
	Status       string `json:"status"`
	LiveSessions int    `json:"live_sessions"`
	Languages    int    `json:"languages"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		LiveSessions: s.engine.LiveCount(),
		Languages:    len(s.engine.Languages()),
	})
}
