package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/compiler"
)

type languagesResponse struct {
	Languages []compiler.Info `json:"languages"`
}

func (s *Server) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, languagesResponse{Languages: s.engine.Languages()})
}
