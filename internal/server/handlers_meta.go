package server

import (
	"net/http"

	"casvault/internal/api"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.cas.Index().Info(r.Context())
	if err != nil {
		s.writeErrorReq(w, r, http.StatusInternalServerError, storeFailure(err))
		return
	}

	resp := api.InfoResponse{
		Root:          s.cas.Root(),
		DBPath:        info.Path,
		SchemaVersion: info.SchemaVersion,
		TotalBlobs:    info.TotalBlobs,
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cas.GetStats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
