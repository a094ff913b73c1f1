package server

import (
	"fmt"
	"net/http"

	"casvault/internal/api"
	"casvault/internal/cas"
	"casvault/internal/models"
)

func (s *Server) handleAdminVerify(w http.ResponseWriter, r *http.Request) {
	var req api.VerifyRequest
	if !s.decodeOptionalJSONReq(w, r, &req) {
		return
	}

	s.withLimiter(w, r, s.adminLimiter, "admin", func() {
		issues, err := s.cas.VerifyIntegrity(r.Context(), cas.VerifyOptions{IncludeOrphans: req.IncludeOrphans})
		if err != nil {
			s.writeErrorReq(w, r, http.StatusInternalServerError, maintenanceFailure(err))
			return
		}
		if issues == nil {
			issues = []models.IntegrityIssue{}
		}
		s.writeJSON(w, http.StatusOK, api.VerifyResponse{Issues: issues, Count: len(issues)})
	})
}

func (s *Server) handleAdminGC(w http.ResponseWriter, r *http.Request) {
	s.withLimiter(w, r, s.adminLimiter, "admin", func() {
		result, err := s.cas.GarbageCollect(r.Context())
		if err != nil {
			s.writeErrorReq(w, r, http.StatusInternalServerError, maintenanceFailure(err))
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	})
}

func (s *Server) handleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	var req api.ReconcileRequest
	if !s.decodeOptionalJSONReq(w, r, &req) {
		return
	}
	if !req.DryRun && r.Header.Get("X-Confirm") != "true" {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("non-dry-run requires X-Confirm: true header"), ErrCodeMissingRequired))
		return
	}

	s.withLimiter(w, r, s.adminLimiter, "admin", func() {
		result, err := s.cas.ReconcileOrphans(r.Context(), req.DryRun)
		if err != nil {
			s.writeErrorReq(w, r, http.StatusInternalServerError, maintenanceFailure(err))
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	})
}

func maintenanceFailure(err error) error {
	return makeAPIError(http.StatusInternalServerError, "internal", ErrCodeMaintenanceFailed, err)
}
