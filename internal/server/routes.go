package server

import (
	"net/http"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health check and info.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/info", s.handleInfo)

	// Blobs. GET also answers HEAD.
	mux.HandleFunc("POST /v1/blobs", s.handlePutBlob)
	mux.HandleFunc("GET /v1/blobs/{hash}", s.handleGetBlob)
	mux.HandleFunc("GET /v1/blobs/{hash}/meta", s.handleBlobMeta)

	// References.
	mux.HandleFunc("POST /v1/blobs/{hash}/refs", s.handleAddReference)
	mux.HandleFunc("DELETE /v1/blobs/{hash}/refs", s.handleRemoveReference)

	mux.HandleFunc("GET /v1/stats", s.handleStats)

	// Admin.
	mux.HandleFunc("POST /v1/admin/verify", s.handleAdminVerify)
	mux.HandleFunc("POST /v1/admin/gc", s.handleAdminGC)
	mux.HandleFunc("POST /v1/admin/reconcile", s.handleAdminReconcile)

	return s.withRequestID(s.withRequestLogging(s.withAuth(mux)))
}
