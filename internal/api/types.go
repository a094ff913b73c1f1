package api

import "casvault/internal/models"

// ErrorResponse is a generic JSON error wrapper.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// InfoResponse describes the running service.
type InfoResponse struct {
	Root          string `json:"root" yaml:"root"`
	DBPath        string `json:"db_path" yaml:"db_path"`
	SchemaVersion int    `json:"schema_version" yaml:"schema_version"`
	TotalBlobs    int64  `json:"total_blobs" yaml:"total_blobs"`
}

// RefResponse is returned by the reference endpoints.
type RefResponse struct {
	Hash     string `json:"hash" yaml:"hash"`
	RefCount int64  `json:"ref_count" yaml:"ref_count"`
	Deleted  bool   `json:"deleted" yaml:"deleted"`
}

// VerifyRequest controls an integrity verification run.
type VerifyRequest struct {
	IncludeOrphans bool `json:"include_orphans"`
}

// VerifyResponse lists integrity issues found by verification.
type VerifyResponse struct {
	Issues []models.IntegrityIssue `json:"issues" yaml:"issues"`
	Count  int                     `json:"count" yaml:"count"`
}

// ReconcileRequest controls an orphan reconciliation run.
type ReconcileRequest struct {
	DryRun bool `json:"dry_run"`
}
