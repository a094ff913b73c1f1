package models

import "time"

// Blob is the index row for one stored content object.
//
// Hash is the only identity. Size is set once when the blob is first stored,
// RefCount is mutated only inside locked transactions, and ContentType is
// informational.
type Blob struct {
	Hash        string    `json:"hash" yaml:"hash"`
	Size        int64     `json:"size" yaml:"size"`
	RefCount    int64     `json:"ref_count" yaml:"ref_count"`
	ContentType string    `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// StoreResult reports the outcome of one store call.
//
// Existing is false for a NewBlob (first store of novel content) and true for
// an ExistingBlob, in which case SavedBytes equals Size.
type StoreResult struct {
	Hash       string `json:"hash" yaml:"hash"`
	Size       int64  `json:"size" yaml:"size"`
	Existing   bool   `json:"existing" yaml:"existing"`
	SavedBytes int64  `json:"saved_bytes" yaml:"saved_bytes"`
	RefCount   int64  `json:"ref_count" yaml:"ref_count"`
}

// NewBlob reports whether the store call created the blob.
func (r StoreResult) NewBlob() bool {
	return !r.Existing
}

// Stats aggregates the dedup index.
type Stats struct {
	TotalBlobs           int64   `json:"total_blobs" yaml:"total_blobs"`
	TotalBytesStored     int64   `json:"total_bytes_stored" yaml:"total_bytes_stored"`
	TotalBytesReferenced int64   `json:"total_bytes_referenced" yaml:"total_bytes_referenced"`
	BytesSaved           int64   `json:"bytes_saved" yaml:"bytes_saved"`
	DedupRatio           float64 `json:"dedup_ratio" yaml:"dedup_ratio"`
}

// NewStats derives the saved bytes and ratio from the raw aggregates.
func NewStats(blobs, stored, referenced int64) Stats {
	stats := Stats{
		TotalBlobs:           blobs,
		TotalBytesStored:     stored,
		TotalBytesReferenced: referenced,
		BytesSaved:           referenced - stored,
		DedupRatio:           1,
	}
	if stored > 0 {
		stats.DedupRatio = float64(referenced) / float64(stored)
	}
	return stats
}

// IntegrityIssueKind classifies one discrepancy found by verification.
type IntegrityIssueKind string

const (
	IssueMissingFile  IntegrityIssueKind = "missing_file"
	IssueSizeMismatch IntegrityIssueKind = "size_mismatch"
	IssueHashMismatch IntegrityIssueKind = "hash_mismatch"
	IssueReadError    IntegrityIssueKind = "read_error"
	IssueOrphanFile   IntegrityIssueKind = "orphan_file"
)

// IntegrityIssue is one discrepancy between the index and the blob tree.
type IntegrityIssue struct {
	Hash         string             `json:"hash" yaml:"hash"`
	Kind         IntegrityIssueKind `json:"kind" yaml:"kind"`
	Detail       string             `json:"detail,omitempty" yaml:"detail,omitempty"`
	ExpectedSize int64              `json:"expected_size,omitempty" yaml:"expected_size,omitempty"`
	ActualSize   int64              `json:"actual_size,omitempty" yaml:"actual_size,omitempty"`
	ActualHash   string             `json:"actual_hash,omitempty" yaml:"actual_hash,omitempty"`
}

// GCResult reports one garbage collection run.
type GCResult struct {
	DeletedCount   int   `json:"deleted_count" yaml:"deleted_count"`
	ReclaimedBytes int64 `json:"reclaimed_bytes" yaml:"reclaimed_bytes"`
	FailedCount    int   `json:"failed_count" yaml:"failed_count"`
}

// ReconcileResult reports one orphan-file reconciliation sweep.
type ReconcileResult struct {
	OrphanFiles    int   `json:"orphan_files" yaml:"orphan_files"`
	RemovedFiles   int   `json:"removed_files" yaml:"removed_files"`
	ReclaimedBytes int64 `json:"reclaimed_bytes" yaml:"reclaimed_bytes"`
	StaleTempFiles int   `json:"stale_temp_files" yaml:"stale_temp_files"`
	FailedCount    int   `json:"failed_count" yaml:"failed_count"`
	DryRun         bool  `json:"dry_run" yaml:"dry_run"`
}
