package cas

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"casvault/internal/blobstore"
	"casvault/internal/models"
)

// VerifyOptions controls VerifyIntegrity.
type VerifyOptions struct {
	// IncludeOrphans also walks the blob tree and reports files that have
	// no index row.
	IncludeOrphans bool
}

// GetStats returns index aggregates.
func (s *Service) GetStats(ctx context.Context) (models.Stats, error) {
	return s.index.AggregateStats(ctx)
}

// VerifyIntegrity rehashes every indexed blob and reports discrepancies.
// Problems with individual blobs are collected, not returned as errors; the
// error return is reserved for index failures and cancellation. Cost is
// proportional to total stored bytes.
func (s *Service) VerifyIntegrity(ctx context.Context, opts VerifyOptions) ([]models.IntegrityIssue, error) {
	issues := []models.IntegrityIssue{}
	after := ""
	checked := 0
	for {
		page, err := s.index.ListBlobsAfter(ctx, after, verifyPageSize)
		if err != nil {
			return issues, fmt.Errorf("list blobs: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, blob := range page {
			if err := ctx.Err(); err != nil {
				return issues, err
			}
			if issue, ok := s.verifyBlob(ctx, blob); ok {
				s.logger.Warn("integrity issue", "hash", issue.Hash, "kind", issue.Kind, "detail", issue.Detail)
				issues = append(issues, issue)
			}
			checked++
		}
		after = page[len(page)-1].Hash
	}

	if opts.IncludeOrphans {
		err := s.blobs.Walk(ctx, func(file blobstore.BlobFile) error {
			orphan, err := s.isOrphan(ctx, file)
			if err != nil || !orphan {
				return err
			}
			issues = append(issues, models.IntegrityIssue{
				Hash:       file.Hash,
				Kind:       models.IssueOrphanFile,
				Detail:     file.Path,
				ActualSize: file.Size,
			})
			return nil
		})
		if err != nil {
			return issues, fmt.Errorf("walk blob tree: %w", err)
		}
	}

	s.logger.Info("integrity verification finished", "checked", checked, "issues", len(issues))
	return issues, nil
}

func (s *Service) verifyBlob(ctx context.Context, blob models.Blob) (models.IntegrityIssue, bool) {
	issue := models.IntegrityIssue{Hash: blob.Hash, ExpectedSize: blob.Size}
	path := s.blobs.Layout().BlobPath(blob.Hash)

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		issue.Kind = models.IssueMissingFile
		issue.Detail = path
		return issue, true
	}
	if err != nil {
		issue.Kind = models.IssueReadError
		issue.Detail = err.Error()
		return issue, true
	}
	if info.Size() != blob.Size {
		issue.Kind = models.IssueSizeMismatch
		issue.ActualSize = info.Size()
		return issue, true
	}

	digest, n, err := blobstore.HashFile(ctx, path)
	if err != nil {
		issue.Kind = models.IssueReadError
		issue.Detail = err.Error()
		return issue, true
	}
	if n != blob.Size {
		issue.Kind = models.IssueSizeMismatch
		issue.ActualSize = n
		return issue, true
	}
	if digest != blob.Hash {
		issue.Kind = models.IssueHashMismatch
		issue.ActualHash = digest
		return issue, true
	}
	return issue, false
}

// GarbageCollect deletes index rows whose ref_count is not positive and then
// their files. The normal store/remove protocol never persists such rows, so
// this is a no-op unless the index was edited out of band. Per-file failures
// are logged and counted, never fatal.
func (s *Service) GarbageCollect(ctx context.Context) (models.GCResult, error) {
	result := models.GCResult{}
	removed, err := s.index.DeleteUnreferenced(ctx)
	if err != nil {
		return result, fmt.Errorf("delete unreferenced rows: %w", err)
	}

	for _, blob := range removed {
		result.DeletedCount++
		result.ReclaimedBytes += blob.Size

		ok, err := s.removeIfUnindexed(context.WithoutCancel(ctx), blob.Hash)
		if err != nil {
			result.FailedCount++
			s.logger.Warn("gc remove blob file", "hash", blob.Hash, "error", err)
			continue
		}
		if !ok {
			s.logger.Debug("gc skipped blob stored again", "hash", blob.Hash)
		}
	}

	if result.DeletedCount > 0 {
		s.logger.Info("garbage collection finished",
			"deleted", result.DeletedCount,
			"reclaimed_bytes", result.ReclaimedBytes,
			"failed", result.FailedCount,
		)
	}
	return result, nil
}

// ReconcileOrphans removes blob files that have no index row, such as those
// left by a crash between a deletion commit and the unlink, and sweeps
// staging files older than the configured age. With dryRun nothing is
// removed and the result counts what would be.
func (s *Service) ReconcileOrphans(ctx context.Context, dryRun bool) (models.ReconcileResult, error) {
	result := models.ReconcileResult{DryRun: dryRun}

	err := s.blobs.Walk(ctx, func(file blobstore.BlobFile) error {
		orphan, err := s.isOrphan(ctx, file)
		if err != nil || !orphan {
			return err
		}
		result.OrphanFiles++
		if dryRun {
			result.ReclaimedBytes += file.Size
			return nil
		}

		var ok bool
		if file.Hash == "" {
			err = s.blobs.RemovePath(ctx, file.Path)
			ok = err == nil
		} else {
			ok, err = s.removeIfUnindexed(ctx, file.Hash)
		}
		if err != nil {
			result.FailedCount++
			s.logger.Warn("remove orphan blob file", "path", file.Path, "error", err)
			return nil
		}
		if ok {
			result.RemovedFiles++
			result.ReclaimedBytes += file.Size
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("walk blob tree: %w", err)
	}

	stale, err := s.blobs.SweepTemp(ctx, s.tempMaxAge, dryRun)
	result.StaleTempFiles = stale
	if err != nil {
		return result, fmt.Errorf("sweep staging files: %w", err)
	}

	s.logger.Info("orphan reconciliation finished",
		"orphans", result.OrphanFiles,
		"removed", result.RemovedFiles,
		"stale_temp", result.StaleTempFiles,
		"dry_run", dryRun,
	)
	return result, nil
}

// isOrphan is an unlocked check; removal re-checks under the hash lock.
func (s *Service) isOrphan(ctx context.Context, file blobstore.BlobFile) (bool, error) {
	if file.Hash == "" {
		return true, nil
	}
	exists, err := s.index.BlobExists(ctx, file.Hash)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// removeIfUnindexed unlinks the file for hash unless a row for it exists.
// Holding the hash lock excludes a store that has placed the file but not
// yet committed its row.
func (s *Service) removeIfUnindexed(ctx context.Context, hash string) (bool, error) {
	unlock := s.locks.Lock(hash)
	defer unlock()

	exists, err := s.index.BlobExists(ctx, hash)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := s.blobs.Remove(ctx, hash); err != nil {
		return false, err
	}
	return true, nil
}
