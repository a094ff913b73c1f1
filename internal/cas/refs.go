package cas

import (
	"context"
	"errors"
	"fmt"

	"casvault/internal/store"
)

// AddReference adds one reference to an existing blob and returns the new
// count. Unknown hashes return ErrNotFound.
func (s *Service) AddReference(ctx context.Context, hash string) (int64, error) {
	hash, err := normalizeHash(hash)
	if err != nil {
		return 0, err
	}
	count, err := s.index.IncrementRef(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return 0, err
	}
	s.logger.Debug("added reference", "hash", hash, "ref_count", count)
	return count, nil
}

// RemoveReference drops one reference. It reports true when that was the
// last reference and the blob was deleted. Unknown hashes report false.
//
// The row is deleted and committed before the file is unlinked, so no reader
// of the index can ever see a row whose file is mid-deletion. A failed unlink
// leaves an orphan file for ReconcileOrphans.
func (s *Service) RemoveReference(ctx context.Context, hash string) (bool, error) {
	hash, err := normalizeHash(hash)
	if err != nil {
		return false, err
	}

	unlock := s.locks.Lock(hash)
	defer unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		deleted, found, err := s.decrement(ctx, hash)
		if errors.Is(err, store.ErrConflict) {
			s.logger.Debug("ref_count changed during remove, retrying", "hash", hash, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return false, err
		}
		if !found || !deleted {
			return false, nil
		}

		// The index is already consistent; the unlink must not be skipped
		// because the caller went away.
		if err := s.blobs.Remove(context.WithoutCancel(ctx), hash); err != nil {
			s.logger.Warn("remove blob file after last reference", "hash", hash, "error", err)
		} else {
			s.logger.Debug("deleted blob", "hash", hash)
		}
		return true, nil
	}
	return false, fmt.Errorf("remove reference %s: %w after %d attempts", hash, store.ErrConflict, maxCASAttempts)
}

// decrement runs one compare-and-swap round.
func (s *Service) decrement(ctx context.Context, hash string) (deleted, found bool, err error) {
	tx, err := s.index.Begin(ctx)
	if err != nil {
		return false, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	blob, err := tx.LockForUpdate(ctx, hash)
	if err != nil {
		return false, false, fmt.Errorf("lock blob %s: %w", hash, err)
	}
	if blob == nil {
		return false, false, tx.Rollback()
	}

	newCount := max(blob.RefCount-1, 0)
	deleted, err = tx.SetCountOrDelete(ctx, hash, blob.RefCount, newCount)
	if err != nil {
		return false, true, err
	}
	if err := tx.Commit(); err != nil {
		return false, true, fmt.Errorf("commit blob %s: %w", hash, err)
	}
	s.logger.Debug("removed reference", "hash", hash, "ref_count", newCount)
	return deleted, true, nil
}
