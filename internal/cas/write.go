package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"casvault/internal/blobstore"
	"casvault/internal/models"
)

// placement describes how content reaches its blob path on a miss and how
// each outcome is cleaned up. Only place runs under the hash lock and inside
// the index transaction; it must not do work proportional to content size.
type placement struct {
	place func(ctx context.Context) error
	// hit runs after an existing row was incremented and committed.
	hit func()
	// committed runs after a new row was committed.
	committed func()
	// abort runs when the call fails before content was placed.
	abort func()
	// unplace runs when the call fails after content was placed.
	unplace func()
}

// errNotStaged is returned by place when content was not staged because the
// unlocked pre-check saw a row that has since gone.
var errNotStaged = errors.New("content not staged")

// StoreBytes stores content and returns a NewBlob or ExistingBlob result.
func (s *Service) StoreBytes(ctx context.Context, content []byte, contentType string) (models.StoreResult, error) {
	hash := blobstore.HashBytes(content)
	size := int64(len(content))

	// Unlocked pre-check: novel content is staged before any lock is taken
	// so the index write lock is held only for a rename.
	exists, err := s.index.BlobExists(ctx, hash)
	if err != nil {
		return models.StoreResult{}, fmt.Errorf("check blob %s: %w", hash, err)
	}

	for {
		var staged blobstore.Staged
		if !exists {
			staged, err = s.blobs.StageBytes(ctx, hash, content)
			if err != nil {
				return models.StoreResult{}, fmt.Errorf("stage blob %s: %w", hash, err)
			}
		}

		result, err := s.commitBlob(ctx, hash, size, contentType, placement{
			place: func(ctx context.Context) error {
				if staged.TempPath == "" {
					return errNotStaged
				}
				return s.blobs.Place(ctx, staged)
			},
			hit:       func() { s.blobs.Discard(staged) },
			committed: func() {},
			abort:     func() { s.blobs.Discard(staged) },
			unplace:   func() { s.removeUncommitted(hash) },
		})
		if errors.Is(err, errNotStaged) {
			// The row vanished between the pre-check and the lock.
			exists = false
			continue
		}
		return result, err
	}
}

// StoreReader streams r into the staging area while hashing it, then stores
// the result. Memory use is independent of content size.
func (s *Service) StoreReader(ctx context.Context, r io.Reader, contentType string) (models.StoreResult, error) {
	staged, err := s.blobs.Stage(ctx, r)
	if err != nil {
		return models.StoreResult{}, fmt.Errorf("stage content: %w", err)
	}
	return s.commitBlob(ctx, staged.Hash, staged.Size, contentType, placement{
		place:     func(ctx context.Context) error { return s.blobs.Place(ctx, staged) },
		hit:       func() { s.blobs.Discard(staged) },
		committed: func() {},
		abort:     func() { s.blobs.Discard(staged) },
		unplace:   func() { s.removeUncommitted(staged.Hash) },
	})
}

// StoreFromFile stores the file at path. On a miss the file is moved into the
// blob tree; on a hit it is redundant and removed. precomputedHash skips
// re-hashing when the caller already digested the file. When the call fails
// the file is back at path.
func (s *Service) StoreFromFile(ctx context.Context, path, contentType, precomputedHash string) (models.StoreResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.StoreResult{}, err
	}
	if !info.Mode().IsRegular() {
		return models.StoreResult{}, fmt.Errorf("%s is not a regular file", path)
	}

	var hash string
	if precomputedHash != "" {
		if hash, err = normalizeHash(precomputedHash); err != nil {
			return models.StoreResult{}, err
		}
	} else {
		if hash, _, err = blobstore.HashFile(ctx, path); err != nil {
			return models.StoreResult{}, fmt.Errorf("hash %s: %w", path, err)
		}
	}

	staged, err := s.blobs.StageFile(ctx, path, hash)
	if err != nil {
		return models.StoreResult{}, fmt.Errorf("stage %s: %w", path, err)
	}

	release := func() {
		if err := s.blobs.Release(staged); err != nil {
			s.logger.Warn("remove stored source file", "path", path, "hash", hash, "error", err)
		}
	}
	return s.commitBlob(ctx, hash, staged.Size, contentType, placement{
		place: func(ctx context.Context) error { return s.blobs.Place(ctx, staged) },
		hit: func() {
			s.blobs.Discard(staged)
			release()
		},
		committed: release,
		abort: func() {
			if err := s.blobs.Unstage(staged); err != nil {
				s.logger.Error("restore source file", "path", path, "staged", staged.TempPath, "error", err)
			}
		},
		unplace: func() {
			ctx := context.WithoutCancel(ctx)
			exists, err := s.index.BlobExists(ctx, hash)
			if err != nil {
				// Keep the blob when unsure; reconciliation can remove it.
				exists = true
			}
			if err := s.blobs.Unplace(ctx, staged, exists); err != nil {
				s.logger.Error("restore source file", "path", path, "hash", hash, "error", err)
			}
		},
	})
}

// commitBlob runs the locked hit/miss protocol for one hash.
func (s *Service) commitBlob(ctx context.Context, hash string, size int64, contentType string, p placement) (result models.StoreResult, err error) {
	unlock := s.locks.Lock(hash)
	defer unlock()

	placed := false
	tx, err := s.index.Begin(ctx)
	if err != nil {
		p.abort()
		return result, err
	}
	defer func() {
		if err == nil {
			return
		}
		_ = tx.Rollback()
		if placed {
			p.unplace()
		} else {
			p.abort()
		}
	}()

	existing, err := tx.LockForUpdate(ctx, hash)
	if err != nil {
		return result, fmt.Errorf("lock blob %s: %w", hash, err)
	}

	if existing != nil {
		count, err := tx.Increment(ctx, hash)
		if err != nil {
			return result, err
		}
		if err := tx.Commit(); err != nil {
			return result, fmt.Errorf("commit blob %s: %w", hash, err)
		}
		p.hit()
		s.logger.Debug("stored existing blob", "hash", hash, "size", existing.Size, "ref_count", count)
		return models.StoreResult{
			Hash:       hash,
			Size:       existing.Size,
			Existing:   true,
			SavedBytes: existing.Size,
			RefCount:   count,
		}, nil
	}

	if err := p.place(ctx); err != nil {
		return result, fmt.Errorf("write blob %s: %w", hash, err)
	}
	placed = true

	count, err := tx.UpsertIncrement(ctx, hash, size, contentType)
	if err != nil {
		return result, err
	}
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit blob %s: %w", hash, err)
	}
	p.committed()
	s.logger.Debug("stored new blob", "hash", hash, "size", size, "ref_count", count)
	return models.StoreResult{Hash: hash, Size: size, RefCount: count}, nil
}

// removeUncommitted deletes a file placed by a transaction that then failed,
// unless some other writer has since committed a row for it.
func (s *Service) removeUncommitted(hash string) {
	ctx := context.Background()
	exists, err := s.index.BlobExists(ctx, hash)
	if err != nil || exists {
		return
	}
	if err := s.blobs.Remove(ctx, hash); err != nil {
		s.logger.Warn("remove uncommitted blob file", "hash", hash, "error", err)
	}
}
