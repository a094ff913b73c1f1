package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"

	"casvault/internal/blobstore"
	"casvault/internal/models"
)

// BlobExists reports whether the index has a row for hash.
func (s *Service) BlobExists(ctx context.Context, hash string) (bool, error) {
	hash, err := normalizeHash(hash)
	if err != nil {
		return false, err
	}
	return s.index.BlobExists(ctx, hash)
}

// GetBlobMetadata returns the index row for hash, or nil when none exists.
func (s *Service) GetBlobMetadata(ctx context.Context, hash string) (*models.Blob, error) {
	hash, err := normalizeHash(hash)
	if err != nil {
		return nil, err
	}
	return s.index.GetBlob(ctx, hash)
}

// OpenBlob opens blob content for reading. Reads consult only the blob tree;
// a missing file returns ErrNotFound.
func (s *Service) OpenBlob(ctx context.Context, hash string) (io.ReadSeekCloser, error) {
	hash, err := normalizeHash(hash)
	if err != nil {
		return nil, err
	}
	f, err := s.blobs.Open(ctx, hash)
	if err != nil {
		return nil, notFound(hash, err)
	}
	return f, nil
}

// ReadBlob returns the whole blob in memory.
func (s *Service) ReadBlob(ctx context.Context, hash string) ([]byte, error) {
	f, err := s.OpenBlob(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// BlobSize returns the blob's size from filesystem metadata.
func (s *Service) BlobSize(ctx context.Context, hash string) (int64, error) {
	hash, err := normalizeHash(hash)
	if err != nil {
		return 0, err
	}
	size, err := s.blobs.Size(ctx, hash)
	if err != nil {
		return 0, notFound(hash, err)
	}
	return size, nil
}

// OpenBlobRange opens [start, end) of a blob and returns the reader with the
// number of bytes it will yield. A negative end means end of blob; an end
// past the blob is clamped and a start past the blob yields nothing.
func (s *Service) OpenBlobRange(ctx context.Context, hash string, start, end int64) (io.ReadCloser, int64, error) {
	if start < 0 || (end >= 0 && end < start) {
		return nil, 0, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, end)
	}
	f, err := s.OpenBlob(ctx, hash)
	if err != nil {
		return nil, 0, err
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	if end < 0 || end > size {
		end = size
	}
	start = min(start, end)

	section, err := blobstore.NewSectionReadCloser(f, start, end)
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return section, end - start, nil
}

// ReadBlobStream returns a lazy, single-use sequence of chunks covering the
// whole blob. The file is opened when iteration starts.
func (s *Service) ReadBlobStream(ctx context.Context, hash string) iter.Seq2[[]byte, error] {
	return blobstore.ChunkSeq(ctx, func() (io.ReadCloser, error) {
		return s.OpenBlob(ctx, hash)
	}, s.chunkSize)
}

// ReadBlobRangeStream is ReadBlobStream restricted to [start, end), with the
// same bounds handling as OpenBlobRange.
func (s *Service) ReadBlobRangeStream(ctx context.Context, hash string, start, end int64) iter.Seq2[[]byte, error] {
	return blobstore.ChunkSeq(ctx, func() (io.ReadCloser, error) {
		rc, _, err := s.OpenBlobRange(ctx, hash, start, end)
		return rc, err
	}, s.chunkSize)
}

func notFound(hash string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return err
}

// ListBlobs yields every index row in hash order, one page at a time. Rows
// changed after their page was read are not revisited.
func (s *Service) ListBlobs(ctx context.Context) iter.Seq2[models.Blob, error] {
	return func(yield func(models.Blob, error) bool) {
		after := ""
		for {
			page, err := s.index.ListBlobsAfter(ctx, after, verifyPageSize)
			if err != nil {
				yield(models.Blob{}, fmt.Errorf("list blobs: %w", err))
				return
			}
			if len(page) == 0 {
				return
			}
			for _, blob := range page {
				if !yield(blob, nil) {
					return
				}
			}
			after = page[len(page)-1].Hash
		}
	}
}
