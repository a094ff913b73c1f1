package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const filePerm = 0o644

// LocalCAS stores blob bytes in a local content-addressed tree.
type LocalCAS struct {
	layout    Layout
	chunkSize int
}

var _ BlobStore = (*LocalCAS)(nil)

// NewLocalCAS creates a local CAS rooted at root and initializes its
// directory tree.
func NewLocalCAS(root string, chunkSize int) (*LocalCAS, error) {
	layout, err := NewLayout(root)
	if err != nil {
		return nil, err
	}
	if err := layout.Initialize(); err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &LocalCAS{layout: layout, chunkSize: chunkSize}, nil
}

// Layout returns the path resolver.
func (c *LocalCAS) Layout() Layout {
	return c.layout
}

// Stage streams r into the staging area while computing its digest.
func (c *LocalCAS) Stage(ctx context.Context, r io.Reader) (Staged, error) {
	var zero Staged
	if c == nil {
		return zero, fmt.Errorf("blob store is not configured")
	}
	if r == nil {
		return zero, fmt.Errorf("reader is required")
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	tmpPath := c.layout.TempPath()
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return zero, err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	digest, n, err := hashInto(ctx, r, tmp, c.chunkSize)
	if err != nil {
		cleanup()
		return zero, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return zero, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return zero, err
	}
	return Staged{TempPath: tmpPath, Hash: digest, Size: n}, nil
}

// Place atomically renames staged content to its blob path.
func (c *LocalCAS) Place(ctx context.Context, staged Staged) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidHash(staged.Hash) {
		return fmt.Errorf("invalid blob hash %q", staged.Hash)
	}
	if err := os.Rename(staged.TempPath, c.layout.BlobPath(staged.Hash)); err != nil {
		return fmt.Errorf("place blob %s: %w", staged.Hash, err)
	}
	return nil
}

// Discard removes staged content that will not be placed.
func (c *LocalCAS) Discard(staged Staged) {
	if staged.TempPath == "" {
		return
	}
	_ = os.Remove(staged.TempPath)
}

// StageBytes writes content to the staging area under its known hash.
func (c *LocalCAS) StageBytes(ctx context.Context, hash string, content []byte) (Staged, error) {
	var zero Staged
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if !ValidHash(hash) {
		return zero, fmt.Errorf("invalid blob hash %q", hash)
	}

	tmpPath := c.layout.TempPath()
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return zero, err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return zero, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return zero, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return zero, err
	}
	return Staged{TempPath: tmpPath, Hash: hash, Size: int64(len(content))}, nil
}

// StageFile brings src into the staging area under its known hash. A plain
// rename is tried first; when that is not possible (for example across
// devices) the content is copied and verified, and src is left in place
// until the caller calls Release after committing.
func (c *LocalCAS) StageFile(ctx context.Context, src, hash string) (Staged, error) {
	var zero Staged
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if !ValidHash(hash) {
		return zero, fmt.Errorf("invalid blob hash %q", hash)
	}

	tmpPath := c.layout.TempPath()
	renameErr := os.Rename(src, tmpPath)
	if renameErr == nil {
		info, err := os.Stat(tmpPath)
		if err != nil {
			_ = os.Rename(tmpPath, src)
			return zero, err
		}
		return Staged{TempPath: tmpPath, Hash: hash, Size: info.Size(), Source: src, Moved: true}, nil
	}

	f, err := os.Open(src)
	if err != nil {
		return zero, fmt.Errorf("stage %s: %w", src, renameErr)
	}
	staged, err := c.Stage(ctx, f)
	_ = f.Close()
	if err != nil {
		return zero, err
	}
	if staged.Hash != hash {
		c.Discard(staged)
		return zero, fmt.Errorf("stage %s: content hash %s does not match %s", src, staged.Hash, hash)
	}
	staged.Source = src
	return staged, nil
}

// Unstage undoes StageFile before placement: a moved source is renamed back
// and a copy is discarded.
func (c *LocalCAS) Unstage(staged Staged) error {
	if staged.TempPath == "" {
		return nil
	}
	if staged.Moved {
		if err := os.Rename(staged.TempPath, staged.Source); err != nil {
			return fmt.Errorf("restore %s: %w", staged.Source, err)
		}
		return nil
	}
	c.Discard(staged)
	return nil
}

// Unplace undoes Place for content whose index row never committed. A
// moved source gets its file back; anything else is removed. With keep set
// the blob stays in place (another writer references it) and a moved source
// is restored as a copy.
func (c *LocalCAS) Unplace(ctx context.Context, staged Staged, keep bool) error {
	if !ValidHash(staged.Hash) {
		return fmt.Errorf("invalid blob hash %q", staged.Hash)
	}
	blobPath := c.layout.BlobPath(staged.Hash)
	switch {
	case staged.Moved && keep:
		return copyFile(ctx, blobPath, staged.Source, c.chunkSize)
	case staged.Moved:
		if err := os.Rename(blobPath, staged.Source); err != nil {
			return fmt.Errorf("restore %s: %w", staged.Source, err)
		}
		return nil
	case keep:
		return nil
	default:
		if err := os.Remove(blobPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
}

// Release drops the caller's source once its content is committed or found
// redundant. Only copied sources still exist at that point.
func (c *LocalCAS) Release(staged Staged) error {
	if staged.Source == "" || staged.Moved {
		return nil
	}
	if err := os.Remove(staged.Source); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove source %s: %w", staged.Source, err)
	}
	return nil
}

func copyFile(ctx context.Context, src, dst string, chunkSize int) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	if _, _, err := hashInto(ctx, in, out, chunkSize); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

// Open returns a seekable reader for blob content.
func (c *LocalCAS) Open(ctx context.Context, hash string) (io.ReadSeekCloser, error) {
	if c == nil {
		return nil, fmt.Errorf("blob store is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidHash(hash) {
		return nil, fmt.Errorf("invalid blob hash %q", hash)
	}
	return os.Open(c.layout.BlobPath(hash))
}

// Size returns the on-disk size of a blob from filesystem metadata.
func (c *LocalCAS) Size(ctx context.Context, hash string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !ValidHash(hash) {
		return 0, fmt.Errorf("invalid blob hash %q", hash)
	}
	info, err := os.Stat(c.layout.BlobPath(hash))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Remove deletes a blob file. Missing files are ignored.
func (c *LocalCAS) Remove(ctx context.Context, hash string) error {
	if c == nil {
		return fmt.Errorf("blob store is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidHash(hash) {
		return fmt.Errorf("invalid blob hash %q", hash)
	}
	if err := os.Remove(c.layout.BlobPath(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemovePath deletes one file inside the blob tree by path. It is used for
// files whose names do not resolve to a hash.
func (c *LocalCAS) RemovePath(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := filepath.Rel(c.layout.BlobDir(), path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %s is outside the blob tree", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Walk visits every regular file in the shard directories.
func (c *LocalCAS) Walk(ctx context.Context, fn func(BlobFile) error) error {
	shards, err := os.ReadDir(c.layout.BlobDir())
	if err != nil {
		return err
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		dir := filepath.Join(c.layout.BlobDir(), shard.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return err
			}
			file := BlobFile{Path: filepath.Join(dir, entry.Name()), Size: info.Size()}
			if hash, ok := hashFromBlobName(entry.Name()); ok && hash[:shardWidth] == shard.Name() {
				file.Hash = hash
			}
			if err := fn(file); err != nil {
				return err
			}
		}
	}
	return nil
}

// SweepTemp removes staging files older than olderThan and returns how many
// were found.
func (c *LocalCAS) SweepTemp(ctx context.Context, olderThan time.Duration, dryRun bool) (int, error) {
	entries, err := os.ReadDir(c.layout.TempDir())
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	count := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), tempExtension) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		count++
		if dryRun {
			continue
		}
		if err := os.Remove(filepath.Join(c.layout.TempDir(), entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return count, err
		}
	}
	return count, nil
}
