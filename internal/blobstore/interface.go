package blobstore

import (
	"context"
	"io"
	"time"
)

// Staged is content written to the staging area but not yet placed.
//
// Source is set for content staged from a caller's file; Moved reports that
// the file itself was renamed into the staging area rather than copied.
type Staged struct {
	TempPath string
	Hash     string
	Size     int64
	Source   string
	Moved    bool
}

// BlobFile describes one file found under the blob tree.
//
// Hash is empty when the file name is not a valid "<hash>.blob" name.
type BlobFile struct {
	Path string
	Hash string
	Size int64
}

// BlobStore is the byte-storage abstraction used by the CAS service.
//
// Implementations never update a placed blob in place: placement is a
// rename of fully written content.
type BlobStore interface {
	Layout() Layout

	Stage(ctx context.Context, r io.Reader) (Staged, error)
	Place(ctx context.Context, staged Staged) error
	Discard(staged Staged)
	StageBytes(ctx context.Context, hash string, content []byte) (Staged, error)
	StageFile(ctx context.Context, src, hash string) (Staged, error)
	Unstage(staged Staged) error
	Unplace(ctx context.Context, staged Staged, keep bool) error
	Release(staged Staged) error

	Open(ctx context.Context, hash string) (io.ReadSeekCloser, error)
	Size(ctx context.Context, hash string) (int64, error)
	Remove(ctx context.Context, hash string) error
	RemovePath(ctx context.Context, path string) error

	Walk(ctx context.Context, fn func(BlobFile) error) error
	SweepTemp(ctx context.Context, olderThan time.Duration, dryRun bool) (int, error)
}
