package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	blobDirName   = ".blobs"
	tempDirName   = ".dedup_temp"
	blobExtension = ".blob"
	tempExtension = ".tmp"
	shardWidth    = 2
	dirPerm       = 0o755
)

// Layout resolves hashes to their deterministic location under a root.
//
//	<root>/.blobs/<hash[0:2]>/<hash>.blob
//	<root>/.dedup_temp/<uuid>.tmp
type Layout struct {
	root string
}

// NewLayout returns a layout for root. Directories are not created until
// Initialize is called.
func NewLayout(root string) (Layout, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return Layout{}, fmt.Errorf("blob root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, err
	}
	return Layout{root: abs}, nil
}

// Root returns the absolute storage root.
func (l Layout) Root() string {
	return l.root
}

// BlobDir returns the directory holding all shard directories.
func (l Layout) BlobDir() string {
	return filepath.Join(l.root, blobDirName)
}

// TempDir returns the staging directory.
func (l Layout) TempDir() string {
	return filepath.Join(l.root, tempDirName)
}

// BlobPath returns the path for hash. The hash must already be validated.
func (l Layout) BlobPath(hash string) string {
	return filepath.Join(l.BlobDir(), hash[:shardWidth], hash+blobExtension)
}

// TempPath returns a fresh, unique staging path.
func (l Layout) TempPath() string {
	return filepath.Join(l.TempDir(), uuid.NewString()+tempExtension)
}

// Initialize creates the root, staging and all 256 shard directories.
// It is safe to call on every startup.
func (l Layout) Initialize() error {
	if l.root == "" {
		return fmt.Errorf("blob root is required")
	}
	for _, dir := range []string{l.root, l.TempDir(), l.BlobDir()} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	for i := 0; i < 256; i++ {
		shard := filepath.Join(l.BlobDir(), fmt.Sprintf("%02x", i))
		if err := os.MkdirAll(shard, dirPerm); err != nil {
			return fmt.Errorf("create shard %s: %w", shard, err)
		}
	}
	return nil
}

// hashFromBlobName extracts the hash from a "<hash>.blob" file name.
func hashFromBlobName(name string) (string, bool) {
	hash, ok := strings.CutSuffix(name, blobExtension)
	if !ok || !ValidHash(hash) {
		return "", false
	}
	return hash, true
}
