// Package cas implements the content-addressable blob service: hash-based
// deduplication, reference counting, streaming reads, and maintenance over
// a local blob tree and a SQLite dedup index.
package cas

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"casvault/internal/blobstore"
	"casvault/internal/store"
)

const (
	// DefaultIndexFileName is the index database created under the root
	// when no explicit path is configured.
	DefaultIndexFileName = ".dedup_index.db"

	// DefaultTempMaxAge is how old a staging file must be before
	// reconciliation treats it as abandoned.
	DefaultTempMaxAge = time.Hour

	maxCASAttempts = 8
	verifyPageSize = 500
)

var (
	// ErrNotFound is returned for unknown hashes on reads and AddReference.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidHash is returned for hashes that are not 64-char lowercase hex.
	ErrInvalidHash = errors.New("invalid blob hash")

	// ErrInvalidRange is returned for byte ranges that cannot be satisfied.
	ErrInvalidRange = errors.New("invalid byte range")
)

// Options configures a Service.
type Options struct {
	Root       string
	DBPath     string
	ChunkSize  int
	TempMaxAge time.Duration
	Logger     *slog.Logger
}

// Service is the process-wide CAS handle. It is built once, shared by all
// callers, and safe for concurrent use.
type Service struct {
	index *store.Store
	blobs blobstore.BlobStore
	locks *keyedMutex

	chunkSize  int
	tempMaxAge time.Duration
	logger     *slog.Logger
}

// Open initializes the blob tree and opens the index.
func Open(opts Options) (*Service, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	blobs, err := blobstore.NewLocalCAS(root, opts.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("initialize blob tree: %w", err)
	}

	dbPath := strings.TrimSpace(opts.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(blobs.Layout().Root(), DefaultIndexFileName)
	}
	index, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return New(index, blobs, opts), nil
}

// New assembles a Service from an opened index and blob store.
func New(index *store.Store, blobs blobstore.BlobStore, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = blobstore.DefaultChunkSize
	}
	tempMaxAge := opts.TempMaxAge
	if tempMaxAge <= 0 {
		tempMaxAge = DefaultTempMaxAge
	}
	return &Service{
		index:      index,
		blobs:      blobs,
		locks:      newKeyedMutex(),
		chunkSize:  chunkSize,
		tempMaxAge: tempMaxAge,
		logger:     logger.With("component", "cas"),
	}
}

// Initialize recreates the root, staging and shard directories. It is
// idempotent and cheap enough to call on every startup.
func (s *Service) Initialize() error {
	return s.blobs.Layout().Initialize()
}

// Flush is a no-op: durability comes from the index commit protocol and
// from syncing staged files before they are renamed into place.
func (s *Service) Flush() error {
	return nil
}

// Close releases the index connection.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	return s.index.Close()
}

// Root returns the absolute storage root.
func (s *Service) Root() string {
	return s.blobs.Layout().Root()
}

// Index exposes the underlying index for diagnostics.
func (s *Service) Index() *store.Store {
	return s.index
}

func validateHash(hash string) error {
	if !blobstore.ValidHash(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}

// normalizeHash accepts surrounding whitespace and upper-case hex from
// callers and returns the canonical form.
func normalizeHash(hash string) (string, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if err := validateHash(hash); err != nil {
		return "", err
	}
	return hash, nil
}
