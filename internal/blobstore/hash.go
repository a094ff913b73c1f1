package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

const (
	// HashLength is the length of a hex-encoded SHA-256 digest.
	HashLength = sha256.Size * 2

	// DefaultChunkSize bounds memory for hashing and streaming reads.
	DefaultChunkSize = 256 * 1024
)

// HashBytes returns the lowercase hex SHA-256 digest of content.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashReader digests r in fixed-size chunks and returns the digest and the
// number of bytes read. The context is checked between chunks.
func HashReader(ctx context.Context, r io.Reader) (string, int64, error) {
	return hashInto(ctx, r, io.Discard, DefaultChunkSize)
}

// HashFile digests the file at path without loading it into memory.
func HashFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return HashReader(ctx, f)
}

// ValidHash reports whether hash is a 64-char lowercase hex digest.
func ValidHash(hash string) bool {
	if len(hash) != HashLength {
		return false
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// hashInto copies r into w while digesting it.
func hashInto(ctx context.Context, r io.Reader, w io.Writer, chunkSize int) (string, int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	h := sha256.New()
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return "", total, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			if _, err := w.Write(buf[:n]); err != nil {
				return "", total, err
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", total, readErr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}
