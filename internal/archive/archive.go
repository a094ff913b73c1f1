// Package archive moves a vault's contents in and out of a single portable
// file: a zstd-compressed tar holding one entry per blob followed by a JSON
// manifest of reference counts.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"casvault/internal/cas"
	"casvault/internal/models"
)

const (
	// FormatVersion is bumped when the entry layout changes.
	FormatVersion = 1

	manifestName = "manifest.json"
	blobDir      = "blobs"
	blobExt      = ".blob"

	// contentTypeRecord carries a blob's content type in its entry header,
	// since the manifest is only read after every blob is stored.
	contentTypeRecord = "CASVAULT.content_type"
)

// Entry describes one exported blob.
type Entry struct {
	Hash        string `json:"hash" yaml:"hash"`
	Size        int64  `json:"size" yaml:"size"`
	RefCount    int64  `json:"ref_count" yaml:"ref_count"`
	ContentType string `json:"content_type,omitempty" yaml:"content_type,omitempty"`
}

// Manifest is written as the final archive entry.
type Manifest struct {
	Version    int       `json:"version" yaml:"version"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	Blobs      []Entry   `json:"blobs" yaml:"blobs"`
	TotalBytes int64     `json:"total_bytes" yaml:"total_bytes"`
}

// ImportResult summarizes one import.
type ImportResult struct {
	Blobs         int   `json:"blobs" yaml:"blobs"`
	NewBlobs      int   `json:"new_blobs" yaml:"new_blobs"`
	References    int64 `json:"references" yaml:"references"`
	BytesImported int64 `json:"bytes_imported" yaml:"bytes_imported"`
}

// Export writes every referenced blob to w. Unreferenced rows awaiting
// garbage collection and blobs deleted while the export runs are left out.
func Export(ctx context.Context, svc *cas.Service, w io.Writer, logger *slog.Logger) (Manifest, error) {
	logger = loggerOrDefault(logger)
	manifest := Manifest{Version: FormatVersion, CreatedAt: time.Now().UTC(), Blobs: []Entry{}}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return manifest, fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for blob, err := range svc.ListBlobs(ctx) {
		if err != nil {
			_ = zw.Close()
			return manifest, err
		}
		if blob.RefCount <= 0 {
			continue
		}
		ok, err := exportBlob(ctx, svc, tw, blob, manifest.CreatedAt)
		if err != nil {
			_ = zw.Close()
			return manifest, err
		}
		if !ok {
			logger.Debug("skipped blob removed during export", "hash", blob.Hash)
			continue
		}
		manifest.Blobs = append(manifest.Blobs, Entry{
			Hash:        blob.Hash,
			Size:        blob.Size,
			RefCount:    blob.RefCount,
			ContentType: blob.ContentType,
		})
		manifest.TotalBytes += blob.Size
	}

	payload, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		_ = zw.Close()
		return manifest, err
	}
	if err := writeEntry(tw, manifestName, int64(len(payload)), manifest.CreatedAt, "", bytes.NewReader(payload)); err != nil {
		_ = zw.Close()
		return manifest, err
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return manifest, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return manifest, fmt.Errorf("close zstd: %w", err)
	}

	logger.Info("export complete", "blobs", len(manifest.Blobs), "bytes", manifest.TotalBytes)
	return manifest, nil
}

func exportBlob(ctx context.Context, svc *cas.Service, tw *tar.Writer, blob models.Blob, modTime time.Time) (bool, error) {
	f, err := svc.OpenBlob(ctx, blob.Hash)
	if errors.Is(err, cas.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	if err := writeEntry(tw, blobEntryName(blob.Hash), blob.Size, modTime, blob.ContentType, f); err != nil {
		return false, fmt.Errorf("export %s: %w", blob.Hash, err)
	}
	return true, nil
}

func writeEntry(tw *tar.Writer, name string, size int64, modTime time.Time, contentType string, r io.Reader) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     size,
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if contentType != "" {
		hdr.Format = tar.FormatPAX
		hdr.PAXRecords = map[string]string{contentTypeRecord: contentType}
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, r)
	return err
}

// Import stores every blob in the archive, then restores reference counts
// from the manifest. Each blob's content is re-hashed and must match its
// entry name. On failure, references added by this import are released.
func Import(ctx context.Context, svc *cas.Service, r io.Reader, logger *slog.Logger) (ImportResult, error) {
	logger = loggerOrDefault(logger)
	var result ImportResult

	zr, err := zstd.NewReader(r)
	if err != nil {
		return result, fmt.Errorf("open zstd reader: %w", err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)

	// One reference per stored blob, released again if the import fails.
	stored := make(map[string]models.StoreResult)
	added := make(map[string]int64)
	rollback := func() {
		ctx := context.WithoutCancel(ctx)
		for hash := range stored {
			for i := int64(0); i < added[hash]+1; i++ {
				if _, err := svc.RemoveReference(ctx, hash); err != nil {
					logger.Warn("release imported reference failed", "hash", hash, "error", err)
					break
				}
			}
		}
	}

	var manifest *Manifest
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rollback()
			return result, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		if hdr.Name == manifestName {
			manifest = &Manifest{}
			if err := json.NewDecoder(tr).Decode(manifest); err != nil {
				rollback()
				return result, fmt.Errorf("decode manifest: %w", err)
			}
			continue
		}

		hash, ok := hashFromEntryName(hdr.Name)
		if !ok {
			rollback()
			return result, fmt.Errorf("unexpected archive entry %q", hdr.Name)
		}
		if _, dup := stored[hash]; dup {
			rollback()
			return result, fmt.Errorf("duplicate archive entry for %s", hash)
		}
		res, err := svc.StoreReader(ctx, tr, hdr.PAXRecords[contentTypeRecord])
		if err != nil {
			rollback()
			return result, fmt.Errorf("import %s: %w", hash, err)
		}
		if res.Hash != hash {
			if _, err := svc.RemoveReference(context.WithoutCancel(ctx), res.Hash); err != nil {
				logger.Warn("release mismatched blob failed", "hash", res.Hash, "error", err)
			}
			rollback()
			return result, fmt.Errorf("import %s: content hashes to %s", hash, res.Hash)
		}
		stored[hash] = res
		result.Blobs++
		if res.NewBlob() {
			result.NewBlobs++
		}
		result.BytesImported += res.Size
	}

	if manifest == nil {
		rollback()
		return result, fmt.Errorf("archive has no %s", manifestName)
	}
	if manifest.Version != FormatVersion {
		rollback()
		return result, fmt.Errorf("unsupported archive version %d", manifest.Version)
	}

	for _, entry := range manifest.Blobs {
		if _, ok := stored[entry.Hash]; !ok {
			rollback()
			return result, fmt.Errorf("manifest lists %s but the archive has no content for it", entry.Hash)
		}
		for i := int64(1); i < entry.RefCount; i++ {
			if _, err := svc.AddReference(ctx, entry.Hash); err != nil {
				rollback()
				return result, fmt.Errorf("restore references for %s: %w", entry.Hash, err)
			}
			added[entry.Hash]++
		}
	}
	for _, res := range stored {
		result.References += added[res.Hash] + 1
	}

	logger.Info("import complete", "blobs", result.Blobs, "new_blobs", result.NewBlobs, "references", result.References)
	return result, nil
}

func blobEntryName(hash string) string {
	return path.Join(blobDir, hash+blobExt)
}

func hashFromEntryName(name string) (string, bool) {
	dir, file := path.Split(path.Clean(name))
	if strings.TrimSuffix(dir, "/") != blobDir {
		return "", false
	}
	hash, ok := strings.CutSuffix(file, blobExt)
	if !ok || hash == "" {
		return "", false
	}
	return hash, true
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "archive")
}
