package cas

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"casvault/internal/models"
)

// forceRefCount edits the index out of band through a second connection.
func forceRefCount(t *testing.T, svc *Service, hash string, count int64) {
	t.Helper()
	info, err := svc.Index().Info(context.Background())
	if err != nil {
		t.Fatalf("index info: %v", err)
	}
	db, err := sql.Open("sqlite", info.Path)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE blobs SET ref_count = ? WHERE hash = ?`, count, hash); err != nil {
		t.Fatalf("force ref_count: %v", err)
	}
}

func TestGetStats(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	stats, err := svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalBlobs != 0 || stats.DedupRatio != 1 {
		t.Fatalf("unexpected empty stats: %#v", stats)
	}

	mustStore(t, svc, "aaaa")
	mustStore(t, svc, "aaaa")
	mustStore(t, svc, "bb")

	stats, err = svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalBlobs != 2 || stats.TotalBytesStored != 6 || stats.TotalBytesReferenced != 10 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
	if stats.BytesSaved != stats.TotalBytesReferenced-stats.TotalBytesStored {
		t.Fatalf("bytes_saved inconsistent: %#v", stats)
	}
	if stats.TotalBytesReferenced < stats.TotalBytesStored {
		t.Fatalf("referenced below stored: %#v", stats)
	}
}

func TestGarbageCollectIsNoopUnderNormalUse(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	a := mustStore(t, svc, "keep")
	b := mustStore(t, svc, "drop")
	if _, err := svc.AddReference(ctx, a.Hash); err != nil {
		t.Fatalf("add ref: %v", err)
	}
	if _, err := svc.RemoveReference(ctx, b.Hash); err != nil {
		t.Fatalf("remove: %v", err)
	}

	res, err := svc.GarbageCollect(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if res != (models.GCResult{}) {
		t.Fatalf("expected (0,0), got %#v", res)
	}
}

func TestGarbageCollectRemovesZeroRows(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	res := mustStore(t, svc, "forced zero")

	forceRefCount(t, svc, res.Hash, 0)

	gc, err := svc.GarbageCollect(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if gc.DeletedCount != 1 || gc.ReclaimedBytes != res.Size || gc.FailedCount != 0 {
		t.Fatalf("unexpected gc result: %#v", gc)
	}
	if _, err := svc.BlobSize(ctx, res.Hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected file removed, got %v", err)
	}
}

func TestVerifyIntegrityReportsDiscrepancies(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	healthy := mustStore(t, svc, "healthy")
	missing := mustStore(t, svc, "missing")
	resized := mustStore(t, svc, "resized")
	corrupt := mustStore(t, svc, "corrupt")

	layout := svc.blobs.Layout()
	if err := os.Remove(layout.BlobPath(missing.Hash)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(layout.BlobPath(resized.Hash), []byte("resized!!"), 0o644); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if err := os.WriteFile(layout.BlobPath(corrupt.Hash), []byte("CORRUPT"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	issues, err := svc.VerifyIntegrity(ctx, VerifyOptions{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	kinds := map[string]models.IntegrityIssueKind{}
	for _, issue := range issues {
		kinds[issue.Hash] = issue.Kind
	}
	if len(issues) != 3 {
		t.Fatalf("expected 3 issues, got %#v", issues)
	}
	if _, ok := kinds[healthy.Hash]; ok {
		t.Fatal("healthy blob reported")
	}
	if kinds[missing.Hash] != models.IssueMissingFile {
		t.Fatalf("expected missing_file, got %q", kinds[missing.Hash])
	}
	if kinds[resized.Hash] != models.IssueSizeMismatch {
		t.Fatalf("expected size_mismatch, got %q", kinds[resized.Hash])
	}
	if kinds[corrupt.Hash] != models.IssueHashMismatch {
		t.Fatalf("expected hash_mismatch, got %q", kinds[corrupt.Hash])
	}
}

func TestVerifyIntegrityIncludeOrphans(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	mustStore(t, svc, "indexed")

	orphan := strings.Repeat("d", 64)
	path := svc.blobs.Layout().BlobPath(orphan)
	if err := os.WriteFile(path, []byte("orphan"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	issues, err := svc.VerifyIntegrity(ctx, VerifyOptions{})
	if err != nil || len(issues) != 0 {
		t.Fatalf("expected clean index scan, got %#v (%v)", issues, err)
	}

	issues, err = svc.VerifyIntegrity(ctx, VerifyOptions{IncludeOrphans: true})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(issues) != 1 || issues[0].Kind != models.IssueOrphanFile || issues[0].Hash != orphan {
		t.Fatalf("expected one orphan issue, got %#v", issues)
	}
}

func TestReconcileOrphans(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	kept := mustStore(t, svc, "kept")
	layout := svc.blobs.Layout()

	orphan := strings.Repeat("e", 64)
	if err := os.WriteFile(layout.BlobPath(orphan), []byte("orphan"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	junk := filepath.Join(layout.BlobDir(), "12", "junk.part")
	if err := os.WriteFile(junk, []byte("xx"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	stale := filepath.Join(layout.TempDir(), "abandoned.tmp")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	past := time.Now().Add(-2 * DefaultTempMaxAge)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	dry, err := svc.ReconcileOrphans(ctx, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !dry.DryRun || dry.OrphanFiles != 2 || dry.RemovedFiles != 0 || dry.StaleTempFiles != 1 || dry.ReclaimedBytes != 8 {
		t.Fatalf("unexpected dry run result: %#v", dry)
	}
	if _, err := os.Stat(layout.BlobPath(orphan)); err != nil {
		t.Fatalf("dry run removed orphan: %v", err)
	}

	res, err := svc.ReconcileOrphans(ctx, false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.OrphanFiles != 2 || res.RemovedFiles != 2 || res.StaleTempFiles != 1 || res.FailedCount != 0 {
		t.Fatalf("unexpected result: %#v", res)
	}
	for _, path := range []string{layout.BlobPath(orphan), junk, stale} {
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("expected %s removed, got %v", path, err)
		}
	}
	if _, err := svc.ReadBlob(ctx, kept.Hash); err != nil {
		t.Fatalf("indexed blob must survive: %v", err)
	}
}
