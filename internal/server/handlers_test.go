package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"casvault/internal/api"
	"casvault/internal/cas"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server, *api.Client) {
	t.Helper()
	t.Setenv(apiTokenEnvKey, "")
	t.Setenv("CASVAULT_ADMIN_TOKEN", "")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := cas.Open(cas.Options{Root: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatalf("open cas: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	opts.Logger = logger
	srv := New("", svc, opts)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts, api.NewClient(ts.URL)
}

func digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestBlobLifecycleOverHTTP(t *testing.T) {
	_, _, client := newTestServer(t, Options{})
	ctx := context.Background()

	first, err := client.PutBlob(ctx, strings.NewReader("hello"), "text/plain")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if first.Existing || first.Hash != digest("hello") || first.Size != 5 {
		t.Fatalf("unexpected first put: %+v", first)
	}

	second, err := client.PutBlob(ctx, strings.NewReader("hello"), "")
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if !second.Existing || second.SavedBytes != 5 || second.RefCount != 2 {
		t.Fatalf("unexpected second put: %+v", second)
	}

	var buf bytes.Buffer
	n, err := client.GetBlob(ctx, first.Hash, 0, -1, &buf)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n != 5 || buf.String() != "hello" {
		t.Fatalf("unexpected body %q (%d)", buf.String(), n)
	}

	meta, err := client.GetBlobMetadata(ctx, first.Hash)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.RefCount != 2 || meta.ContentType != "text/plain" {
		t.Fatalf("unexpected meta: %+v", meta)
	}

	ref, err := client.AddReference(ctx, first.Hash)
	if err != nil {
		t.Fatalf("add ref: %v", err)
	}
	if ref.RefCount != 3 {
		t.Fatalf("expected ref_count 3, got %d", ref.RefCount)
	}

	for want := int64(2); want >= 1; want-- {
		resp, err := client.RemoveReference(ctx, first.Hash)
		if err != nil {
			t.Fatalf("remove ref: %v", err)
		}
		if resp.Deleted || resp.RefCount != want {
			t.Fatalf("expected live blob with %d refs, got %+v", want, resp)
		}
	}

	last, err := client.RemoveReference(ctx, first.Hash)
	if err != nil {
		t.Fatalf("remove last ref: %v", err)
	}
	if !last.Deleted {
		t.Fatalf("expected deletion, got %+v", last)
	}

	_, err = client.GetBlob(ctx, first.Hash, 0, -1, io.Discard)
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || !apiErr.NotFound() {
		t.Fatalf("expected not found after delete, got %v", err)
	}

	again, err := client.RemoveReference(ctx, first.Hash)
	if err != nil {
		t.Fatalf("remove unknown: %v", err)
	}
	if again.Deleted {
		t.Fatal("removing an unknown hash must not report deletion")
	}
}

func TestPutBlobStatusCodes(t *testing.T) {
	_, ts, _ := newTestServer(t, Options{})

	post := func() *http.Response {
		resp, err := http.Post(ts.URL+"/v1/blobs", "application/octet-stream", strings.NewReader("payload"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := post(); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for new blob, got %d", resp.StatusCode)
	}
	resp := post()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for existing blob, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/blobs/"+digest("payload") {
		t.Fatalf("unexpected location %q", loc)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
}

func TestPutBlobTooLarge(t *testing.T) {
	srv, _, client := newTestServer(t, Options{MaxUploadBytes: 8})

	_, err := client.PutBlob(context.Background(), strings.NewReader("0123456789"), "")
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.Status != http.StatusRequestEntityTooLarge || apiErr.ErrorCode != ErrCodeRequestTooLarge {
		t.Fatalf("unexpected error: %+v", apiErr)
	}

	stats, err := srv.cas.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalBlobs != 0 {
		t.Fatalf("rejected upload must not be indexed, got %d blobs", stats.TotalBlobs)
	}
}

func TestGetBlobRanges(t *testing.T) {
	_, ts, client := newTestServer(t, Options{})
	ctx := context.Background()

	stored, err := client.PutBlob(ctx, strings.NewReader("0123456789"), "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	tests := []struct {
		name       string
		start, end int64
		want       string
	}{
		{name: "middle", start: 2, end: 5, want: "234"},
		{name: "open end", start: 7, end: -1, want: "789"},
		{name: "clamped end", start: 8, end: 100, want: "89"},
		{name: "start past end", start: 20, end: -1, want: ""},
		{name: "empty", start: 4, end: 4, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if _, err := client.GetBlob(ctx, stored.Hash, tt.start, tt.end, &buf); err != nil {
				t.Fatalf("get range: %v", err)
			}
			if buf.String() != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, buf.String())
			}
		})
	}

	req, _ := http.NewRequest(http.MethodHead, ts.URL+"/v1/blobs/"+stored.Hash, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength != 10 {
		t.Fatalf("unexpected head response: %d len=%d", resp.StatusCode, resp.ContentLength)
	}
	if resp.Header.Get("ETag") != `"`+stored.Hash+`"` {
		t.Fatalf("unexpected etag %q", resp.Header.Get("ETag"))
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v1/blobs/"+stored.Hash, nil)
	req.Header.Set("If-None-Match", `"`+stored.Hash+`"`)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("conditional get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", resp.StatusCode)
	}
}

func TestBlobErrors(t *testing.T) {
	_, ts, client := newTestServer(t, Options{})
	ctx := context.Background()

	_, err := client.GetBlobMetadata(ctx, "not-a-hash")
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.ErrorCode != ErrCodeInvalidHash {
		t.Fatalf("expected invalid hash error, got %v", err)
	}

	_, err = client.AddReference(ctx, digest("never stored"))
	if !errors.As(err, &apiErr) || !apiErr.NotFound() || apiErr.ErrorCode != ErrCodeBlobNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	resp, err := http.Post(ts.URL+"/v1/blobs", "not a media type;;", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad content type, got %d", resp.StatusCode)
	}
	var errResp api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.Code != "invalid_argument" {
		t.Fatalf("unexpected code %q", errResp.Code)
	}
}

func TestStatsAndInfo(t *testing.T) {
	_, _, client := newTestServer(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := client.PutBlob(ctx, strings.NewReader("dup"), ""); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if _, err := client.PutBlob(ctx, strings.NewReader("unique"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}

	stats, err := client.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalBlobs != 2 || stats.TotalBytesStored != 9 || stats.TotalBytesReferenced != 15 || stats.BytesSaved != 6 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	info, err := client.GetInfo(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.TotalBlobs != 2 || info.SchemaVersion == 0 || info.Root == "" {
		t.Fatalf("unexpected info: %+v", info)
	}

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestAdminEndpoints(t *testing.T) {
	srv, ts, client := newTestServer(t, Options{})
	ctx := context.Background()

	stored, err := client.PutBlob(ctx, strings.NewReader("keep me"), "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	verify, err := client.AdminVerify(ctx, api.VerifyRequest{IncludeOrphans: true})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verify.Count != 0 || verify.Issues == nil {
		t.Fatalf("expected empty issue list, got %+v", verify)
	}

	gc, err := client.AdminGC(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if gc.DeletedCount != 0 {
		t.Fatalf("gc must not remove referenced blobs: %+v", gc)
	}

	dry, err := client.AdminReconcile(ctx, api.ReconcileRequest{DryRun: true})
	if err != nil {
		t.Fatalf("reconcile dry run: %v", err)
	}
	if !dry.DryRun || dry.OrphanFiles != 0 {
		t.Fatalf("unexpected dry run result: %+v", dry)
	}

	applied, err := client.AdminReconcile(ctx, api.ReconcileRequest{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if applied.DryRun || applied.RemovedFiles != 0 {
		t.Fatalf("unexpected reconcile result: %+v", applied)
	}

	resp, err := http.Post(ts.URL+"/v1/admin/reconcile", "application/json", strings.NewReader(`{"dry_run":false}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected unconfirmed reconcile to be rejected, got %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/v1/admin/verify", "application/json", strings.NewReader(`{"include_orphans":`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected malformed JSON to be rejected, got %d", resp.StatusCode)
	}

	exists, err := srv.cas.BlobExists(ctx, stored.Hash)
	if err != nil || !exists {
		t.Fatalf("blob should survive maintenance: exists=%v err=%v", exists, err)
	}
}

func TestMaintenancePassKeepsLiveBlobs(t *testing.T) {
	srv, _, client := newTestServer(t, Options{})
	ctx := context.Background()

	stored, err := client.PutBlob(ctx, strings.NewReader("live"), "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	maintenancePass(ctx, srv.cas, MaintenanceOptions{Verify: true}, srv.log())

	data, err := srv.cas.ReadBlob(ctx, stored.Hash)
	if err != nil {
		t.Fatalf("read after maintenance: %v", err)
	}
	if string(data) != "live" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestRunMaintenanceDisabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		runMaintenance(context.Background(), nil, MaintenanceOptions{}, slog.Default())
		close(done)
	}()
	<-done
}
