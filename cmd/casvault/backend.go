package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"casvault/internal/api"
	"casvault/internal/cas"
	"casvault/internal/config"
	"casvault/internal/models"
)

var errLocalOnly = errors.New("this command needs direct access to the storage root; drop --remote")

// putRequest describes one blob to store. Path "-" reads standard input.
type putRequest struct {
	Path        string
	ContentType string
	Move        bool
	Hash        string
}

// backend is the set of vault operations the CLI needs. The local backend
// opens the storage root in-process; the remote one talks to a server.
type backend interface {
	Put(ctx context.Context, req putRequest) (models.StoreResult, error)
	Get(ctx context.Context, hash string, start, end int64, w io.Writer) (int64, error)
	Stat(ctx context.Context, hash string) (*models.Blob, error)
	AddReference(ctx context.Context, hash string) (int64, error)
	RemoveReference(ctx context.Context, hash string) (api.RefResponse, error)
	Stats(ctx context.Context) (models.Stats, error)
	Verify(ctx context.Context, includeOrphans bool) ([]models.IntegrityIssue, error)
	GarbageCollect(ctx context.Context) (models.GCResult, error)
	Reconcile(ctx context.Context, dryRun bool) (models.ReconcileResult, error)
	Info(ctx context.Context) (api.InfoResponse, error)
}

func withBackend(cfg *config.Config, opts *globalOptions, fn func(backend) error) error {
	if cfg == nil {
		return fmt.Errorf("config not initialized")
	}
	if opts.remote {
		return fn(remoteBackend{client: api.NewClient(cfg.APIURL)})
	}
	return withService(cfg, func(svc *cas.Service) error {
		return fn(localBackend{svc: svc})
	})
}

// withService opens the storage root for commands that only run locally.
func withService(cfg *config.Config, fn func(*cas.Service) error) error {
	svc, err := openService(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

func openService(cfg *config.Config, logger *slog.Logger) (*cas.Service, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("storage root is required (set root or CASVAULT_ROOT)")
	}
	return cas.Open(cas.Options{
		Root:       cfg.Root,
		DBPath:     cfg.DBPath,
		ChunkSize:  cfg.Storage.ChunkSize,
		TempMaxAge: cfg.Storage.TempMaxAge.Duration,
		Logger:     logger,
	})
}

type localBackend struct {
	svc *cas.Service
}

func (b localBackend) Put(ctx context.Context, req putRequest) (models.StoreResult, error) {
	if req.Path == "-" {
		if req.Move {
			return models.StoreResult{}, fmt.Errorf("--move cannot be used with standard input")
		}
		return b.svc.StoreReader(ctx, stdin, req.ContentType)
	}
	if req.Move {
		return b.svc.StoreFromFile(ctx, req.Path, req.ContentType, req.Hash)
	}
	f, err := os.Open(req.Path)
	if err != nil {
		return models.StoreResult{}, err
	}
	defer f.Close()
	return b.svc.StoreReader(ctx, f, req.ContentType)
}

func (b localBackend) Get(ctx context.Context, hash string, start, end int64, w io.Writer) (int64, error) {
	stream := b.svc.ReadBlobStream(ctx, hash)
	if start != 0 || end >= 0 {
		stream = b.svc.ReadBlobRangeStream(ctx, hash, start, end)
	}
	var written int64
	for chunk, err := range stream {
		if err != nil {
			return written, err
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (b localBackend) Stat(ctx context.Context, hash string) (*models.Blob, error) {
	return b.svc.GetBlobMetadata(ctx, hash)
}

func (b localBackend) AddReference(ctx context.Context, hash string) (int64, error) {
	return b.svc.AddReference(ctx, hash)
}

func (b localBackend) RemoveReference(ctx context.Context, hash string) (api.RefResponse, error) {
	deleted, err := b.svc.RemoveReference(ctx, hash)
	if err != nil {
		return api.RefResponse{}, err
	}
	resp := api.RefResponse{Hash: hash, Deleted: deleted}
	if !deleted {
		meta, err := b.svc.GetBlobMetadata(ctx, hash)
		if err != nil {
			return resp, err
		}
		if meta != nil {
			resp.Hash = meta.Hash
			resp.RefCount = meta.RefCount
		}
	}
	return resp, nil
}

func (b localBackend) Stats(ctx context.Context) (models.Stats, error) {
	return b.svc.GetStats(ctx)
}

func (b localBackend) Verify(ctx context.Context, includeOrphans bool) ([]models.IntegrityIssue, error) {
	return b.svc.VerifyIntegrity(ctx, cas.VerifyOptions{IncludeOrphans: includeOrphans})
}

func (b localBackend) GarbageCollect(ctx context.Context) (models.GCResult, error) {
	return b.svc.GarbageCollect(ctx)
}

func (b localBackend) Reconcile(ctx context.Context, dryRun bool) (models.ReconcileResult, error) {
	return b.svc.ReconcileOrphans(ctx, dryRun)
}

func (b localBackend) Info(ctx context.Context) (api.InfoResponse, error) {
	info, err := b.svc.Index().Info(ctx)
	if err != nil {
		return api.InfoResponse{}, err
	}
	return api.InfoResponse{
		Root:          b.svc.Root(),
		DBPath:        info.Path,
		SchemaVersion: info.SchemaVersion,
		TotalBlobs:    info.TotalBlobs,
	}, nil
}

type remoteBackend struct {
	client *api.Client
}

func (b remoteBackend) Put(ctx context.Context, req putRequest) (models.StoreResult, error) {
	if req.Move {
		return models.StoreResult{}, fmt.Errorf("--move: %w", errLocalOnly)
	}
	if req.Path == "-" {
		return b.client.PutBlob(ctx, stdin, req.ContentType)
	}
	f, err := os.Open(req.Path)
	if err != nil {
		return models.StoreResult{}, err
	}
	defer f.Close()
	return b.client.PutBlob(ctx, f, req.ContentType)
}

func (b remoteBackend) Get(ctx context.Context, hash string, start, end int64, w io.Writer) (int64, error) {
	return b.client.GetBlob(ctx, hash, start, end, w)
}

func (b remoteBackend) Stat(ctx context.Context, hash string) (*models.Blob, error) {
	blob, err := b.client.GetBlobMetadata(ctx, hash)
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.NotFound() {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

func (b remoteBackend) AddReference(ctx context.Context, hash string) (int64, error) {
	resp, err := b.client.AddReference(ctx, hash)
	return resp.RefCount, err
}

func (b remoteBackend) RemoveReference(ctx context.Context, hash string) (api.RefResponse, error) {
	return b.client.RemoveReference(ctx, hash)
}

func (b remoteBackend) Stats(ctx context.Context) (models.Stats, error) {
	return b.client.GetStats(ctx)
}

func (b remoteBackend) Verify(ctx context.Context, includeOrphans bool) ([]models.IntegrityIssue, error) {
	resp, err := b.client.AdminVerify(ctx, api.VerifyRequest{IncludeOrphans: includeOrphans})
	return resp.Issues, err
}

func (b remoteBackend) GarbageCollect(ctx context.Context) (models.GCResult, error) {
	return b.client.AdminGC(ctx)
}

func (b remoteBackend) Reconcile(ctx context.Context, dryRun bool) (models.ReconcileResult, error) {
	return b.client.AdminReconcile(ctx, api.ReconcileRequest{DryRun: dryRun})
}

func (b remoteBackend) Info(ctx context.Context) (api.InfoResponse, error) {
	return b.client.GetInfo(ctx)
}
