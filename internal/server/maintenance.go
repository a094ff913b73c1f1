package server

import (
	"context"
	"log/slog"
	"time"

	"casvault/internal/cas"
)

// MaintenanceOptions schedules background maintenance while serving.
type MaintenanceOptions struct {
	// Interval between runs; zero disables the loop.
	Interval time.Duration
	// Verify also runs a full integrity check each interval.
	Verify bool
}

// runMaintenance reconciles orphans and collects garbage every interval until
// ctx is done. Failures are logged and retried next tick.
func runMaintenance(ctx context.Context, svc *cas.Service, opts MaintenanceOptions, logger *slog.Logger) {
	if opts.Interval <= 0 || svc == nil {
		return
	}
	logger = logger.With("component", "maintenance")

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maintenancePass(ctx, svc, opts, logger)
		}
	}
}

func maintenancePass(ctx context.Context, svc *cas.Service, opts MaintenanceOptions, logger *slog.Logger) {
	start := time.Now()

	reconciled, err := svc.ReconcileOrphans(ctx, false)
	if err != nil {
		logger.Warn("reconcile orphans failed", "error", err)
	}

	collected, err := svc.GarbageCollect(ctx)
	if err != nil {
		logger.Warn("garbage collection failed", "error", err)
	}

	issues := 0
	if opts.Verify {
		found, err := svc.VerifyIntegrity(ctx, cas.VerifyOptions{})
		if err != nil {
			logger.Warn("integrity verification failed", "error", err)
		}
		issues = len(found)
		for _, issue := range found {
			logger.Warn("integrity issue", "hash", issue.Hash, "kind", issue.Kind, "detail", issue.Detail)
		}
	}

	logger.Info("maintenance pass complete",
		"orphans_removed", reconciled.RemovedFiles,
		"temp_removed", reconciled.StaleTempFiles,
		"gc_deleted", collected.DeletedCount,
		"reclaimed_bytes", reconciled.ReclaimedBytes+collected.ReclaimedBytes,
		"integrity_issues", issues,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
