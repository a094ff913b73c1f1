package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"casvault/internal/api"
	"casvault/internal/config"
)

func newStatsCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show deduplication statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cfg, opts, func(b backend) error {
				stats, err := b.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if opts.structured() {
					return writeStructured(stats)
				}
				return writeStats(stats)
			})
		},
	}
}

func newVerifyCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	var orphans bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every blob and report discrepancies with the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cfg, opts, func(b backend) error {
				issues, err := b.Verify(cmd.Context(), orphans)
				if err != nil {
					return err
				}
				if opts.structured() {
					if err := writeStructured(api.VerifyResponse{Issues: issues, Count: len(issues)}); err != nil {
						return err
					}
				} else if err := writeIssues(issues); err != nil {
					return err
				}
				if len(issues) > 0 {
					return fmt.Errorf("%d integrity issues found", len(issues))
				}
				if !opts.structured() {
					return writePlain("ok\n")
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&orphans, "orphans", false, "also report files that have no index row")
	return cmd
}

func newGCCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete index rows and files for unreferenced blobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cfg, opts, func(b backend) error {
				result, err := b.GarbageCollect(cmd.Context())
				if err != nil {
					return err
				}
				if opts.structured() {
					return writeStructured(result)
				}
				return writePlain("deleted=%d failed=%d reclaimed=%s\n", result.DeletedCount, result.FailedCount, formatBytes(result.ReclaimedBytes))
			})
		},
	}
}

func newReconcileCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Remove blob files with no index row and stale staging files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cfg, opts, func(b backend) error {
				result, err := b.Reconcile(cmd.Context(), dryRun)
				if err != nil {
					return err
				}
				if opts.structured() {
					return writeStructured(result)
				}
				mode := "applied"
				if result.DryRun {
					mode = "dry run"
				}
				return writePlain("%s: orphans=%d removed=%d stale_temp=%d failed=%d reclaimed=%s\n",
					mode, result.OrphanFiles, result.RemovedFiles, result.StaleTempFiles, result.FailedCount, formatBytes(result.ReclaimedBytes))
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without deleting")
	return cmd
}
