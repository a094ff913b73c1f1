package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"casvault/internal/config"
	"casvault/internal/server"
)

func newSrvCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "srv",
		Short: "Run the casvault API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg == nil {
				return fmt.Errorf("config not initialized")
			}

			logger := slog.Default().With("component", "server")

			addr, err := server.ListenAddr(cfg.APIURL)
			if err != nil {
				return err
			}

			logger.Info("opening storage root", "root", cfg.Root)
			svc, err := openService(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer svc.Close()

			// Clear staging debris left by a previous crash before serving.
			if result, err := svc.ReconcileOrphans(cmd.Context(), false); err != nil {
				logger.Warn("startup reconcile failed", "error", err)
			} else if result.RemovedFiles > 0 || result.StaleTempFiles > 0 {
				logger.Info("startup reconcile", "orphans_removed", result.RemovedFiles, "temp_removed", result.StaleTempFiles)
			}

			srv := server.New(addr, svc, server.Options{
				Logger:         logger,
				MaxUploadBytes: cfg.Server.MaxUploadBytes,
				AdminTokenHash: cfg.Server.AdminTokenHash,
				Maintenance: server.MaintenanceOptions{
					Interval: cfg.Maintenance.Interval.Duration,
					Verify:   cfg.Maintenance.Verify,
				},
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}
