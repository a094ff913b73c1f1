package main

import (
	"github.com/spf13/cobra"

	"casvault/internal/config"
)

func newInfoCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show storage root and index info",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cfg, opts, func(b backend) error {
				resp, err := b.Info(cmd.Context())
				if err != nil {
					return err
				}

				if opts.structured() {
					return writeStructured(resp)
				}

				_ = writePlain("root: %s\n", resp.Root)
				_ = writePlain("db_path: %s\n", resp.DBPath)
				_ = writePlain("schema_version: %d\n", resp.SchemaVersion)
				return writePlain("total_blobs: %d\n", resp.TotalBlobs)
			})
		},
	}
}
