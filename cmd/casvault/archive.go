package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"casvault/internal/archive"
	"casvault/internal/cas"
	"casvault/internal/config"
)

// exportSummary omits the per-blob manifest, which can be very long.
type exportSummary struct {
	Path       string    `json:"path" yaml:"path"`
	Blobs      int       `json:"blobs" yaml:"blobs"`
	TotalBytes int64     `json:"total_bytes" yaml:"total_bytes"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

func newExportCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write all referenced blobs and their counts to a zstd archive",
		Args:  requireExactlyArgs(1, "archive path is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.remote {
				return fmt.Errorf("export: %w", errLocalOnly)
			}
			return withService(cfg, func(svc *cas.Service) error {
				var manifest archive.Manifest
				_, err := writeFileAtomic(args[0], func(w io.Writer) (int64, error) {
					var err error
					manifest, err = archive.Export(cmd.Context(), svc, w, nil)
					return manifest.TotalBytes, err
				})
				if err != nil {
					return err
				}
				if opts.structured() {
					return writeStructured(exportSummary{
						Path:       args[0],
						Blobs:      len(manifest.Blobs),
						TotalBytes: manifest.TotalBytes,
						CreatedAt:  manifest.CreatedAt,
					})
				}
				return writePlain("exported %d blobs (%s) to %s\n", len(manifest.Blobs), formatBytes(manifest.TotalBytes), args[0])
			})
		},
	}
}

func newImportCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Load blobs and reference counts from an export archive",
		Args:  requireExactlyArgs(1, "archive path is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.remote {
				return fmt.Errorf("import: %w", errLocalOnly)
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			return withService(cfg, func(svc *cas.Service) error {
				result, err := archive.Import(cmd.Context(), svc, f, nil)
				if err != nil {
					return err
				}
				if opts.structured() {
					return writeStructured(result)
				}
				return writePlain("imported %d blobs (%d new, %s) with %d references\n",
					result.Blobs, result.NewBlobs, formatBytes(result.BytesImported), result.References)
			})
		},
	}
}
