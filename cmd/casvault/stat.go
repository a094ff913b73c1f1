package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"casvault/internal/cas"
	"casvault/internal/config"
)

func newStatCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <hash>",
		Short: "Show blob metadata",
		Args:  requireHashArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cfg, opts, func(b backend) error {
				blob, err := b.Stat(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if blob == nil {
					return fmt.Errorf("%w: %s", cas.ErrNotFound, args[0])
				}
				if opts.structured() {
					return writeStructured(blob)
				}
				return writeBlobDetail(*blob)
			})
		},
	}
}
