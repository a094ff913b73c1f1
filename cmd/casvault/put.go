package main

import (
	"github.com/spf13/cobra"

	"casvault/internal/config"
)

func newPutCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	var req putRequest

	cmd := &cobra.Command{
		Use:   "put <file|->",
		Short: "Store a file (or standard input) and add one reference",
		Args:  requireExactlyArgs(1, "file path is required (use - for stdin)"),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Path = args[0]
			return withBackend(cfg, opts, func(b backend) error {
				res, err := b.Put(cmd.Context(), req)
				if err != nil {
					return err
				}
				if opts.structured() {
					return writeStructured(res)
				}
				return writeStoreResult(res)
			})
		},
	}

	cmd.Flags().StringVar(&req.ContentType, "content-type", "", "content type recorded with a new blob")
	cmd.Flags().BoolVar(&req.Move, "move", false, "move the file into the store instead of copying it")
	cmd.Flags().StringVar(&req.Hash, "hash", "", "precomputed SHA-256 of the file (with --move)")
	return cmd
}
