package main

import (
	"github.com/spf13/cobra"

	"casvault/internal/api"
	"casvault/internal/config"
)

func newRefCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ref",
		Short: "Manage blob references",
	}

	cmd.AddCommand(newRefAddCmd(cfg, opts))
	cmd.AddCommand(newRefRmCmd(cfg, opts))
	return cmd
}

func newRefAddCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <hash>",
		Short: "Add one reference to an existing blob",
		Args:  requireHashArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cfg, opts, func(b backend) error {
				count, err := b.AddReference(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				resp := api.RefResponse{Hash: args[0], RefCount: count}
				if opts.structured() {
					return writeStructured(resp)
				}
				return writePlain("%s refs=%d\n", resp.Hash, resp.RefCount)
			})
		},
	}
}

func newRefRmCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <hash>",
		Short: "Drop one reference; the blob is deleted when none remain",
		Args:  requireHashArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cfg, opts, func(b backend) error {
				resp, err := b.RemoveReference(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if opts.structured() {
					return writeStructured(resp)
				}
				if resp.Deleted {
					return writePlain("%s deleted\n", resp.Hash)
				}
				return writePlain("%s refs=%d\n", resp.Hash, resp.RefCount)
			})
		},
	}
}
