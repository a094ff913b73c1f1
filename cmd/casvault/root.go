package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"casvault/internal/config"
	"casvault/internal/format"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	json     bool
	yaml     bool
	logLevel string
	root     string
	remote   bool
}

// structured reports whether output should be a machine-readable document.
func (o *globalOptions) structured() bool {
	return o.json || o.yaml
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "casvault",
		Short:         "Casvault is a content-addressed blob store with reference-counted deduplication",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return applyGlobalOptions(cfg, opts)
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "output JSON")
	cmd.PersistentFlags().BoolVar(&opts.yaml, "yaml", false, "output YAML")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.root, "root", "", "storage root (overrides config)")
	cmd.PersistentFlags().BoolVar(&opts.remote, "remote", false, "talk to the casvault server at api_url instead of opening the root directly")
	cmd.MarkFlagsMutuallyExclusive("json", "yaml")

	cmd.AddCommand(
		newSrvCmd(cfg),
		newPutCmd(cfg, opts),
		newGetCmd(cfg, opts),
		newStatCmd(cfg, opts),
		newRefCmd(cfg, opts),
		newStatsCmd(cfg, opts),
		newVerifyCmd(cfg, opts),
		newGCCmd(cfg, opts),
		newReconcileCmd(cfg, opts),
		newExportCmd(cfg, opts),
		newImportCmd(cfg, opts),
		newInfoCmd(cfg, opts),
		newConfigCmd(cfg, opts),
		newAdminCmd(opts),
	)

	return cmd
}

func applyGlobalOptions(cfg *config.Config, opts *globalOptions) error {
	warning, err := configureLoggerForCLI(opts.logLevel, cfg.LogLevel)
	if err != nil {
		return err
	}
	if warning != "" {
		fmt.Fprintln(os.Stderr, warning)
	}

	if opts.yaml {
		outputFormatter = format.YAMLFormatter{}
	} else {
		outputFormatter = format.JSONFormatter{}
	}

	if root := strings.TrimSpace(opts.root); root != "" {
		cfg.Root = root
	}
	return nil
}
