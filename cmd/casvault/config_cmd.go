package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"casvault/internal/config"
)

func newConfigCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get or set configuration",
	}

	cmd.AddCommand(newConfigGetCmd(cfg, opts))
	cmd.AddCommand(newConfigSetCmd(opts))
	return cmd
}

// newConfigGetCmd prints one key, or every key when none is given.
func newConfigGetCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Get a config value (all values when no key is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := config.AllowedKeys()
			if len(args) == 1 {
				if !config.IsAllowedKey(args[0]) {
					return fmt.Errorf("unknown key: %s (allowed: %v)", args[0], keys)
				}
				keys = args[:1]
			}

			values := make(map[string]string, len(keys))
			for _, key := range keys {
				value, err := cfg.Get(key)
				if err != nil {
					return err
				}
				values[key] = value
			}

			if opts.structured() {
				return writeStructured(values)
			}
			if len(args) == 1 {
				return writePlain("%s\n", values[args[0]])
			}
			for _, key := range keys {
				if err := writePlain("%s = %s\n", key, values[key]); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newConfigSetCmd(opts *globalOptions) *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]

			pathFn := config.ProjectPath
			if global {
				pathFn = config.GlobalPath
			}
			path, err := pathFn()
			if err != nil {
				return err
			}
			if err := config.SetKey(path, key, value); err != nil {
				return err
			}

			if opts.structured() {
				return writeStructured(map[string]string{"key": key, "value": value, "path": path})
			}
			return writePlain("set %s in %s\n", key, path)
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "write to global config (~/.casvault.toml)")
	return cmd
}
