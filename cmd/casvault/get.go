package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"casvault/internal/config"
)

func newGetCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	var (
		out       string
		byteRange string
	)

	cmd := &cobra.Command{
		Use:   "get <hash>",
		Short: "Write blob content to stdout or a file",
		Args:  requireHashArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := parseByteRange(byteRange)
			if err != nil {
				return err
			}
			return withBackend(cfg, opts, func(b backend) error {
				if out == "" || out == "-" {
					_, err := b.Get(cmd.Context(), args[0], start, end, stdout)
					return err
				}
				n, err := writeFileAtomic(out, func(w io.Writer) (int64, error) {
					return b.Get(cmd.Context(), args[0], start, end, w)
				})
				if err != nil {
					return err
				}
				if opts.structured() {
					return writeStructured(map[string]any{"path": out, "bytes": n})
				}
				return writePlain("wrote %s to %s\n", formatBytes(n), out)
			})
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVar(&byteRange, "range", "", "byte range start-end (end exclusive) or start-")
	return cmd
}

// writeFileAtomic writes through a temporary sibling and renames it into
// place, so a failed read never leaves a truncated file at path.
func writeFileAtomic(path string, fill func(io.Writer) (int64, error)) (int64, error) {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := fill(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return n, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return n, err
	}
	return n, nil
}
