package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"casvault/internal/auth"
)

func newAdminCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative commands",
	}

	cmd.AddCommand(newAdminHashTokenCmd(opts))
	return cmd
}

func newAdminHashTokenCmd(opts *globalOptions) *cobra.Command {
	var generate bool

	cmd := &cobra.Command{
		Use:   "hash-token [token|-]",
		Short: "Hash an admin token for server.admin_token_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := adminTokenInput(args, generate)
			if err != nil {
				return err
			}
			hash, err := auth.HashToken(token)
			if err != nil {
				return err
			}

			resp := struct {
				Token string `json:"token,omitempty" yaml:"token,omitempty"`
				Hash  string `json:"hash" yaml:"hash"`
			}{Hash: hash}
			if generate {
				resp.Token = token
			}

			if opts.structured() {
				return writeStructured(resp)
			}
			if generate {
				if err := writePlain("token: %s\n", token); err != nil {
					return err
				}
			}
			return writePlain("hash: %s\n", hash)
		},
	}

	cmd.Flags().BoolVar(&generate, "generate", false, "generate a random token and print it with its hash")
	return cmd
}

func adminTokenInput(args []string, generate bool) (string, error) {
	if generate {
		if len(args) > 0 {
			return "", fmt.Errorf("--generate does not take a token argument")
		}
		return auth.GenerateToken()
	}
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(io.LimitReader(stdin, 4096))
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	return args[0], nil
}
