package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"transmute/internal/hashing"
)

func newDigestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "digest <file>...",
		Short:       "Print the content digest of files",
		Args:        cobra.MinimumNArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, path := range args {
				digest, err := hashing.Digest(path)
				if err != nil {
					return fmt.Errorf("digest %s: %w", path, err)
				}
				fmt.Fprintf(out, "%s  %s\n", digest, path)
			}
			return nil
		},
	}
}
