package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"transmute/internal/daemon"
)

func newBundleCommand(ctx *commandContext) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "bundle <artifact-id>...",
		Short: "Bundle artifacts into a zip archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDaemon(func(d *daemon.Daemon) error {
				artifact, err := d.Bundler().Create(cmd.Context(), args, sessionID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Bundle %s written to %s (%d bytes)\n",
					artifact.ID, artifact.Path, artifact.SizeBytes)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session to scope the bundle to")
	return cmd
}
