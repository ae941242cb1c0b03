package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"transmute/internal/codec"
	"transmute/internal/daemon"
)

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var targetFormat string
	var optionFlags []string

	cmd := &cobra.Command{
		Use:   "convert <artifact-id>...",
		Short: "Convert registered artifacts to a target format",
		Long: "Convert submits one conversion job for the named artifacts, in the " +
			"order given, and waits for the result. All inputs must share a media " +
			"category.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options, err := parseOptions(optionFlags)
			if err != nil {
				return err
			}
			return ctx.withDaemon(func(d *daemon.Daemon) error {
				handle, err := d.Convert(cmd.Context(), args, targetFormat, options)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Job %s submitted\n", handle.ID())

				outcome, err := handle.Wait(cmd.Context())
				if err != nil {
					return err
				}
				if outcome.Err != nil {
					return fmt.Errorf("conversion failed: %w", outcome.Err)
				}
				fmt.Fprintf(out, "Converted to %s\n", outcome.Job.OutputPath)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&targetFormat, "to", "", "Target format extension, e.g. webp")
	cmd.Flags().StringArrayVar(&optionFlags, "option", nil, "Engine option as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func parseOptions(flags []string) (codec.Options, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	options := make(codec.Options, len(flags))
	for _, flag := range flags {
		key, value, found := strings.Cut(flag, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, fmt.Errorf("option %q is not key=value", flag)
		}
		options[key] = strings.TrimSpace(value)
	}
	return options, nil
}
