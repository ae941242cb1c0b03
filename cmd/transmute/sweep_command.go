package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"transmute/internal/daemon"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one storage lifecycle sweep immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDaemon(func(d *daemon.Daemon) error {
				report, err := d.SweepNow(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				rows := [][]string{
					{"Scanned", strconv.Itoa(report.Scanned)},
					{"Dangling records dropped", strconv.Itoa(len(report.DanglingRecords))},
					{"Aged out", strconv.Itoa(len(report.AgedOut))},
					{"Duplicates removed", strconv.Itoa(len(report.DuplicatesRemoved))},
					{"Orphans removed", strconv.Itoa(len(report.OrphansRemoved))},
					{"Pressure evicted", strconv.Itoa(len(report.PressureEvicted))},
				}
				fmt.Fprintln(out, renderTable(
					[]tableColumn{{name: "Metric"}, {name: "Count", right: true}},
					rows,
				))

				if len(report.Errors) > 0 {
					fmt.Fprintf(out, "%d deletions failed:\n", len(report.Errors))
					for _, failure := range report.Errors {
						fmt.Fprintf(out, "  %s: %v\n", failure.Path, failure.Err)
					}
				}
				fmt.Fprintf(out, "Reclaimed %d artifacts in %s\n",
					report.Removed(), report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
				return nil
			})
		},
	}
}
