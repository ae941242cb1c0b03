package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"transmute/internal/daemon"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show inventory and scheduler status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDaemon(func(d *daemon.Daemon) error {
				status, err := d.Status(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				titler := cases.Title(language.Und)

				fmt.Fprintf(out, "Artifacts tracked: %d\n", status.ArtifactCount)
				fmt.Fprintf(out, "Inventory:         %s\n", status.InventoryPath)
				fmt.Fprintf(out, "Sweep phase:       %s\n", titler.String(string(status.SweepPhase)))
				if status.LastSweep != nil {
					fmt.Fprintf(out, "Last sweep:        reclaimed %d at %s\n",
						status.LastSweep.Removed(),
						status.LastSweep.FinishedAt.Local().Format("2006-01-02 15:04:05"))
				}
				fmt.Fprintf(out, "Scheduler slots:   %d (queued %d, running %d, succeeded %d, failed %d)\n",
					status.Scheduler.Slots,
					status.Scheduler.Queued,
					status.Scheduler.Running,
					status.Scheduler.Succeeded,
					status.Scheduler.Failed)

				if len(status.PressureSample) > 0 {
					rows := make([][]string, 0, len(status.PressureSample))
					for _, sample := range status.PressureSample {
						state := "ok"
						if sample.Under() {
							state = "UNDER PRESSURE"
						}
						rows = append(rows, []string{
							sample.Directory,
							formatBytes(sample.FreeBytes),
							formatBytes(sample.ThresholdBytes),
							state,
						})
					}
					fmt.Fprintln(out)
					fmt.Fprintln(out, renderTable(
						[]tableColumn{
							{name: "Directory"},
							{name: "Free", right: true},
							{name: "Threshold", right: true},
							{name: "State"},
						},
						rows,
					))
				}
				return nil
			})
		},
	}
}

func formatBytes(value uint64) string {
	const unit = 1024
	if value < unit {
		return strconv.FormatUint(value, 10) + " B"
	}
	div, exp := uint64(unit), 0
	for n := value / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(value)/float64(div), "KMGTPE"[exp])
}
