package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"transmute/internal/daemon"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "add <file>...",
		Short: "Register files as upload artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDaemon(func(d *daemon.Daemon) error {
				out := cmd.OutOrStdout()
				for _, path := range args {
					artifact, err := d.Intake().IngestFile(cmd.Context(), path, sessionID)
					if err != nil {
						return fmt.Errorf("ingest %s: %w", path, err)
					}
					fmt.Fprintf(out, "%s  %s\n", artifact.ID, artifact.Path)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session to scope the artifacts to")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List tracked artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDaemon(func(d *daemon.Daemon) error {
				items, err := d.Store().List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No artifacts tracked")
					return nil
				}

				rows := make([][]string, 0, len(items))
				for _, item := range items {
					expires := "-"
					if item.ExpiresAt != nil {
						expires = item.ExpiresAt.Local().Format("2006-01-02 15:04")
					}
					rows = append(rows, []string{
						item.ID,
						item.Path,
						strconv.FormatInt(item.SizeBytes, 10),
						item.MimeCategory,
						yesNo(item.Encrypted()),
						expires,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]tableColumn{
						{name: "ID"},
						{name: "Path"},
						{name: "Bytes", right: true},
						{name: "Category"},
						{name: "Sealed"},
						{name: "Expires"},
					},
					rows,
				))
				return nil
			})
		},
	}
}

func newSealCommand(ctx *commandContext) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "seal <file>",
		Short: "Ingest a file encrypted at rest and print its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDaemon(func(d *daemon.Daemon) error {
				src, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open source: %w", err)
				}
				defer src.Close()

				artifact, key, err := d.Intake().IngestSecure(cmd.Context(), src, sessionID)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Sealed artifact %s\n", artifact.ID)
				fmt.Fprintf(out, "Key: %s\n", hex.EncodeToString(key))
				fmt.Fprintln(out, "The key is not stored anywhere; losing it makes the artifact unrecoverable.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session to scope the artifact to")
	return cmd
}

func newUnsealCommand(ctx *commandContext) *cobra.Command {
	var keyHex string
	var outputPath string

	cmd := &cobra.Command{
		Use:   "unseal <artifact-id>",
		Short: "Decrypt a sealed artifact to a file or stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := hex.DecodeString(keyHex)
			if err != nil {
				return fmt.Errorf("decode key: %w", err)
			}
			return ctx.withDaemon(func(d *daemon.Daemon) error {
				plaintext, err := d.Intake().OpenSecure(cmd.Context(), args[0], key)
				if err != nil {
					return err
				}
				defer plaintext.Close()

				var dst io.Writer = cmd.OutOrStdout()
				if outputPath != "" {
					file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
					if err != nil {
						return fmt.Errorf("create output: %w", err)
					}
					defer file.Close()
					dst = file
				}
				if _, err := io.Copy(dst, plaintext); err != nil {
					return fmt.Errorf("write plaintext: %w", err)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&keyHex, "key", "", "Hex-encoded decryption key")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write plaintext to this path instead of stdout")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newDiscardCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <artifact-id>",
		Short: "Destroy a sealed artifact without decrypting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDaemon(func(d *daemon.Daemon) error {
				if err := d.Intake().DiscardSecure(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
				return nil
			})
		},
	}
}
