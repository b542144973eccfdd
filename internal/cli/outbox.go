package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"fintrack/internal/app"
	"fintrack/internal/database"
	"fintrack/internal/export"
	"fintrack/internal/logging"
	"fintrack/internal/models"
	"fintrack/internal/worker"

	"github.com/spf13/cobra"
)

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued operations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), opts, func(c *app.Components) error {
				ops, err := c.DB.ListAll(cmd.Context())
				if err != nil {
					return fmt.Errorf("list outbox: %w", err)
				}
				if opts.Format == "json" {
					if ops == nil {
						ops = []models.PendingOperation{}
					}
					return outputJSON(cmd, ops)
				}
				if len(ops) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Outbox is empty.")
					return nil
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tTABLE\tRECORD\tQUEUED\tRETRIES")
				for _, op := range ops {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
						op.ID, op.Kind, op.Table, dash(op.RecordID),
						op.EnqueuedAt().UTC().Format(time.RFC3339), op.RetryCount)
				}
				return tw.Flush()
			})
		},
	}
}

// NewCountCommand creates the count command.
func NewCountCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of queued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), opts, func(c *app.Components) error {
				n, err := c.DB.Count(cmd.Context())
				if err != nil {
					return fmt.Errorf("count outbox: %w", err)
				}
				if opts.Format == "json" {
					return outputJSON(cmd, map[string]int{"pending": n})
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(opts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued operation",
		Long: `Discard every queued operation without replaying it.

Queued writes are lost. Pass --yes to confirm.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear the outbox without --yes")
			}
			return withComponents(cmd.Context(), opts, func(c *app.Components) error {
				n, err := c.DB.Count(cmd.Context())
				if err != nil {
					return fmt.Errorf("count outbox: %w", err)
				}
				if err := c.DB.Clear(cmd.Context()); err != nil {
					return fmt.Errorf("clear outbox: %w", err)
				}
				if opts.Format == "json" {
					return outputJSON(cmd, map[string]int{"cleared": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d operation(s).\n", n)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm discarding queued writes")
	return cmd
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay queued operations against the remote store now",
		Long: `Run one replay pass immediately.

Operations that still cannot reach the remote store stay queued and the
command exits with an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), opts, func(c *app.Components) error {
				report, err := c.Scheduler.TriggerManualReplay(cmd.Context())
				if err != nil && !errors.Is(err, worker.ErrOperationsRemaining) {
					return fmt.Errorf("replay: %w", err)
				}

				if opts.Format == "json" {
					if jerr := outputJSON(cmd, report); jerr != nil {
						return jerr
					}
				} else {
					fmt.Fprintf(cmd.OutOrStdout(),
						"Total: %d  Applied: %d  Retried: %d  Dropped: %d  Abandoned: %d  Remaining: %d\n",
						report.Total, report.Applied, report.Retried, report.Dropped, report.Abandoned, report.Remaining)
				}
				return err
			})
		},
	}
}

// NewExportCommand creates the export command.
func NewExportCommand(opts *RootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the outbox to an xlsx workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), opts, func(c *app.Components) error {
				target := dir
				if target == "" {
					target = c.Config.Exports.Path
				}
				exp := export.NewExporter(c.DB, target, logging.Component(c.Logger, "export"))
				path, err := exp.Export(cmd.Context())
				if err != nil {
					return err
				}
				return printPath(cmd, opts, path)
			})
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "output directory (defaults to exports.path)")
	return cmd
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the outbox database and prune old snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), opts, func(c *app.Components) error {
				backups := database.NewBackupService(c.DB, c.Config.Backup, logging.Component(c.Logger, "backup"))
				path, err := backups.PerformBackup(cmd.Context())
				if err != nil {
					return err
				}
				backups.CleanupOldBackups()
				return printPath(cmd, opts, path)
			})
		},
	}
}

func printPath(cmd *cobra.Command, opts *RootOptions, path string) error {
	if opts.Format == "json" {
		return outputJSON(cmd, map[string]string{"path": path})
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
