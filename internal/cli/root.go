// Package cli implements outboxctl, the outbox maintenance tool.
package cli

import (
	"context"
	"fmt"

	"fintrack/internal/app"
	"fintrack/internal/config"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the outboxctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "outboxctl",
		Short: "Inspect and maintain the offline write outbox",
		Long: `outboxctl inspects the queue of writes that could not reach the remote
store, replays it on demand, and takes backups or spreadsheet exports.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.Path(), "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewCountCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withComponents loads config, wires the components and runs fn with them.
func withComponents(ctx context.Context, opts *RootOptions, fn func(*app.Components) error) error {
	cfg, logger, closer, err := app.LoadConfigAndLogger(opts.ConfigPath, "outboxctl")
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	c, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(c)
}
