// Package cli implements the tables operator command line.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	dataPath   string
	logLevel   string
	output     string
}

// NewRootCommand builds the command tree. Each call returns independent
// commands and flag state.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "tables",
		Short: "Inspect and edit columnar table files",
		Long: `tables opens table files the same way an embedding service does: through
the file registry, with the advisory writer lock and the per-table store.

A table path is resolved against the configured data directory unless it
is absolute; a path without an extension gets ".parquet".

Examples:
  tables create measurements --columns '[{"name":"id","kind":"long"}]'
  tables append measurements --rows '{"id":[1,2,3]}'
  tables where measurements 'id > 1'
  tables meta set measurements owner '"root"'`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a YAML configuration file")
	flags.StringVar(&opts.dataPath, "data", "", "data directory (overrides the configuration)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (overrides the configuration)")
	flags.StringVarP(&opts.output, "output", "o", formatAuto, "output format: auto, table, json")

	rootCmd.AddCommand(
		newCreateCommand(opts),
		newAppendCommand(opts),
		newReadCommand(opts),
		newWhereCommand(opts),
		newInfoCommand(opts),
		newDeleteCommand(opts),
		newMetaCommand(opts),
	)
	return rootCmd
}

// Execute runs the command line with ctx.
func Execute(ctx context.Context, args []string) error {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
