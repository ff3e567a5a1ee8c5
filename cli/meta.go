package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/tables"
)

func newMetaCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Read and write table metadata",
		Long: `Read and write the user metadata of a table. Values are strings, 64-bit
integers or floats; give them as JSON ("text", 42, 0.5). Keys starting
with "__" are reserved.`,
	}
	cmd.AddCommand(newMetaGetCommand(root), newMetaSetCommand(root), newMetaListCommand(root))
	return cmd
}

func newMetaGetCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <key>",
		Short: "Print one metadata value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTable(cmd, root, args[0], true, func(s *session, t *tables.Table) error {
				v, ok, err := t.GetMetadata(args[1])
				if err != nil {
					return err
				}
				if !ok {
					return errors.New(errors.CommonNotFound, "metadata key not found", nil).AddContext("key", args[1])
				}
				if s.format == formatJSON {
					return s.writeJSON(map[string]any{args[1]: v})
				}
				_, err = fmt.Fprintln(s.out, v)
				return err
			})
		},
	}
}

func newMetaSetCommand(root *rootOptions) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "set <table> <key> <value> [<key> <value>]...",
		Short: "Set metadata values",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 3 || len(args)%2 != 1 {
				return fmt.Errorf("expected a table followed by key/value pairs, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs := make(map[string]string, len(args)/2)
			for i := 1; i < len(args); i += 2 {
				pairs[args[i]] = args[i+1]
			}
			values, err := parseAssignments(pairs)
			if err != nil {
				return err
			}
			return withTable(cmd, root, args[0], false, func(s *session, t *tables.Table) error {
				if err := t.SetAllMetadata(values, replace); err != nil {
					return err
				}
				_, err := fmt.Fprintf(s.out, "set %d metadata values\n", len(values))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "drop all existing metadata first")
	return cmd
}

func newMetaListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <table>",
		Short: "List all metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTable(cmd, root, args[0], true, func(s *session, t *tables.Table) error {
				m, err := t.GetAllMetadata()
				if err != nil {
					return err
				}
				return s.writeMetadata(m)
			})
		},
	}
}
