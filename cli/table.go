package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/tables"
)

type createOptions struct {
	columns  string
	metadata map[string]string
}

func newCreateCommand(root *rootOptions) *cobra.Command {
	opts := &createOptions{}
	cmd := &cobra.Command{
		Use:   "create <table>",
		Short: "Create and initialize a table",
		Long: `Create a table file and declare its columns.

Columns are a JSON array of objects with "name", "kind", and for string and
array kinds a "size". Kinds are bool, long, double, float, string, longarray,
floatarray, doublearray, file, image, roi, well, plate and mask.

Examples:
  tables create plate1 --columns '[{"name":"well","kind":"well"},{"name":"area","kind":"double"}]'
  tables create plate1 --columns @cols.json --meta owner=root --meta run=3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInline(opts.columns)
			if err != nil {
				return err
			}
			defs, err := parseDefinitions(raw)
			if err != nil {
				return err
			}
			meta, err := parseAssignments(opts.metadata)
			if err != nil {
				return err
			}
			return withTable(cmd, root, args[0], false, func(s *session, t *tables.Table) error {
				if err := t.Initialize(defs, meta); err != nil {
					return err
				}
				_, err := fmt.Fprintf(s.out, "created %s with %d columns\n", t.Store().Path(), len(defs))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&opts.columns, "columns", "", "column definitions as a JSON array, or @file")
	cmd.Flags().StringToStringVar(&opts.metadata, "meta", nil, "metadata key=value; numbers stay numbers, anything else is a string")
	_ = cmd.MarkFlagRequired("columns")
	return cmd
}

func newAppendCommand(root *rootOptions) *cobra.Command {
	var rows string
	cmd := &cobra.Command{
		Use:   "append <table>",
		Short: "Append rows to a table",
		Long: `Append rows given as a JSON object mapping every column name to an array
of values. All arrays must have the same length. Mask values are objects
with imageId, theZ, theT, x, y, w, h and base64 bytes.

Example:
  tables append plate1 --rows '{"well":[1,2],"area":[0.5,0.75]}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInline(rows)
			if err != nil {
				return err
			}
			return withTable(cmd, root, args[0], false, func(s *session, t *tables.Table) error {
				headers, err := t.Headers()
				if err != nil {
					return err
				}
				cols, err := parseRows(raw, headers)
				if err != nil {
					return err
				}
				if err := t.Append(cols); err != nil {
					return err
				}
				n, err := t.RowCount()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(s.out, "appended %d rows, table has %d rows\n", cols[0].Len(), n)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&rows, "rows", "", "rows as a JSON object of column arrays, or @file")
	_ = cmd.MarkFlagRequired("rows")
	return cmd
}

type readOptions struct {
	columns []int
	rows    []int64
	start   int64
	stop    int64
}

func newReadCommand(root *rootOptions) *cobra.Command {
	opts := &readOptions{}
	cmd := &cobra.Command{
		Use:   "read <table>",
		Short: "Read rows from a table",
		Long: `Read a range of rows, or the rows listed with --rows. Without --start
and --stop every row is read. --columns selects columns by position.

Examples:
  tables read plate1
  tables read plate1 --columns 0,2 --start 10 --stop 20
  tables read plate1 --rows 3,7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTable(cmd, root, args[0], true, func(s *session, t *tables.Table) error {
				var d *tables.Data
				var err error
				if len(opts.rows) > 0 {
					d, err = t.Slice(opts.columns, opts.rows)
				} else {
					d, err = t.Read(opts.columns, opts.start, opts.stop)
				}
				if err != nil {
					return err
				}
				return s.writeData(d)
			})
		},
	}
	cmd.Flags().IntSliceVar(&opts.columns, "columns", nil, "column positions to read (default all)")
	cmd.Flags().Int64SliceVar(&opts.rows, "rows", nil, "row numbers to read")
	cmd.Flags().Int64Var(&opts.start, "start", 0, "first row")
	cmd.Flags().Int64Var(&opts.stop, "stop", 0, "row after the last row")
	return cmd
}

type whereOptions struct {
	variables map[string]string
	start     int64
	stop      int64
	step      int64
}

func newWhereCommand(root *rootOptions) *cobra.Command {
	opts := &whereOptions{}
	cmd := &cobra.Command{
		Use:   "where <table> <condition>",
		Short: "List the rows matching a condition",
		Long: `Evaluate a boolean condition over every row and print the matching row
numbers. Column names are variables of the condition; --var adds more.

Examples:
  tables where plate1 'area > 0.5'
  tables where plate1 'well == target' --var target=4 --step 2`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseAssignments(opts.variables)
			if err != nil {
				return err
			}
			return withTable(cmd, root, args[0], true, func(s *session, t *tables.Table) error {
				rows, err := t.GetWhereList(args[1], vars, opts.start, opts.stop, opts.step)
				if err != nil {
					return err
				}
				return s.writeRows(rows)
			})
		},
	}
	cmd.Flags().StringToStringVar(&opts.variables, "var", nil, "condition variable key=value")
	cmd.Flags().Int64Var(&opts.start, "start", 0, "first row")
	cmd.Flags().Int64Var(&opts.stop, "stop", 0, "row after the last row (default all)")
	cmd.Flags().Int64Var(&opts.step, "step", 0, "row step (default 1)")
	return cmd
}

func newInfoCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <table>",
		Short: "Show columns, row count and metadata of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTable(cmd, root, args[0], true, func(s *session, t *tables.Table) error {
				headers, err := t.Headers()
				if err != nil {
					return err
				}
				rows, err := t.RowCount()
				if err != nil {
					return err
				}
				meta, err := t.GetAllMetadata()
				if err != nil {
					return err
				}
				info := infoOutput{
					Path:     t.Store().Path(),
					Version:  t.Store().Version(),
					Rows:     rows,
					ReadOnly: t.ReadOnly(),
					Metadata: meta,
				}
				for _, h := range headers {
					info.Columns = append(info.Columns, headerOutput{
						Name:        h.Name,
						Kind:        h.Kind.TypeID(),
						Size:        h.Size,
						Description: h.Description,
					})
				}
				return s.writeInfo(info)
			})
		},
	}
}

func newDeleteCommand(root *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <table>",
		Short: "Delete a table file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return errors.New(ErrInput, "refusing to delete without --force", nil).AddContext("table", args[0])
			}
			return withTable(cmd, root, args[0], false, func(s *session, t *tables.Table) error {
				path := t.Store().Path()
				if err := t.Delete(); err != nil {
					return err
				}
				_, err := fmt.Fprintf(s.out, "deleted %s\n", path)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the deletion")
	return cmd
}
