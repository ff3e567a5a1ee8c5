package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/pterm/pterm"
	"golang.org/x/term"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/storage/codec"
	"github.com/ome/openmicroscopy-sub004/server/tables"
)

const (
	formatAuto  = "auto"
	formatTable = "table"
	formatJSON  = "json"
)

// resolveFormat picks the table layout for terminals and JSON otherwise
// when the format is "auto".
func resolveFormat(requested string, out io.Writer) string {
	if requested != formatAuto {
		return requested
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return formatTable
	}
	return formatJSON
}

func (s *session) writeJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.New(errors.CommonInternal, "failed to encode output", err)
	}
	_, err = fmt.Fprintln(s.out, string(data))
	return err
}

func (s *session) writeTable(data pterm.TableData) error {
	if s.format != formatTable {
		return errors.New(ErrInput, "unknown output format", nil).AddContext("format", s.format)
	}
	rendered, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.New(errors.CommonInternal, "failed to render table", err)
	}
	_, err = fmt.Fprintln(s.out, rendered)
	return err
}

type dataOutput struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Stamp   int64            `json:"stamp"`
}

func (s *session) writeData(d *tables.Data) error {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Definition().Name
	}

	if s.format == formatJSON {
		out := dataOutput{Columns: names, Rows: make([]map[string]any, len(d.RowNumbers)), Stamp: int64(d.LastModification)}
		for r, rowNumber := range d.RowNumbers {
			row := map[string]any{"_row": rowNumber}
			for i, c := range d.Columns {
				row[names[i]] = c.Value(r)
			}
			out.Rows[r] = row
		}
		return s.writeJSON(out)
	}

	data := pterm.TableData{append([]string{"row"}, names...)}
	for r, rowNumber := range d.RowNumbers {
		line := []string{fmt.Sprint(rowNumber)}
		for _, c := range d.Columns {
			line = append(line, formatValue(c.Value(r)))
		}
		data = append(data, line)
	}
	return s.writeTable(data)
}

func formatValue(v any) string {
	if m, ok := v.(codec.Mask); ok {
		return fmt.Sprintf("image=%d z=%d t=%d [%g,%g %gx%g] %dB", m.ImageID, m.TheZ, m.TheT, m.X, m.Y, m.W, m.H, len(m.Bytes))
	}
	return fmt.Sprint(v)
}

func (s *session) writeMetadata(m map[string]any) error {
	if s.format == formatJSON {
		return s.writeJSON(m)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := pterm.TableData{{"key", "value", "type"}}
	for _, k := range keys {
		data = append(data, []string{k, fmt.Sprint(m[k]), fmt.Sprintf("%T", m[k])})
	}
	return s.writeTable(data)
}

type headerOutput struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Size        int    `json:"size,omitempty"`
	Description string `json:"description,omitempty"`
}

type infoOutput struct {
	Path     string         `json:"path"`
	Version  string         `json:"version"`
	Rows     int64          `json:"rows"`
	ReadOnly bool           `json:"read_only"`
	Columns  []headerOutput `json:"columns"`
	Metadata map[string]any `json:"metadata"`
}

func (s *session) writeInfo(info infoOutput) error {
	if s.format == formatJSON {
		return s.writeJSON(info)
	}
	if _, err := fmt.Fprintf(s.out, "path: %s\nversion: %s\nrows: %d\nread-only: %t\n\n",
		info.Path, info.Version, info.Rows, info.ReadOnly); err != nil {
		return err
	}
	data := pterm.TableData{{"#", "name", "kind", "size", "description"}}
	for i, h := range info.Columns {
		size := ""
		if h.Size > 0 {
			size = fmt.Sprint(h.Size)
		}
		data = append(data, []string{fmt.Sprint(i), h.Name, h.Kind, size, h.Description})
	}
	if err := s.writeTable(data); err != nil {
		return err
	}
	if len(info.Metadata) == 0 {
		return nil
	}
	return s.writeMetadata(info.Metadata)
}

func (s *session) writeRows(rows []int64) error {
	if s.format == formatJSON {
		return s.writeJSON(map[string]any{"rows": rows})
	}
	data := pterm.TableData{{"row"}}
	for _, r := range rows {
		data = append(data, []string{fmt.Sprint(r)})
	}
	return s.writeTable(data)
}
