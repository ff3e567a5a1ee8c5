package codec

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

// ErrSchema reports invalid column definitions.
var ErrSchema = errors.MustNewCode("codec.schema")

// Schema is a validated, ordered set of column definitions together with
// the Arrow schema that stores them.
type Schema struct {
	Definitions []Definition
	Arrow       *arrow.Schema
	index       map[string]int
}

// BuildSchema validates defs and maps each one to its physical field.
func BuildSchema(defs []Definition) (*Schema, error) {
	if len(defs) == 0 {
		return nil, errors.New(ErrSchema, "at least one column is required", nil)
	}

	s := &Schema{
		Definitions: make([]Definition, len(defs)),
		index:       make(map[string]int, len(defs)),
	}
	fields := make([]arrow.Field, len(defs))
	for i, def := range defs {
		switch {
		case def.Name == "":
			return nil, errors.New(ErrSchema, "column name is empty", nil).AddContextf("column_index", "%d", i)
		case strings.HasPrefix(def.Name, ReservedPrefix):
			return nil, errors.New(ErrSchema, "reserved column name", nil).AddContext("column", def.Name)
		case !def.Kind.Valid():
			return nil, errors.New(ErrSchema, "unknown column kind", nil).
				AddContext("column", def.Name).
				AddContextf("kind", "%d", int(def.Kind))
		}
		if _, dup := s.index[def.Name]; dup {
			return nil, errors.New(ErrSchema, "duplicate column name", nil).AddContext("column", def.Name)
		}
		if def.Kind.NeedsSize() {
			if def.Size <= 0 {
				return nil, errors.New(ErrSchema, "column kind requires a positive size", nil).
					AddContext("column", def.Name).
					AddContext("kind", def.Kind.TypeID())
			}
		} else {
			def.Size = 0
		}

		typ, err := def.Kind.ArrowType()
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{Name: def.Name, Type: typ}
		s.Definitions[i] = def
		s.index[def.Name] = i
	}
	s.Arrow = arrow.NewSchema(fields, nil)
	return s, nil
}

// SchemaFromPersisted rebuilds a schema from the names of the stored fields
// and the type id, size and description arrays written at initialization.
func SchemaFromPersisted(names, typeIDs []string, sizes []int, descriptions []string) (*Schema, error) {
	n := len(names)
	if len(typeIDs) != n || len(sizes) != n || len(descriptions) != n {
		return nil, errors.Newf(ErrSchema,
			"stored schema is inconsistent: %d fields, %d type ids, %d sizes, %d descriptions",
			n, len(typeIDs), len(sizes), len(descriptions))
	}
	defs := make([]Definition, n)
	for i := range names {
		kind, err := KindFromTypeID(typeIDs[i])
		if err != nil {
			return nil, err
		}
		defs[i] = Definition{Name: names[i], Description: descriptions[i], Kind: kind, Size: sizes[i]}
	}
	return BuildSchema(defs)
}

// Len returns the number of columns.
func (s *Schema) Len() int { return len(s.Definitions) }

// Index returns the position of the named column, or -1.
func (s *Schema) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

func (s *Schema) TypeIDs() []string {
	out := make([]string, len(s.Definitions))
	for i, d := range s.Definitions {
		out[i] = d.Kind.TypeID()
	}
	return out
}

func (s *Schema) Sizes() []int {
	out := make([]int, len(s.Definitions))
	for i, d := range s.Definitions {
		out[i] = d.Size
	}
	return out
}

func (s *Schema) Descriptions() []string {
	out := make([]string, len(s.Definitions))
	for i, d := range s.Definitions {
		out[i] = d.Description
	}
	return out
}

// EmptyColumns returns one zero-length column per definition.
func (s *Schema) EmptyColumns() ([]Column, error) {
	cols := make([]Column, len(s.Definitions))
	for i, d := range s.Definitions {
		c, err := Empty(d)
		if err != nil {
			return nil, err
		}
		cols[i] = c
	}
	return cols, nil
}
