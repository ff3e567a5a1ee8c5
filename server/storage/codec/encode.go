package codec

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

// ValidateColumns checks cols against schema by position and returns their
// common length.
func ValidateColumns(schema *Schema, cols []Column) (int, error) {
	if len(cols) != schema.Len() {
		return 0, errors.Newf(errors.TableValidation, "expected %d columns, got %d", schema.Len(), len(cols))
	}
	rows := -1
	first := ""
	for i, col := range cols {
		def := schema.Definitions[i]
		if col == nil {
			return 0, errors.New(errors.TableValidation, "column is nil", nil).AddContextf("column_index", "%d", i)
		}
		if err := CheckColumn(def, col); err != nil {
			return 0, err
		}
		if rows == -1 {
			rows, first = col.Len(), def.Name
		} else if col.Len() != rows {
			return 0, errors.Newf(errors.TableValidation,
				"column lengths differ: %q has %d rows, %q has %d rows", first, rows, def.Name, col.Len()).
				AddContextf("expected_length", "%d", rows).
				AddContextf("actual_length", "%d", col.Len())
		}
	}
	return rows, nil
}

// CheckColumn verifies one column's name, kind, Go type and element widths
// against its declared definition.
func CheckColumn(def Definition, col Column) error {
	got := col.Definition()
	if got.Name != def.Name {
		return errors.Newf(errors.TableValidation, "column name mismatch: expected %q, got %q", def.Name, got.Name)
	}
	if got.Kind != def.Kind {
		return errors.Newf(errors.TableValidation, "column %q: expected %s, got %s", def.Name, def.Kind, got.Kind)
	}

	mismatch := func() error {
		return errors.Newf(errors.TableValidation, "column %q: %T does not hold %s values", def.Name, col.Values(), def.Kind)
	}
	switch v := col.(type) {
	case *Vector[bool]:
		if def.Kind != KindBool {
			return mismatch()
		}
	case *Vector[int64]:
		if def.Kind != KindLong && !def.Kind.IsReference() {
			return mismatch()
		}
	case *Vector[float64]:
		if def.Kind != KindDouble {
			return mismatch()
		}
	case *Vector[float32]:
		if def.Kind != KindFloat {
			return mismatch()
		}
	case *Vector[string]:
		if def.Kind != KindString {
			return mismatch()
		}
		for i, s := range v.values {
			if len(s) > def.Size {
				return widthError(def, i, len(s))
			}
		}
	case *Vector[[]int64]:
		if def.Kind != KindLongArray {
			return mismatch()
		}
		return checkArrayWidths(def, v.values)
	case *Vector[[]float32]:
		if def.Kind != KindFloatArray {
			return mismatch()
		}
		return checkArrayWidths(def, v.values)
	case *Vector[[]float64]:
		if def.Kind != KindDoubleArray {
			return mismatch()
		}
		return checkArrayWidths(def, v.values)
	case *Vector[Mask]:
		if def.Kind != KindMask {
			return mismatch()
		}
	default:
		return mismatch()
	}
	return nil
}

func checkArrayWidths[E any](def Definition, rows [][]E) error {
	for i, r := range rows {
		if len(r) != def.Size {
			return widthError(def, i, len(r))
		}
	}
	return nil
}

func widthError(def Definition, row, width int) error {
	return errors.Newf(errors.TableValidation, "column %q row %d: width %d does not fit size %d", def.Name, row, width, def.Size).
		AddContextf("row", "%d", row).
		AddContextf("size", "%d", def.Size)
}

// EncodeRows validates cols and builds one Arrow record holding every row.
// The caller owns the returned record and must release it.
func EncodeRows(schema *Schema, cols []Column, mem memory.Allocator) (arrow.Record, error) {
	if _, err := ValidateColumns(schema, cols); err != nil {
		return nil, err
	}
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	rb := array.NewRecordBuilder(mem, schema.Arrow)
	defer rb.Release()

	for i, col := range cols {
		if err := appendColumn(rb.Field(i), col); err != nil {
			return nil, err
		}
	}
	return rb.NewRecord(), nil
}

func appendColumn(b array.Builder, col Column) error {
	switch v := col.(type) {
	case *Vector[bool]:
		b.(*array.BooleanBuilder).AppendValues(v.values, nil)
	case *Vector[int64]:
		b.(*array.Int64Builder).AppendValues(v.values, nil)
	case *Vector[float64]:
		b.(*array.Float64Builder).AppendValues(v.values, nil)
	case *Vector[float32]:
		b.(*array.Float32Builder).AppendValues(v.values, nil)
	case *Vector[string]:
		b.(*array.StringBuilder).AppendValues(v.values, nil)
	case *Vector[[]int64]:
		lb := b.(*array.ListBuilder)
		vb := lb.ValueBuilder().(*array.Int64Builder)
		for _, row := range v.values {
			lb.Append(true)
			vb.AppendValues(row, nil)
		}
	case *Vector[[]float32]:
		lb := b.(*array.ListBuilder)
		vb := lb.ValueBuilder().(*array.Float32Builder)
		for _, row := range v.values {
			lb.Append(true)
			vb.AppendValues(row, nil)
		}
	case *Vector[[]float64]:
		lb := b.(*array.ListBuilder)
		vb := lb.ValueBuilder().(*array.Float64Builder)
		for _, row := range v.values {
			lb.Append(true)
			vb.AppendValues(row, nil)
		}
	case *Vector[Mask]:
		sb := b.(*array.StructBuilder)
		imageID := sb.FieldBuilder(0).(*array.Int64Builder)
		theZ := sb.FieldBuilder(1).(*array.Int32Builder)
		theT := sb.FieldBuilder(2).(*array.Int32Builder)
		x := sb.FieldBuilder(3).(*array.Float64Builder)
		y := sb.FieldBuilder(4).(*array.Float64Builder)
		w := sb.FieldBuilder(5).(*array.Float64Builder)
		h := sb.FieldBuilder(6).(*array.Float64Builder)
		data := sb.FieldBuilder(7).(*array.BinaryBuilder)
		for _, m := range v.values {
			sb.Append(true)
			imageID.Append(m.ImageID)
			theZ.Append(m.TheZ)
			theT.Append(m.TheT)
			x.Append(m.X)
			y.Append(m.Y)
			w.Append(m.W)
			h.Append(m.H)
			data.Append(m.Bytes)
		}
	default:
		return errors.Newf(errors.TableValidation, "unsupported column type %T", col)
	}
	return nil
}
