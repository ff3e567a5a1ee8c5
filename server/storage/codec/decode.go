package codec

import (
	"bytes"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

// DecodeRows converts the requested physical columns of tbl back into typed
// columns. A nil indices slice decodes every column. Decoded values never
// alias Arrow buffers.
func DecodeRows(schema *Schema, tbl arrow.Table, indices []int) ([]Column, error) {
	if tbl == nil {
		return schema.EmptyColumns()
	}
	if int(tbl.NumCols()) != schema.Len() {
		return nil, errors.Newf(ErrSchema, "stored table has %d fields, schema declares %d", tbl.NumCols(), schema.Len())
	}
	if indices == nil {
		indices = make([]int, schema.Len())
		for i := range indices {
			indices[i] = i
		}
	}

	out := make([]Column, len(indices))
	for n, idx := range indices {
		if idx < 0 || idx >= schema.Len() {
			return nil, errors.Newf(errors.TableOutOfBounds, "column %d out of range [0, %d)", idx, schema.Len())
		}
		def := schema.Definitions[idx]
		col, err := decodeChunks(def, tbl.Column(idx).Data().Chunks())
		if err != nil {
			return nil, err
		}
		out[n] = col
	}
	return out, nil
}

func decodeChunks(def Definition, chunks []arrow.Array) (Column, error) {
	switch def.Kind {
	case KindBool:
		return decodeWith(def, chunks, func(a *array.Boolean, i int) bool { return a.Value(i) })
	case KindLong, KindFile, KindImage, KindRoi, KindWell, KindPlate:
		return decodeWith(def, chunks, func(a *array.Int64, i int) int64 { return a.Value(i) })
	case KindDouble:
		return decodeWith(def, chunks, func(a *array.Float64, i int) float64 { return a.Value(i) })
	case KindFloat:
		return decodeWith(def, chunks, func(a *array.Float32, i int) float32 { return a.Value(i) })
	case KindString:
		return decodeWith(def, chunks, func(a *array.String, i int) string { return strings.Clone(a.Value(i)) })
	case KindLongArray:
		return decodeWith(def, chunks, func(a *array.List, i int) []int64 {
			return listRow(a, i, func(v *array.Int64) []int64 { return v.Int64Values() })
		})
	case KindFloatArray:
		return decodeWith(def, chunks, func(a *array.List, i int) []float32 {
			return listRow(a, i, func(v *array.Float32) []float32 { return v.Float32Values() })
		})
	case KindDoubleArray:
		return decodeWith(def, chunks, func(a *array.List, i int) []float64 {
			return listRow(a, i, func(v *array.Float64) []float64 { return v.Float64Values() })
		})
	case KindMask:
		return decodeWith(def, chunks, maskRow)
	}
	return nil, errors.New(ErrSchema, "unsupported column kind", nil).AddContext("column", def.Name)
}

// decodeWith walks every chunk, asserting each one to the array type A the
// kind is stored as.
func decodeWith[A arrow.Array, T Value](def Definition, chunks []arrow.Array, get func(A, int) T) (Column, error) {
	total := 0
	for _, c := range chunks {
		total += c.Len()
	}
	values := make([]T, 0, total)
	for _, c := range chunks {
		a, ok := c.(A)
		if !ok {
			return nil, errors.Newf(ErrSchema, "column %q: stored as %s, cannot decode as %s", def.Name, c.DataType(), def.Kind)
		}
		for i := 0; i < a.Len(); i++ {
			values = append(values, get(a, i))
		}
	}
	return &Vector[T]{def: def, values: values}, nil
}

func listRow[A arrow.Array, E any](a *array.List, i int, raw func(A) []E) []E {
	start, end := a.ValueOffsets(i)
	child := a.ListValues().(A)
	out := make([]E, end-start)
	copy(out, raw(child)[start:end])
	return out
}

func maskRow(a *array.Struct, i int) Mask {
	m := Mask{
		ImageID: a.Field(0).(*array.Int64).Value(i),
		TheZ:    a.Field(1).(*array.Int32).Value(i),
		TheT:    a.Field(2).(*array.Int32).Value(i),
		X:       a.Field(3).(*array.Float64).Value(i),
		Y:       a.Field(4).(*array.Float64).Value(i),
		W:       a.Field(5).(*array.Float64).Value(i),
		H:       a.Field(6).(*array.Float64).Value(i),
	}
	if b := a.Field(7).(*array.Binary).Value(i); len(b) > 0 {
		m.Bytes = bytes.Clone(b)
	}
	return m
}
