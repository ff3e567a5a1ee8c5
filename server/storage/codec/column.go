package codec

import (
	"slices"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

// ReservedPrefix marks internal names. Columns and user metadata keys may
// not start with it.
const ReservedPrefix = "__"

// Definition describes one named column of a table.
type Definition struct {
	Name        string
	Description string
	Kind        Kind
	// Size is the element width for String (bytes) and array kinds
	// (elements). It is zero for every other kind.
	Size int
}

// Mask is one row of a MaskColumn: a binary mask placed on an image plane.
// A mask without data has nil Bytes; columns store an empty slice as nil,
// which is also what a stored mask without data reads back as.
type Mask struct {
	ImageID int64   `json:"imageId"`
	TheZ    int32   `json:"theZ"`
	TheT    int32   `json:"theT"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	W       float64 `json:"w"`
	H       float64 `json:"h"`
	Bytes   []byte  `json:"bytes,omitempty"`
}

// Value is the set of Go element types a column can hold.
type Value interface {
	bool | int64 | float64 | float32 | string | []int64 | []float32 | []float64 | Mask
}

// Column is a named, typed sequence of values. Columns are values: every
// operation returns a new column and leaves its receiver untouched.
type Column interface {
	Definition() Definition
	Len() int
	// Value returns the element at row i.
	Value(i int) any
	// Values returns the backing slice ([]int64, []string, []Mask, ...).
	// Callers must not modify it.
	Values() any
	Slice(start, stop int) Column
	Take(rows []int64) Column
	Concat(other Column) (Column, error)
	Assign(rows []int64, src Column) (Column, error)
}

// Vector is the Column implementation for element type T.
type Vector[T Value] struct {
	def    Definition
	values []T
}

// NewColumn builds a column from def and a copy of values.
func NewColumn[T Value](def Definition, values []T) *Vector[T] {
	return &Vector[T]{def: def, values: cloneValues(values)}
}

func NewBoolColumn(name string, values []bool) *Vector[bool] {
	return NewColumn(Definition{Name: name, Kind: KindBool}, values)
}

func NewLongColumn(name string, values []int64) *Vector[int64] {
	return NewColumn(Definition{Name: name, Kind: KindLong}, values)
}

func NewDoubleColumn(name string, values []float64) *Vector[float64] {
	return NewColumn(Definition{Name: name, Kind: KindDouble}, values)
}

func NewFloatColumn(name string, values []float32) *Vector[float32] {
	return NewColumn(Definition{Name: name, Kind: KindFloat}, values)
}

func NewStringColumn(name string, size int, values []string) *Vector[string] {
	return NewColumn(Definition{Name: name, Kind: KindString, Size: size}, values)
}

func NewLongArrayColumn(name string, size int, values [][]int64) *Vector[[]int64] {
	return NewColumn(Definition{Name: name, Kind: KindLongArray, Size: size}, values)
}

func NewFloatArrayColumn(name string, size int, values [][]float32) *Vector[[]float32] {
	return NewColumn(Definition{Name: name, Kind: KindFloatArray, Size: size}, values)
}

func NewDoubleArrayColumn(name string, size int, values [][]float64) *Vector[[]float64] {
	return NewColumn(Definition{Name: name, Kind: KindDoubleArray, Size: size}, values)
}

func NewFileColumn(name string, values []int64) *Vector[int64] {
	return NewColumn(Definition{Name: name, Kind: KindFile}, values)
}

func NewImageColumn(name string, values []int64) *Vector[int64] {
	return NewColumn(Definition{Name: name, Kind: KindImage}, values)
}

func NewRoiColumn(name string, values []int64) *Vector[int64] {
	return NewColumn(Definition{Name: name, Kind: KindRoi}, values)
}

func NewWellColumn(name string, values []int64) *Vector[int64] {
	return NewColumn(Definition{Name: name, Kind: KindWell}, values)
}

func NewPlateColumn(name string, values []int64) *Vector[int64] {
	return NewColumn(Definition{Name: name, Kind: KindPlate}, values)
}

func NewMaskColumn(name string, values []Mask) *Vector[Mask] {
	return NewColumn(Definition{Name: name, Kind: KindMask}, values)
}

// Empty returns a zero-length column for def.
func Empty(def Definition) (Column, error) {
	switch def.Kind {
	case KindBool:
		return &Vector[bool]{def: def}, nil
	case KindLong, KindFile, KindImage, KindRoi, KindWell, KindPlate:
		return &Vector[int64]{def: def}, nil
	case KindDouble:
		return &Vector[float64]{def: def}, nil
	case KindFloat:
		return &Vector[float32]{def: def}, nil
	case KindString:
		return &Vector[string]{def: def}, nil
	case KindLongArray:
		return &Vector[[]int64]{def: def}, nil
	case KindFloatArray:
		return &Vector[[]float32]{def: def}, nil
	case KindDoubleArray:
		return &Vector[[]float64]{def: def}, nil
	case KindMask:
		return &Vector[Mask]{def: def}, nil
	}
	return nil, errors.New(ErrSchema, "unsupported column kind", nil).
		AddContext("column", def.Name).
		AddContextf("kind", "%d", int(def.Kind))
}

// Describe returns a copy of v carrying description desc.
func (v *Vector[T]) Describe(desc string) *Vector[T] {
	out := *v
	out.def.Description = desc
	return &out
}

func (v *Vector[T]) Definition() Definition { return v.def }

func (v *Vector[T]) Len() int { return len(v.values) }

func (v *Vector[T]) Value(i int) any { return v.values[i] }

func (v *Vector[T]) Values() any { return v.values }

// Typed returns the backing slice with its static type.
func (v *Vector[T]) Typed() []T { return v.values }

func (v *Vector[T]) Slice(start, stop int) Column {
	return &Vector[T]{def: v.def, values: cloneValues(v.values[start:stop])}
}

func (v *Vector[T]) Take(rows []int64) Column {
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = cloneValue(v.values[r])
	}
	return &Vector[T]{def: v.def, values: out}
}

func (v *Vector[T]) Concat(other Column) (Column, error) {
	o, err := v.sameType(other)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(v.values)+len(o.values))
	out = append(out, v.values...)
	out = append(out, cloneValues(o.values)...)
	return &Vector[T]{def: v.def, values: out}, nil
}

// Assign returns a copy of v with row rows[i] replaced by src's element i.
func (v *Vector[T]) Assign(rows []int64, src Column) (Column, error) {
	o, err := v.sameType(src)
	if err != nil {
		return nil, err
	}
	if len(rows) != len(o.values) {
		return nil, errors.Newf(errors.TableValidation,
			"column %q has %d values for %d rows", v.def.Name, len(o.values), len(rows))
	}
	out := slices.Clone(v.values)
	for i, r := range rows {
		if r < 0 || r >= int64(len(out)) {
			return nil, errors.Newf(errors.TableOutOfBounds, "row %d out of range [0, %d)", r, len(out)).
				AddContext("column", v.def.Name)
		}
		out[r] = cloneValue(o.values[i])
	}
	return &Vector[T]{def: v.def, values: out}, nil
}

func (v *Vector[T]) sameType(other Column) (*Vector[T], error) {
	if other == nil {
		return nil, errors.Newf(errors.TableValidation, "column %q: missing values", v.def.Name)
	}
	o, ok := other.(*Vector[T])
	if !ok {
		return nil, errors.Newf(errors.TableValidation,
			"column %q holds %T, expected %T", v.def.Name, other.Values(), v.values)
	}
	return o, nil
}

func cloneValues[T Value](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	for i := range in {
		out[i] = cloneValue(in[i])
	}
	return out
}

// cloneValue copies the slice-backed element types so a column never
// aliases memory owned by its caller.
func cloneValue[T Value](v T) T {
	switch x := any(v).(type) {
	case []int64:
		return any(slices.Clone(x)).(T)
	case []float32:
		return any(slices.Clone(x)).(T)
	case []float64:
		return any(slices.Clone(x)).(T)
	case Mask:
		if len(x.Bytes) == 0 {
			x.Bytes = nil
		} else {
			x.Bytes = slices.Clone(x.Bytes)
		}
		return any(x).(T)
	}
	return v
}
