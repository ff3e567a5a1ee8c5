// Package codec defines the closed catalogue of table column kinds and
// translates typed column buffers to and from Arrow records.
package codec

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
)

// Kind is the closed set of column kinds a table may declare.
type Kind int

const (
	KindUnknown Kind = iota
	KindBool
	KindLong
	KindDouble
	KindFloat
	KindString
	KindLongArray
	KindFloatArray
	KindDoubleArray
	KindFile
	KindImage
	KindRoi
	KindWell
	KindPlate
	KindMask
)

// Persisted type ids. These strings are written into every table file and
// must never change.
var typeIDs = map[Kind]string{
	KindBool:        "BoolColumn",
	KindLong:        "LongColumn",
	KindDouble:      "DoubleColumn",
	KindFloat:       "FloatColumn",
	KindString:      "StringColumn",
	KindLongArray:   "LongArrayColumn",
	KindFloatArray:  "FloatArrayColumn",
	KindDoubleArray: "DoubleArrayColumn",
	KindFile:        "FileColumn",
	KindImage:       "ImageColumn",
	KindRoi:         "RoiColumn",
	KindWell:        "WellColumn",
	KindPlate:       "PlateColumn",
	KindMask:        "MaskColumn",
}

var kindsByTypeID = func() map[string]Kind {
	m := make(map[string]Kind, len(typeIDs))
	for k, id := range typeIDs {
		m[id] = k
	}
	return m
}()

// Kinds returns every valid kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(typeIDs))
	for k := KindBool; k <= KindMask; k++ {
		out = append(out, k)
	}
	return out
}

// TypeID returns the persisted identifier of k, or "" for an invalid kind.
func (k Kind) TypeID() string {
	return typeIDs[k]
}

func (k Kind) String() string {
	if id, ok := typeIDs[k]; ok {
		return id
	}
	return "UnknownColumn"
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	_, ok := typeIDs[k]
	return ok
}

// NeedsSize reports whether definitions of this kind must carry an element
// width.
func (k Kind) NeedsSize() bool {
	switch k {
	case KindString, KindLongArray, KindFloatArray, KindDoubleArray:
		return true
	}
	return false
}

// IsReference reports whether k holds ids of other repository objects.
func (k Kind) IsReference() bool {
	switch k {
	case KindFile, KindImage, KindRoi, KindWell, KindPlate:
		return true
	}
	return false
}

// KindFromTypeID maps a persisted type id back to its kind.
func KindFromTypeID(id string) (Kind, error) {
	if k, ok := kindsByTypeID[id]; ok {
		return k, nil
	}
	return KindUnknown, errors.New(ErrSchema, "unknown column type id", nil).AddContext("type_id", id)
}

// Mask sub-field names, in physical order.
const (
	MaskImageID = "imageId"
	MaskTheZ    = "theZ"
	MaskTheT    = "theT"
	MaskX       = "x"
	MaskY       = "y"
	MaskW       = "w"
	MaskH       = "h"
	MaskBytes   = "bytes"
)

var maskType = arrow.StructOf(
	arrow.Field{Name: MaskImageID, Type: arrow.PrimitiveTypes.Int64},
	arrow.Field{Name: MaskTheZ, Type: arrow.PrimitiveTypes.Int32},
	arrow.Field{Name: MaskTheT, Type: arrow.PrimitiveTypes.Int32},
	arrow.Field{Name: MaskX, Type: arrow.PrimitiveTypes.Float64},
	arrow.Field{Name: MaskY, Type: arrow.PrimitiveTypes.Float64},
	arrow.Field{Name: MaskW, Type: arrow.PrimitiveTypes.Float64},
	arrow.Field{Name: MaskH, Type: arrow.PrimitiveTypes.Float64},
	arrow.Field{Name: MaskBytes, Type: arrow.BinaryTypes.Binary},
)

// ArrowType returns the physical Arrow type used to store a column of kind k.
func (k Kind) ArrowType() (arrow.DataType, error) {
	switch k {
	case KindBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case KindLong, KindFile, KindImage, KindRoi, KindWell, KindPlate:
		return arrow.PrimitiveTypes.Int64, nil
	case KindDouble:
		return arrow.PrimitiveTypes.Float64, nil
	case KindFloat:
		return arrow.PrimitiveTypes.Float32, nil
	case KindString:
		return arrow.BinaryTypes.String, nil
	case KindLongArray:
		return arrow.ListOf(arrow.PrimitiveTypes.Int64), nil
	case KindFloatArray:
		return arrow.ListOf(arrow.PrimitiveTypes.Float32), nil
	case KindDoubleArray:
		return arrow.ListOf(arrow.PrimitiveTypes.Float64), nil
	case KindMask:
		return maskType, nil
	default:
		return nil, errors.New(ErrSchema, "unsupported column kind", nil).AddContextf("kind", "%d", int(k))
	}
}
