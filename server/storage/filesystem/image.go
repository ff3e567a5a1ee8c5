package filesystem

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Key/value metadata keys of a table file.
const (
	KeyTypes        = "omero.types"
	KeySizes        = "omero.sizes"
	KeyDescriptions = "omero.descriptions"
	// KeyAttributePrefix prefixes every table attribute.
	KeyAttributePrefix = "omero.attr."
)

// Image is the full content of one table file: the rows plus the column
// layout arrays and the attribute set.
type Image struct {
	// Record holds the rows to write. It is unused when reading.
	Record arrow.Record
	// Table holds the rows read back. The caller must release it.
	Table arrow.Table
	// Schema is the Arrow schema stored in the file.
	Schema       *arrow.Schema
	TypeIDs      []string
	Sizes        []int
	Descriptions []string
	// Attributes maps attribute names (without KeyAttributePrefix) to their
	// encoded values.
	Attributes map[string]string
}

// FieldNames returns the names of the stored fields in order.
func (img *Image) FieldNames() []string {
	if img.Schema == nil {
		return nil
	}
	names := make([]string, img.Schema.NumFields())
	for i, f := range img.Schema.Fields() {
		names[i] = f.Name
	}
	return names
}

// Release frees the Arrow data held by img.
func (img *Image) Release() {
	if img.Table != nil {
		img.Table.Release()
		img.Table = nil
	}
}
