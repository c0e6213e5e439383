package arrowutils

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/lakesoul-io/nativeio/pqarrow/builder"
)

// MakeNullArray makes a physical arrow.Array full of NULLs of the given
// DataType.
func MakeNullArray(dt arrow.DataType, length int) (arrow.Array, error) {
	b, err := builder.NewColumnBuilder(arrow.Field{Name: "null", Type: dt, Nullable: true}, length)
	if err != nil {
		return nil, err
	}
	for i := 0; i < length; i++ {
		if err := b.AppendNull(); err != nil {
			return nil, err
		}
	}
	return b.Freeze()
}
