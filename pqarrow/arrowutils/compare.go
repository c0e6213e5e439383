package arrowutils

import (
	"bytes"
	"cmp"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/lakesoul-io/nativeio/ioerr"
)

type Direction uint

const (
	Ascending Direction = iota
	Descending
)

// SortingColumn describes a sorting column on an arrow.Record.
type SortingColumn struct {
	Index      int
	Direction  Direction
	NullsFirst bool
}

// valueComparator compares two non-null values of the same type.
type valueComparator func(a arrow.Array, i int, b arrow.Array, j int) int

// RowComparer compares rows of records sharing a schema on a list of
// sorting columns.
type RowComparer struct {
	columns []SortingColumn
	cmps    []valueComparator
}

// NewRowComparer returns a comparer of rows of schema. Columns of a type
// without an ordering yield an ioerr.ErrSchema error.
func NewRowComparer(schema *arrow.Schema, columns []SortingColumn) (*RowComparer, error) {
	c := &RowComparer{
		columns: columns,
		cmps:    make([]valueComparator, len(columns)),
	}
	for i, col := range columns {
		if col.Index < 0 || col.Index >= schema.NumFields() {
			return nil, ioerr.Schemaf("sorting column index %d out of range", col.Index)
		}
		cmpFn, err := comparatorFor(schema.Field(col.Index).Type)
		if err != nil {
			return nil, err
		}
		c.cmps[i] = cmpFn
	}
	return c, nil
}

func (c *RowComparer) Columns() []SortingColumn { return c.columns }

// Compare returns -1, 0 or 1 as row i of a sorts before, with, or after row j
// of b.
func (c *RowComparer) Compare(a arrow.Record, i int, b arrow.Record, j int) int {
	for k, col := range c.columns {
		left := a.Column(col.Index)
		right := b.Column(col.Index)
		if n, ok := nullComparison(left.IsNull(i), right.IsNull(j)); ok {
			if n == 0 {
				continue
			}
			if col.NullsFirst {
				return n
			}
			return -n
		}
		n := c.cmps[k](left, i, right, j)
		if n == 0 {
			continue
		}
		if col.Direction == Descending {
			return -n
		}
		return n
	}
	return 0
}

// nullComparison compares null-ness with nulls first. ok is false when
// neither value is null.
func nullComparison(leftNull, rightNull bool) (int, bool) {
	switch {
	case leftNull && rightNull:
		return 0, true
	case leftNull:
		return -1, true
	case rightNull:
		return 1, true
	default:
		return 0, false
	}
}

type valueArray[T any] interface {
	arrow.Array
	Value(int) T
}

func ordered[T cmp.Ordered, A valueArray[T]]() valueComparator {
	return func(a arrow.Array, i int, b arrow.Array, j int) int {
		return cmp.Compare(a.(A).Value(i), b.(A).Value(j))
	}
}

func binary[A valueArray[[]byte]]() valueComparator {
	return func(a arrow.Array, i int, b arrow.Array, j int) int {
		return bytes.Compare(a.(A).Value(i), b.(A).Value(j))
	}
}

func comparatorFor(dt arrow.DataType) (valueComparator, error) {
	switch dt := dt.(type) {
	case *arrow.BooleanType:
		return func(a arrow.Array, i int, b arrow.Array, j int) int {
			l, r := a.(*array.Boolean).Value(i), b.(*array.Boolean).Value(j)
			switch {
			case l == r:
				return 0
			case !l:
				return -1
			default:
				return 1
			}
		}, nil
	case *arrow.Int8Type:
		return ordered[int8, *array.Int8](), nil
	case *arrow.Int16Type:
		return ordered[int16, *array.Int16](), nil
	case *arrow.Int32Type:
		return ordered[int32, *array.Int32](), nil
	case *arrow.Int64Type:
		return ordered[int64, *array.Int64](), nil
	case *arrow.Uint8Type:
		return ordered[uint8, *array.Uint8](), nil
	case *arrow.Uint16Type:
		return ordered[uint16, *array.Uint16](), nil
	case *arrow.Uint32Type:
		return ordered[uint32, *array.Uint32](), nil
	case *arrow.Uint64Type:
		return ordered[uint64, *array.Uint64](), nil
	case *arrow.Float16Type:
		return func(a arrow.Array, i int, b arrow.Array, j int) int {
			return cmp.Compare(a.(*array.Float16).Value(i).Float32(), b.(*array.Float16).Value(j).Float32())
		}, nil
	case *arrow.Float32Type:
		return ordered[float32, *array.Float32](), nil
	case *arrow.Float64Type:
		return ordered[float64, *array.Float64](), nil
	case *arrow.Decimal128Type:
		return func(a arrow.Array, i int, b arrow.Array, j int) int {
			return a.(*array.Decimal128).Value(i).Cmp(b.(*array.Decimal128).Value(j))
		}, nil
	case *arrow.Decimal256Type:
		return func(a arrow.Array, i int, b arrow.Array, j int) int {
			return a.(*array.Decimal256).Value(i).Cmp(b.(*array.Decimal256).Value(j))
		}, nil
	case *arrow.Date32Type:
		return ordered[arrow.Date32, *array.Date32](), nil
	case *arrow.Date64Type:
		return ordered[arrow.Date64, *array.Date64](), nil
	case *arrow.Time32Type:
		return ordered[arrow.Time32, *array.Time32](), nil
	case *arrow.Time64Type:
		return ordered[arrow.Time64, *array.Time64](), nil
	case *arrow.TimestampType:
		return ordered[arrow.Timestamp, *array.Timestamp](), nil
	case *arrow.DurationType:
		return ordered[arrow.Duration, *array.Duration](), nil
	case *arrow.StringType:
		return ordered[string, *array.String](), nil
	case *arrow.LargeStringType:
		return ordered[string, *array.LargeString](), nil
	case *arrow.BinaryType:
		return binary[*array.Binary](), nil
	case *arrow.LargeBinaryType:
		return binary[*array.LargeBinary](), nil
	case *arrow.FixedSizeBinaryType:
		return binary[*array.FixedSizeBinary](), nil
	case *arrow.DictionaryType:
		values, err := comparatorFor(dt.ValueType)
		if err != nil {
			return nil, err
		}
		return func(a arrow.Array, i int, b arrow.Array, j int) int {
			l, r := a.(*array.Dictionary), b.(*array.Dictionary)
			return values(l.Dictionary(), l.GetValueIndex(i), r.Dictionary(), r.GetValueIndex(j))
		}, nil
	default:
		return nil, ioerr.Schemaf("type %s cannot be used as a sorting column", dt)
	}
}
