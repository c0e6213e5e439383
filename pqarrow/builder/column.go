package builder

import (
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/decimal256"
	"github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// ColumnBuilder builds a single arrow array one row at a time, writing the
// value, offset and validity buffers directly. A ColumnBuilder is consumed by
// Freeze; any call after that fails with ioerr.ErrInvariantViolation.
//
// The set of implementations is closed, use NewColumnBuilder to obtain one.
type ColumnBuilder interface {
	Field() arrow.Field
	// Len is the number of rows appended so far.
	Len() int
	// NullN is the number of null rows appended so far. It matches the
	// frozen array's NullN for every type but unions: union arrays have no
	// validity bitmap, a null row is a null in the selected child and the
	// frozen union reports NullN 0.
	NullN() int
	AppendNull() error
	// AppendFrom copies row i of arr, which must have the builder's type.
	AppendFrom(arr arrow.Array, i int) error
	Freeze() (arrow.Array, error)

	// appendDefault appends a placeholder slot, as required for the children
	// of null struct rows or for the unselected children of sparse unions. The
	// slot is null when the field is nullable and the zero value otherwise.
	appendDefault() error
}

// NewColumnBuilder returns the builder for field's type with room for
// capacity rows.
func NewColumnBuilder(field arrow.Field, capacity int) (ColumnBuilder, error) {
	if capacity < 0 {
		capacity = 0
	}

	switch dt := field.Type.(type) {
	case *arrow.NullType:
		return NewNullBuilder(field), nil
	case *arrow.BooleanType:
		return NewBooleanBuilder(field, capacity), nil
	case *arrow.Int8Type:
		return NewFixedWidthBuilder[int8](field, capacity), nil
	case *arrow.Int16Type:
		return NewFixedWidthBuilder[int16](field, capacity), nil
	case *arrow.Int32Type:
		return NewFixedWidthBuilder[int32](field, capacity), nil
	case *arrow.Int64Type:
		return NewFixedWidthBuilder[int64](field, capacity), nil
	case *arrow.Uint8Type:
		return NewFixedWidthBuilder[uint8](field, capacity), nil
	case *arrow.Uint16Type:
		return NewFixedWidthBuilder[uint16](field, capacity), nil
	case *arrow.Uint32Type:
		return NewFixedWidthBuilder[uint32](field, capacity), nil
	case *arrow.Uint64Type:
		return NewFixedWidthBuilder[uint64](field, capacity), nil
	case *arrow.Float16Type:
		return NewFixedWidthBuilder[float16.Num](field, capacity), nil
	case *arrow.Float32Type:
		return NewFixedWidthBuilder[float32](field, capacity), nil
	case *arrow.Float64Type:
		return NewFixedWidthBuilder[float64](field, capacity), nil
	case *arrow.Decimal128Type:
		return NewFixedWidthBuilder[decimal128.Num](field, capacity), nil
	case *arrow.Decimal256Type:
		return NewFixedWidthBuilder[decimal256.Num](field, capacity), nil
	case *arrow.Date32Type:
		return NewFixedWidthBuilder[arrow.Date32](field, capacity), nil
	case *arrow.Date64Type:
		return NewFixedWidthBuilder[arrow.Date64](field, capacity), nil
	case *arrow.Time32Type:
		return NewFixedWidthBuilder[arrow.Time32](field, capacity), nil
	case *arrow.Time64Type:
		return NewFixedWidthBuilder[arrow.Time64](field, capacity), nil
	case *arrow.TimestampType:
		return NewFixedWidthBuilder[arrow.Timestamp](field, capacity), nil
	case *arrow.DurationType:
		return NewFixedWidthBuilder[arrow.Duration](field, capacity), nil
	case *arrow.MonthIntervalType:
		return NewFixedWidthBuilder[arrow.MonthInterval](field, capacity), nil
	case *arrow.DayTimeIntervalType:
		return NewFixedWidthBuilder[arrow.DayTimeInterval](field, capacity), nil
	case *arrow.MonthDayNanoIntervalType:
		return NewFixedWidthBuilder[arrow.MonthDayNanoInterval](field, capacity), nil
	case *arrow.StringType, *arrow.BinaryType:
		return NewBinaryBuilder[int32](field, capacity), nil
	case *arrow.LargeStringType, *arrow.LargeBinaryType:
		return NewBinaryBuilder[int64](field, capacity), nil
	case *arrow.FixedSizeBinaryType:
		return NewFixedSizeBinaryBuilder(field, capacity), nil
	case *arrow.MapType:
		return NewListBuilder[int32](field, dt.ElemField(), capacity)
	case *arrow.ListType:
		return NewListBuilder[int32](field, dt.ElemField(), capacity)
	case *arrow.LargeListType:
		return NewListBuilder[int64](field, dt.ElemField(), capacity)
	case *arrow.FixedSizeListType:
		return NewFixedSizeListBuilder(field, capacity)
	case *arrow.StructType:
		return NewStructBuilder(field, capacity)
	case *arrow.DictionaryType:
		return NewDictionaryBuilder(field, capacity)
	case arrow.UnionType:
		return NewUnionBuilder(field, capacity)
	default:
		return nil, ioerr.Schemaf("unsupported type %s for column %q", field.Type, field.Name)
	}
}

// builderBase tracks the length, the null count and the validity bitmap.
// Non-nullable columns never allocate a bitmap.
type builderBase struct {
	field    arrow.Field
	length   int
	nulls    int
	validity []byte
	frozen   bool
}

func newBuilderBase(field arrow.Field, capacity int) builderBase {
	b := builderBase{field: field}
	if field.Nullable {
		b.validity = make([]byte, 0, bitutil.BytesForBits(int64(capacity)))
	}
	return b
}

func (b *builderBase) Field() arrow.Field { return b.field }

func (b *builderBase) Len() int { return b.length }

func (b *builderBase) NullN() int { return b.nulls }

func (b *builderBase) checkWritable() error {
	if b.frozen {
		return ioerr.Invariantf("append to frozen builder of column %q", b.field.Name)
	}
	return nil
}

// checkNullable must pass before any buffer is touched for a null row.
func (b *builderBase) checkNullable() error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	if !b.field.Nullable {
		return ioerr.Invariantf("null pushed to non-nullable column %q", b.field.Name)
	}
	return nil
}

func (b *builderBase) appendValid() {
	if b.field.Nullable {
		b.validity = resizeBitmap(b.validity, b.length+1)
		bitutil.SetBit(b.validity, b.length)
	}
	b.length++
}

func (b *builderBase) appendNullSlot() {
	b.validity = resizeBitmap(b.validity, b.length+1)
	bitutil.ClearBit(b.validity, b.length)
	b.length++
	b.nulls++
}

// freeze marks the builder consumed and returns the validity buffer, which is
// nil when no null was appended.
func (b *builderBase) freeze() (*memory.Buffer, error) {
	if b.frozen {
		return nil, ioerr.Invariantf("builder of column %q frozen twice", b.field.Name)
	}
	b.frozen = true
	if b.nulls == 0 {
		return nil, nil
	}
	return memory.NewBufferBytes(b.validity), nil
}

func resizeBitmap(bitmap []byte, valuesToRepresent int) []byte {
	bytesNeeded := int(bitutil.BytesForBits(int64(valuesToRepresent)))
	if cap(bitmap) < bytesNeeded {
		existingBitmap := bitmap
		bitmap = make([]byte, bitutil.NextPowerOf2(bytesNeeded))
		copy(bitmap, existingBitmap)
	}
	return bitmap[:bytesNeeded]
}

// bytesOf reinterprets a slice of fixed-width values as its raw bytes.
func bytesOf[T any](values []T) []byte {
	if len(values) == 0 {
		return []byte{}
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), len(values)*int(unsafe.Sizeof(zero)))
}

// valuesOf reinterprets raw bytes as a slice of fixed-width values.
func valuesOf[T any](buf []byte) []T {
	var zero T
	n := len(buf) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(buf))), n)
}
