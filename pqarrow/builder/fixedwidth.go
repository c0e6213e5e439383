package builder

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/decimal256"
	"github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// FixedWidth is the set of value types stored as width × length bytes in a
// single value buffer.
type FixedWidth interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 |
		float16.Num | decimal128.Num | decimal256.Num |
		arrow.DayTimeInterval | arrow.MonthDayNanoInterval
}

var (
	_ ColumnBuilder = (*FixedWidthBuilder[int64])(nil)
	_ ColumnBuilder = (*BooleanBuilder)(nil)
	_ ColumnBuilder = (*NullBuilder)(nil)
)

// FixedWidthBuilder builds numeric, temporal, decimal and interval arrays.
// Null rows keep a zero slot so the value buffer stays aligned with the
// validity bitmap.
type FixedWidthBuilder[T FixedWidth] struct {
	builderBase
	values []T
}

func NewFixedWidthBuilder[T FixedWidth](field arrow.Field, capacity int) *FixedWidthBuilder[T] {
	return &FixedWidthBuilder[T]{
		builderBase: newBuilderBase(field, capacity),
		values:      make([]T, 0, capacity),
	}
}

func (b *FixedWidthBuilder[T]) Append(v T) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	b.values = append(b.values, v)
	b.appendValid()
	return nil
}

func (b *FixedWidthBuilder[T]) AppendNull() error {
	if err := b.checkNullable(); err != nil {
		return err
	}
	var zero T
	b.values = append(b.values, zero)
	b.appendNullSlot()
	return nil
}

func (b *FixedWidthBuilder[T]) appendDefault() error {
	if b.field.Nullable {
		return b.AppendNull()
	}
	var zero T
	return b.Append(zero)
}

func (b *FixedWidthBuilder[T]) AppendFrom(arr arrow.Array, i int) error {
	// The value buffer is reinterpreted as []T.
	if !arrow.TypeEqual(arr.DataType(), b.field.Type) {
		return ioerr.Invariantf("column %q: expected %s array, got %s", b.field.Name, b.field.Type, arr.DataType())
	}
	if arr.IsNull(i) {
		return b.AppendNull()
	}
	data := arr.Data()
	values := valuesOf[T](data.Buffers()[1].Bytes())
	return b.Append(values[data.Offset()+i])
}

func (b *FixedWidthBuilder[T]) Freeze() (arrow.Array, error) {
	validity, err := b.freeze()
	if err != nil {
		return nil, err
	}
	data := array.NewData(
		b.field.Type,
		b.length,
		[]*memory.Buffer{validity, memory.NewBufferBytes(bytesOf(b.values))},
		nil,
		b.nulls,
		0,
	)
	defer data.Release()
	b.values = nil
	return array.MakeFromData(data), nil
}

// BooleanBuilder builds bit-packed boolean arrays.
type BooleanBuilder struct {
	builderBase
	values []byte
}

func NewBooleanBuilder(field arrow.Field, capacity int) *BooleanBuilder {
	return &BooleanBuilder{
		builderBase: newBuilderBase(field, capacity),
		values:      make([]byte, 0, bitutil.BytesForBits(int64(capacity))),
	}
}

func (b *BooleanBuilder) Append(v bool) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	b.values = resizeBitmap(b.values, b.length+1)
	bitutil.SetBitTo(b.values, b.length, v)
	b.appendValid()
	return nil
}

func (b *BooleanBuilder) AppendNull() error {
	if err := b.checkNullable(); err != nil {
		return err
	}
	b.values = resizeBitmap(b.values, b.length+1)
	bitutil.ClearBit(b.values, b.length)
	b.appendNullSlot()
	return nil
}

func (b *BooleanBuilder) appendDefault() error {
	if b.field.Nullable {
		return b.AppendNull()
	}
	return b.Append(false)
}

func (b *BooleanBuilder) AppendFrom(arr arrow.Array, i int) error {
	if arr.IsNull(i) {
		return b.AppendNull()
	}
	src, ok := arr.(*array.Boolean)
	if !ok {
		return ioerr.Invariantf("column %q: expected boolean array, got %s", b.field.Name, arr.DataType())
	}
	return b.Append(src.Value(i))
}

func (b *BooleanBuilder) Freeze() (arrow.Array, error) {
	validity, err := b.freeze()
	if err != nil {
		return nil, err
	}
	data := array.NewData(
		b.field.Type,
		b.length,
		[]*memory.Buffer{validity, memory.NewBufferBytes(b.values)},
		nil,
		b.nulls,
		0,
	)
	defer data.Release()
	b.values = nil
	return array.MakeFromData(data), nil
}

// NullBuilder builds arrays of the null type. Every row is null regardless of
// the field's nullability.
type NullBuilder struct {
	builderBase
}

func NewNullBuilder(field arrow.Field) *NullBuilder {
	return &NullBuilder{builderBase: builderBase{field: field}}
}

func (b *NullBuilder) AppendNull() error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	b.length++
	b.nulls++
	return nil
}

func (b *NullBuilder) appendDefault() error { return b.AppendNull() }

func (b *NullBuilder) AppendFrom(arrow.Array, int) error { return b.AppendNull() }

func (b *NullBuilder) Freeze() (arrow.Array, error) {
	if b.frozen {
		return nil, ioerr.Invariantf("builder of column %q frozen twice", b.field.Name)
	}
	b.frozen = true
	return array.NewNull(b.length), nil
}
