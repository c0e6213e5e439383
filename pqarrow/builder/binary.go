package builder

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lakesoul-io/nativeio/ioerr"
)

// Offset is the width of the offsets of variable length layouts.
type Offset interface {
	~int32 | ~int64
}

var (
	_ ColumnBuilder = (*BinaryBuilder[int32])(nil)
	_ ColumnBuilder = (*FixedSizeBinaryBuilder)(nil)
)

// BinaryBuilder builds utf8 and binary arrays with 32 bit offsets, or their
// large variants with 64 bit offsets.
type BinaryBuilder[O Offset] struct {
	builderBase

	data []byte
	// offsets always holds Len()+1 entries. The ith value is
	// data[offsets[i]:offsets[i+1]].
	offsets []O
}

func NewBinaryBuilder[O Offset](field arrow.Field, capacity int) *BinaryBuilder[O] {
	offsets := make([]O, 1, capacity+1)
	return &BinaryBuilder[O]{
		builderBase: newBuilderBase(field, capacity),
		offsets:     offsets,
	}
}

func (b *BinaryBuilder[O]) Append(v []byte) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	b.data = append(b.data, v...)
	b.offsets = append(b.offsets, O(len(b.data)))
	b.appendValid()
	return nil
}

func (b *BinaryBuilder[O]) AppendString(v string) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	b.data = append(b.data, v...)
	b.offsets = append(b.offsets, O(len(b.data)))
	b.appendValid()
	return nil
}

func (b *BinaryBuilder[O]) AppendNull() error {
	if err := b.checkNullable(); err != nil {
		return err
	}
	b.offsets = append(b.offsets, O(len(b.data)))
	b.appendNullSlot()
	return nil
}

func (b *BinaryBuilder[O]) appendDefault() error {
	if b.field.Nullable {
		return b.AppendNull()
	}
	return b.Append(nil)
}

func (b *BinaryBuilder[O]) AppendFrom(arr arrow.Array, i int) error {
	if arr.IsNull(i) {
		return b.AppendNull()
	}
	switch src := arr.(type) {
	case *array.String:
		return b.AppendString(src.Value(i))
	case *array.LargeString:
		return b.AppendString(src.Value(i))
	case *array.Binary:
		return b.Append(src.Value(i))
	case *array.LargeBinary:
		return b.Append(src.Value(i))
	default:
		return ioerr.Invariantf("column %q: expected binary array, got %s", b.field.Name, arr.DataType())
	}
}

func (b *BinaryBuilder[O]) Freeze() (arrow.Array, error) {
	validity, err := b.freeze()
	if err != nil {
		return nil, err
	}
	data := array.NewData(
		b.field.Type,
		b.length,
		[]*memory.Buffer{
			validity,
			memory.NewBufferBytes(bytesOf(b.offsets)),
			memory.NewBufferBytes(b.data),
		},
		nil,
		b.nulls,
		0,
	)
	defer data.Release()
	b.data, b.offsets = nil, nil
	return array.MakeFromData(data), nil
}

// FixedSizeBinaryBuilder builds arrays whose values all have the byte width
// of the field's type.
type FixedSizeBinaryBuilder struct {
	builderBase
	width int
	data  []byte
}

func NewFixedSizeBinaryBuilder(field arrow.Field, capacity int) *FixedSizeBinaryBuilder {
	width := field.Type.(*arrow.FixedSizeBinaryType).ByteWidth
	return &FixedSizeBinaryBuilder{
		builderBase: newBuilderBase(field, capacity),
		width:       width,
		data:        make([]byte, 0, width*capacity),
	}
}

func (b *FixedSizeBinaryBuilder) Append(v []byte) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	if len(v) != b.width {
		return ioerr.Invariantf("column %q: value of %d bytes, want %d", b.field.Name, len(v), b.width)
	}
	b.data = append(b.data, v...)
	b.appendValid()
	return nil
}

func (b *FixedSizeBinaryBuilder) AppendNull() error {
	if err := b.checkNullable(); err != nil {
		return err
	}
	b.data = append(b.data, make([]byte, b.width)...)
	b.appendNullSlot()
	return nil
}

func (b *FixedSizeBinaryBuilder) appendDefault() error {
	if b.field.Nullable {
		return b.AppendNull()
	}
	return b.Append(make([]byte, b.width))
}

func (b *FixedSizeBinaryBuilder) AppendFrom(arr arrow.Array, i int) error {
	if arr.IsNull(i) {
		return b.AppendNull()
	}
	src, ok := arr.(*array.FixedSizeBinary)
	if !ok {
		return ioerr.Invariantf("column %q: expected fixed size binary array, got %s", b.field.Name, arr.DataType())
	}
	return b.Append(src.Value(i))
}

func (b *FixedSizeBinaryBuilder) Freeze() (arrow.Array, error) {
	validity, err := b.freeze()
	if err != nil {
		return nil, err
	}
	data := array.NewData(
		b.field.Type,
		b.length,
		[]*memory.Buffer{validity, memory.NewBufferBytes(b.data)},
		nil,
		b.nulls,
		0,
	)
	defer data.Release()
	b.data = nil
	return array.MakeFromData(data), nil
}
