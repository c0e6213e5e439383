package builder

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lakesoul-io/nativeio/ioerr"
)

var (
	_ ColumnBuilder = (*ListBuilder[int32])(nil)
	_ ColumnBuilder = (*FixedSizeListBuilder)(nil)
	_ ColumnBuilder = (*StructBuilder)(nil)
)

// ListBuilder builds list, large list and map arrays. It owns the offsets
// and delegates the elements to a child builder.
type ListBuilder[O Offset] struct {
	builderBase
	offsets []O
	values  ColumnBuilder
}

func NewListBuilder[O Offset](field, elem arrow.Field, capacity int) (*ListBuilder[O], error) {
	values, err := NewColumnBuilder(elem, capacity)
	if err != nil {
		return nil, err
	}
	offsets := make([]O, 1, capacity+1)
	return &ListBuilder[O]{
		builderBase: newBuilderBase(field, capacity),
		offsets:     offsets,
		values:      values,
	}, nil
}

// ValueBuilder returns the builder of the list elements. Elements appended
// to it belong to the list opened by the next call to Append.
func (b *ListBuilder[O]) ValueBuilder() ColumnBuilder { return b.values }

// Append closes a list holding every element appended to the value builder
// since the previous row.
func (b *ListBuilder[O]) Append() error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	b.offsets = append(b.offsets, O(b.values.Len()))
	b.appendValid()
	return nil
}

func (b *ListBuilder[O]) AppendNull() error {
	if err := b.checkNullable(); err != nil {
		return err
	}
	b.offsets = append(b.offsets, O(b.values.Len()))
	b.appendNullSlot()
	return nil
}

func (b *ListBuilder[O]) appendDefault() error {
	if b.field.Nullable {
		return b.AppendNull()
	}
	return b.Append()
}

func (b *ListBuilder[O]) AppendFrom(arr arrow.Array, i int) error {
	if arr.IsNull(i) {
		return b.AppendNull()
	}
	src, ok := arr.(array.ListLike)
	if !ok {
		return ioerr.Invariantf("column %q: expected list array, got %s", b.field.Name, arr.DataType())
	}
	if err := b.checkWritable(); err != nil {
		return err
	}
	start, end := src.ValueOffsets(i)
	values := src.ListValues()
	for j := start; j < end; j++ {
		if err := b.values.AppendFrom(values, int(j)); err != nil {
			return err
		}
	}
	return b.Append()
}

func (b *ListBuilder[O]) Freeze() (arrow.Array, error) {
	validity, err := b.freeze()
	if err != nil {
		return nil, err
	}
	values, err := b.values.Freeze()
	if err != nil {
		return nil, err
	}
	defer values.Release()

	data := array.NewData(
		b.field.Type,
		b.length,
		[]*memory.Buffer{validity, memory.NewBufferBytes(bytesOf(b.offsets))},
		[]arrow.ArrayData{values.Data()},
		b.nulls,
		0,
	)
	defer data.Release()
	b.offsets = nil
	return array.MakeFromData(data), nil
}

// FixedSizeListBuilder builds lists that all hold the same number of
// elements. A null row still occupies its elements in the child.
type FixedSizeListBuilder struct {
	builderBase
	size   int
	values ColumnBuilder
}

func NewFixedSizeListBuilder(field arrow.Field, capacity int) (*FixedSizeListBuilder, error) {
	dt := field.Type.(*arrow.FixedSizeListType)
	size := int(dt.Len())
	values, err := NewColumnBuilder(dt.ElemField(), capacity*size)
	if err != nil {
		return nil, err
	}
	return &FixedSizeListBuilder{
		builderBase: newBuilderBase(field, capacity),
		size:        size,
		values:      values,
	}, nil
}

func (b *FixedSizeListBuilder) ValueBuilder() ColumnBuilder { return b.values }

// Append closes a row. The value builder must have received exactly the
// list size in elements since the previous row.
func (b *FixedSizeListBuilder) Append() error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	if want := (b.length + 1) * b.size; b.values.Len() != want {
		return ioerr.Invariantf("column %q: %d list elements, want %d", b.field.Name, b.values.Len(), want)
	}
	b.appendValid()
	return nil
}

func (b *FixedSizeListBuilder) AppendNull() error {
	if err := b.checkNullable(); err != nil {
		return err
	}
	for j := 0; j < b.size; j++ {
		if err := b.values.appendDefault(); err != nil {
			return err
		}
	}
	b.appendNullSlot()
	return nil
}

func (b *FixedSizeListBuilder) appendDefault() error {
	if b.field.Nullable {
		return b.AppendNull()
	}
	if err := b.checkWritable(); err != nil {
		return err
	}
	for j := 0; j < b.size; j++ {
		if err := b.values.appendDefault(); err != nil {
			return err
		}
	}
	return b.Append()
}

func (b *FixedSizeListBuilder) AppendFrom(arr arrow.Array, i int) error {
	if arr.IsNull(i) {
		return b.AppendNull()
	}
	src, ok := arr.(*array.FixedSizeList)
	if !ok {
		return ioerr.Invariantf("column %q: expected fixed size list array, got %s", b.field.Name, arr.DataType())
	}
	if err := b.checkWritable(); err != nil {
		return err
	}
	start, end := src.ValueOffsets(i)
	values := src.ListValues()
	for j := start; j < end; j++ {
		if err := b.values.AppendFrom(values, int(j)); err != nil {
			return err
		}
	}
	return b.Append()
}

func (b *FixedSizeListBuilder) Freeze() (arrow.Array, error) {
	validity, err := b.freeze()
	if err != nil {
		return nil, err
	}
	values, err := b.values.Freeze()
	if err != nil {
		return nil, err
	}
	defer values.Release()

	data := array.NewData(
		b.field.Type,
		b.length,
		[]*memory.Buffer{validity},
		[]arrow.ArrayData{values.Data()},
		b.nulls,
		0,
	)
	defer data.Release()
	return array.MakeFromData(data), nil
}

// StructBuilder builds struct arrays. Every child receives exactly one slot
// per row, a placeholder when the struct row is null.
type StructBuilder struct {
	builderBase
	children []ColumnBuilder
}

func NewStructBuilder(field arrow.Field, capacity int) (*StructBuilder, error) {
	dt := field.Type.(*arrow.StructType)
	children := make([]ColumnBuilder, dt.NumFields())
	for i, f := range dt.Fields() {
		child, err := NewColumnBuilder(f, capacity)
		if err != nil {
			return nil, err
		}
		children[i] = child
	}
	return &StructBuilder{
		builderBase: newBuilderBase(field, capacity),
		children:    children,
	}, nil
}

func (b *StructBuilder) FieldBuilder(i int) ColumnBuilder { return b.children[i] }

func (b *StructBuilder) NumField() int { return len(b.children) }

// Append closes a row. Each field builder must have received exactly one
// value for it.
func (b *StructBuilder) Append() error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	for _, child := range b.children {
		if child.Len() != b.length+1 {
			return ioerr.Invariantf("struct column %q: field %q has %d rows, want %d", b.field.Name, child.Field().Name, child.Len(), b.length+1)
		}
	}
	b.appendValid()
	return nil
}

func (b *StructBuilder) AppendNull() error {
	if err := b.checkNullable(); err != nil {
		return err
	}
	for _, child := range b.children {
		if err := child.appendDefault(); err != nil {
			return err
		}
	}
	b.appendNullSlot()
	return nil
}

func (b *StructBuilder) appendDefault() error {
	if b.field.Nullable {
		return b.AppendNull()
	}
	if err := b.checkWritable(); err != nil {
		return err
	}
	for _, child := range b.children {
		if err := child.appendDefault(); err != nil {
			return err
		}
	}
	return b.Append()
}

func (b *StructBuilder) AppendFrom(arr arrow.Array, i int) error {
	if arr.IsNull(i) {
		return b.AppendNull()
	}
	src, ok := arr.(*array.Struct)
	if !ok {
		return ioerr.Invariantf("column %q: expected struct array, got %s", b.field.Name, arr.DataType())
	}
	if err := b.checkWritable(); err != nil {
		return err
	}
	for j, child := range b.children {
		if err := child.AppendFrom(src.Field(j), i); err != nil {
			return err
		}
	}
	return b.Append()
}

func (b *StructBuilder) Freeze() (arrow.Array, error) {
	validity, err := b.freeze()
	if err != nil {
		return nil, err
	}
	children := make([]arrow.ArrayData, len(b.children))
	for i, child := range b.children {
		arr, err := child.Freeze()
		if err != nil {
			return nil, err
		}
		defer arr.Release()
		children[i] = arr.Data()
	}

	data := array.NewData(
		b.field.Type,
		b.length,
		[]*memory.Buffer{validity},
		children,
		b.nulls,
		0,
	)
	defer data.Release()
	return array.MakeFromData(data), nil
}
