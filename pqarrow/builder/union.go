package builder

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lakesoul-io/nativeio/ioerr"
)

var _ ColumnBuilder = (*UnionBuilder)(nil)

// UnionBuilder builds sparse and dense union arrays. Unions carry no
// validity bitmap, a null row is a null in the first child.
//
// Sparse unions append to every child on every row, the unselected children
// receive placeholders. Dense unions additionally record the offset of the
// row inside its child.
type UnionBuilder struct {
	builderBase
	dt       arrow.UnionType
	typeIDs  []arrow.UnionTypeCode
	offsets  []int32
	children []ColumnBuilder
}

func NewUnionBuilder(field arrow.Field, capacity int) (*UnionBuilder, error) {
	dt := field.Type.(arrow.UnionType)
	children := make([]ColumnBuilder, len(dt.Fields()))
	for i, f := range dt.Fields() {
		child, err := NewColumnBuilder(f, capacity)
		if err != nil {
			return nil, err
		}
		children[i] = child
	}
	if len(children) == 0 {
		return nil, ioerr.Schemaf("union column %q has no children", field.Name)
	}

	b := &UnionBuilder{
		builderBase: builderBase{field: field},
		dt:          dt,
		typeIDs:     make([]arrow.UnionTypeCode, 0, capacity),
		children:    children,
	}
	if dt.Mode() == arrow.DenseMode {
		b.offsets = make([]int32, 0, capacity)
	}
	return b, nil
}

func (b *UnionBuilder) dense() bool { return b.dt.Mode() == arrow.DenseMode }

// appendChild records a row selecting child, once child has received its
// value through push.
func (b *UnionBuilder) appendChild(child int, push func(ColumnBuilder) error) error {
	selected := b.children[child]
	offset := int32(selected.Len())
	if err := push(selected); err != nil {
		return err
	}
	if b.dense() {
		b.offsets = append(b.offsets, offset)
	} else {
		for j, other := range b.children {
			if j == child {
				continue
			}
			if err := other.appendDefault(); err != nil {
				return err
			}
		}
	}
	b.typeIDs = append(b.typeIDs, b.dt.TypeCodes()[child])
	b.length++
	return nil
}

func (b *UnionBuilder) AppendNull() error {
	if err := b.checkNullable(); err != nil {
		return err
	}
	if err := b.appendChild(0, ColumnBuilder.AppendNull); err != nil {
		return err
	}
	b.nulls++
	return nil
}

func (b *UnionBuilder) appendDefault() error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	if b.field.Nullable {
		return b.AppendNull()
	}
	return b.appendChild(0, ColumnBuilder.appendDefault)
}

func (b *UnionBuilder) AppendFrom(arr arrow.Array, i int) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	src, ok := arr.(array.Union)
	if !ok {
		return ioerr.Invariantf("column %q: expected union array, got %s", b.field.Name, arr.DataType())
	}

	child := src.ChildID(i)
	values := src.Field(child)
	pos := arr.Data().Offset() + i
	if dense, ok := src.(*array.DenseUnion); ok {
		pos = int(dense.ValueOffset(i))
	}
	return b.appendChild(child, func(cb ColumnBuilder) error {
		return cb.AppendFrom(values, pos)
	})
}

func (b *UnionBuilder) Freeze() (arrow.Array, error) {
	if b.frozen {
		return nil, ioerr.Invariantf("builder of column %q frozen twice", b.field.Name)
	}
	b.frozen = true

	children := make([]arrow.Array, len(b.children))
	for i, child := range b.children {
		arr, err := child.Freeze()
		if err != nil {
			return nil, err
		}
		defer arr.Release()
		children[i] = arr
	}

	typeIDs := memory.NewBufferBytes(bytesOf(b.typeIDs))
	if b.dense() {
		offsets := memory.NewBufferBytes(bytesOf(b.offsets))
		return array.NewDenseUnion(b.dt.(*arrow.DenseUnionType), b.length, children, typeIDs, offsets, 0), nil
	}
	return array.NewSparseUnion(b.dt.(*arrow.SparseUnionType), b.length, children, typeIDs, 0), nil
}
