package builder

import (
	"strings"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lakesoul-io/nativeio/ioerr"
)

var _ ColumnBuilder = (*DictionaryBuilder)(nil)

// indexBuffer holds the dictionary indices at the index type's width.
type indexBuffer interface {
	append(idx int)
	bytes() []byte
}

type typedIndexBuffer[T ~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64] struct {
	values []T
}

func (b *typedIndexBuffer[T]) append(idx int) { b.values = append(b.values, T(idx)) }

func (b *typedIndexBuffer[T]) bytes() []byte { return bytesOf(b.values) }

func newIndexBuffer(dt arrow.DataType, capacity int) (indexBuffer, error) {
	switch dt.ID() {
	case arrow.INT8:
		return &typedIndexBuffer[int8]{values: make([]int8, 0, capacity)}, nil
	case arrow.INT16:
		return &typedIndexBuffer[int16]{values: make([]int16, 0, capacity)}, nil
	case arrow.INT32:
		return &typedIndexBuffer[int32]{values: make([]int32, 0, capacity)}, nil
	case arrow.INT64:
		return &typedIndexBuffer[int64]{values: make([]int64, 0, capacity)}, nil
	case arrow.UINT8:
		return &typedIndexBuffer[uint8]{values: make([]uint8, 0, capacity)}, nil
	case arrow.UINT16:
		return &typedIndexBuffer[uint16]{values: make([]uint16, 0, capacity)}, nil
	case arrow.UINT32:
		return &typedIndexBuffer[uint32]{values: make([]uint32, 0, capacity)}, nil
	case arrow.UINT64:
		return &typedIndexBuffer[uint64]{values: make([]uint64, 0, capacity)}, nil
	default:
		return nil, ioerr.Schemaf("dictionary index type %s is not an integer type", dt)
	}
}

// DictionaryBuilder builds dictionary encoded arrays. Rows copied from other
// dictionary arrays are re-encoded against a dictionary local to the builder,
// so values shared between sources are stored once.
type DictionaryBuilder struct {
	builderBase
	indices indexBuffer
	values  ColumnBuilder
	// memo maps the raw bytes of a value to its local index.
	memo       map[string]int
	defaultIdx int

	// remap caches the local index of every entry of the last source
	// dictionary, -1 until first seen.
	srcDict arrow.ArrayData
	remap   []int
}

func NewDictionaryBuilder(field arrow.Field, capacity int) (*DictionaryBuilder, error) {
	dt := field.Type.(*arrow.DictionaryType)
	indices, err := newIndexBuffer(dt.IndexType, capacity)
	if err != nil {
		return nil, err
	}
	values, err := NewColumnBuilder(arrow.Field{Name: field.Name, Type: dt.ValueType}, capacity)
	if err != nil {
		return nil, err
	}
	return &DictionaryBuilder{
		builderBase: newBuilderBase(field, capacity),
		indices:     indices,
		values:      values,
		memo:        make(map[string]int),
		defaultIdx:  -1,
	}, nil
}

// DictionaryLen is the number of distinct values seen so far.
func (b *DictionaryBuilder) DictionaryLen() int { return b.values.Len() }

func (b *DictionaryBuilder) AppendNull() error {
	if err := b.checkNullable(); err != nil {
		return err
	}
	b.indices.append(0)
	b.appendNullSlot()
	return nil
}

func (b *DictionaryBuilder) appendDefault() error {
	if b.field.Nullable {
		return b.AppendNull()
	}
	if err := b.checkWritable(); err != nil {
		return err
	}
	if b.defaultIdx < 0 {
		idx := b.values.Len()
		if err := b.values.appendDefault(); err != nil {
			return err
		}
		b.defaultIdx = idx
	}
	b.indices.append(b.defaultIdx)
	b.appendValid()
	return nil
}

// AppendFrom copies row i of a dictionary array, or of a plain array of the
// dictionary's value type.
func (b *DictionaryBuilder) AppendFrom(arr arrow.Array, i int) error {
	if arr.IsNull(i) {
		return b.AppendNull()
	}
	if err := b.checkWritable(); err != nil {
		return err
	}

	dict, ok := arr.(*array.Dictionary)
	if !ok {
		idx, err := b.lookup(arr, i)
		if err != nil {
			return err
		}
		b.indices.append(idx)
		b.appendValid()
		return nil
	}

	values, pos := dict.Dictionary(), dict.GetValueIndex(i)
	if values.IsNull(pos) {
		return b.AppendNull()
	}
	if data := values.Data(); data != b.srcDict {
		b.srcDict = data
		b.remap = b.remap[:0]
		for j := 0; j < values.Len(); j++ {
			b.remap = append(b.remap, -1)
		}
	}
	idx := b.remap[pos]
	if idx < 0 {
		var err error
		if idx, err = b.lookup(values, pos); err != nil {
			return err
		}
		b.remap[pos] = idx
	}
	b.indices.append(idx)
	b.appendValid()
	return nil
}

// lookup returns the local index of row pos of values, adding the value to
// the dictionary when it is new.
func (b *DictionaryBuilder) lookup(values arrow.Array, pos int) (int, error) {
	if want := b.values.Field().Type; !arrow.TypeEqual(values.DataType(), want) {
		return 0, ioerr.Invariantf("column %q: expected %s values, got %s", b.field.Name, want, values.DataType())
	}
	key := valueKey(values, pos)
	if idx, ok := b.memo[key]; ok {
		return idx, nil
	}
	idx := b.values.Len()
	if err := b.values.AppendFrom(values, pos); err != nil {
		return 0, err
	}
	// key may point into the source's buffers.
	b.memo[strings.Clone(key)] = idx
	return idx, nil
}

// valueKey views the bytes of row pos of values as a string without
// copying them.
func valueKey(values arrow.Array, pos int) string {
	switch src := values.(type) {
	case *array.String:
		return src.Value(pos)
	case *array.LargeString:
		return src.Value(pos)
	case *array.Binary:
		return bytesKey(src.Value(pos))
	case *array.LargeBinary:
		return bytesKey(src.Value(pos))
	case *array.FixedSizeBinary:
		return bytesKey(src.Value(pos))
	case *array.Boolean:
		if src.Value(pos) {
			return "\x01"
		}
		return "\x00"
	}
	if fw, ok := values.DataType().(arrow.FixedWidthDataType); ok && fw.BitWidth()%8 == 0 {
		width := fw.BitWidth() / 8
		data := values.Data()
		start := (data.Offset() + pos) * width
		return bytesKey(data.Buffers()[1].Bytes()[start : start+width])
	}
	return values.ValueStr(pos)
}

func bytesKey(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}

func (b *DictionaryBuilder) Freeze() (arrow.Array, error) {
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
		[]*memory.Buffer{validity, memory.NewBufferBytes(b.indices.bytes())},
		nil,
		b.nulls,
		0,
	)
	defer data.Release()
	data.SetDictionary(values.Data())
	b.indices, b.memo = nil, nil
	b.srcDict, b.remap = nil, nil
	return array.MakeFromData(data), nil
}
