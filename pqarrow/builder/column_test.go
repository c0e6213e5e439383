package builder

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/lakesoul-io/nativeio/ioerr"
)

func TestAppendNullNonNullable(t *testing.T) {
	fields := []arrow.Field{
		{Name: "i64", Type: arrow.PrimitiveTypes.Int64},
		{Name: "bool", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "str", Type: arrow.BinaryTypes.String},
		{Name: "fsb", Type: &arrow.FixedSizeBinaryType{ByteWidth: 4}},
		{Name: "list", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "struct", Type: arrow.StructOf(arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32, Nullable: true})},
		{Name: "dict", Type: &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String}},
	}
	for _, f := range fields {
		t.Run(f.Name, func(t *testing.T) {
			b, err := NewColumnBuilder(f, 4)
			require.NoError(t, err)
			err = b.AppendNull()
			require.Error(t, err)
			require.True(t, errors.Is(err, ioerr.ErrInvariantViolation))
			require.Equal(t, 0, b.Len())
			require.Equal(t, 0, b.NullN())
		})
	}
}

func TestFreezeCounts(t *testing.T) {
	b := NewFixedWidthBuilder[int64](arrow.Field{Name: "v", Type: arrow.PrimitiveTypes.Int64, Nullable: true}, 2)
	for i := 0; i < 100; i++ {
		if i%3 == 0 {
			require.NoError(t, b.AppendNull())
			continue
		}
		require.NoError(t, b.Append(int64(i)))
	}
	require.Equal(t, 100, b.Len())
	require.Equal(t, 34, b.NullN())

	arr, err := b.Freeze()
	require.NoError(t, err)
	defer arr.Release()

	require.Equal(t, 100, arr.Len())
	require.Equal(t, 34, arr.NullN())
	ints := arr.(*array.Int64)
	for i := 0; i < 100; i++ {
		if i%3 == 0 {
			require.True(t, ints.IsNull(i))
			continue
		}
		require.Equal(t, int64(i), ints.Value(i))
	}
}

func TestFreezeTwice(t *testing.T) {
	b := NewBooleanBuilder(arrow.Field{Name: "b", Type: arrow.FixedWidthTypes.Boolean}, 0)
	require.NoError(t, b.Append(true))

	arr, err := b.Freeze()
	require.NoError(t, err)
	arr.Release()

	_, err = b.Freeze()
	require.True(t, errors.Is(err, ioerr.ErrInvariantViolation))
	require.True(t, errors.Is(b.Append(false), ioerr.ErrInvariantViolation))
}

func TestNoValidityWithoutNulls(t *testing.T) {
	b := NewBinaryBuilder[int32](arrow.Field{Name: "s", Type: arrow.BinaryTypes.String, Nullable: true}, 0)
	require.NoError(t, b.AppendString("a"))
	require.NoError(t, b.AppendString("bc"))

	arr, err := b.Freeze()
	require.NoError(t, err)
	defer arr.Release()

	require.Nil(t, arr.Data().Buffers()[0])
	require.Equal(t, []int32{0, 1, 3}, arr.(*array.String).ValueOffsets())
}

func TestOffsetsStartAtZero(t *testing.T) {
	b := NewBinaryBuilder[int64](arrow.Field{Name: "s", Type: arrow.BinaryTypes.LargeBinary, Nullable: true}, 0)
	arr, err := b.Freeze()
	require.NoError(t, err)
	defer arr.Release()

	require.Equal(t, 0, arr.Len())
	require.Equal(t, []int64{0}, valuesOf[int64](arr.Data().Buffers()[1].Bytes()))
}

// TestAppendFromRoundTrip copies every row of arrays built with arrow's own
// builders and checks the result is equal to the source.
func TestAppendFromRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	tests := map[string]func() arrow.Array{
		"int32": func() arrow.Array {
			b := array.NewInt32Builder(mem)
			defer b.Release()
			b.AppendValues([]int32{1, 2, 3}, []bool{true, false, true})
			return b.NewArray()
		},
		"float64": func() arrow.Array {
			b := array.NewFloat64Builder(mem)
			defer b.Release()
			b.AppendValues([]float64{1.5, 2.5}, nil)
			b.AppendNull()
			return b.NewArray()
		},
		"bool": func() arrow.Array {
			b := array.NewBooleanBuilder(mem)
			defer b.Release()
			b.AppendValues([]bool{true, false, true}, []bool{true, true, false})
			return b.NewArray()
		},
		"timestamp": func() arrow.Array {
			b := array.NewTimestampBuilder(mem, &arrow.TimestampType{Unit: arrow.Microsecond})
			defer b.Release()
			b.AppendValues([]arrow.Timestamp{10, 20}, nil)
			b.AppendNull()
			return b.NewArray()
		},
		"string": func() arrow.Array {
			b := array.NewStringBuilder(mem)
			defer b.Release()
			b.AppendValues([]string{"hello", "", "world"}, []bool{true, false, true})
			return b.NewArray()
		},
		"large_binary": func() arrow.Array {
			b := array.NewBinaryBuilder(mem, arrow.BinaryTypes.LargeBinary)
			defer b.Release()
			b.AppendValues([][]byte{[]byte("a"), nil, []byte("ccc")}, []bool{true, false, true})
			return b.NewArray()
		},
		"fixed_size_binary": func() arrow.Array {
			b := array.NewFixedSizeBinaryBuilder(mem, &arrow.FixedSizeBinaryType{ByteWidth: 2})
			defer b.Release()
			b.AppendValues([][]byte{[]byte("ab"), []byte("cd")}, nil)
			b.AppendNull()
			return b.NewArray()
		},
		"list": func() arrow.Array {
			b := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int64)
			defer b.Release()
			vb := b.ValueBuilder().(*array.Int64Builder)
			b.Append(true)
			vb.AppendValues([]int64{1, 2}, nil)
			b.AppendNull()
			b.Append(true)
			vb.AppendNull()
			vb.Append(3)
			return b.NewArray()
		},
		"map": func() arrow.Array {
			b := array.NewMapBuilder(mem, arrow.BinaryTypes.String, arrow.PrimitiveTypes.Int32, false)
			defer b.Release()
			kb := b.KeyBuilder().(*array.StringBuilder)
			ib := b.ItemBuilder().(*array.Int32Builder)
			b.Append(true)
			kb.Append("a")
			ib.Append(1)
			kb.Append("b")
			ib.AppendNull()
			b.AppendNull()
			return b.NewArray()
		},
		"fixed_size_list": func() arrow.Array {
			b := array.NewFixedSizeListBuilder(mem, 2, arrow.PrimitiveTypes.Int16)
			defer b.Release()
			vb := b.ValueBuilder().(*array.Int16Builder)
			b.Append(true)
			vb.AppendValues([]int16{1, 2}, nil)
			b.AppendNull()
			b.Append(true)
			vb.AppendValues([]int16{3, 4}, nil)
			return b.NewArray()
		},
		"struct": func() arrow.Array {
			dt := arrow.StructOf(
				arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32},
				arrow.Field{Name: "b", Type: arrow.BinaryTypes.String, Nullable: true},
			)
			b := array.NewStructBuilder(mem, dt)
			defer b.Release()
			ab := b.FieldBuilder(0).(*array.Int32Builder)
			sb := b.FieldBuilder(1).(*array.StringBuilder)
			b.Append(true)
			ab.Append(7)
			sb.Append("x")
			b.Append(true)
			ab.Append(9)
			sb.AppendNull()
			return b.NewArray()
		},
	}

	for name, build := range tests {
		t.Run(name, func(t *testing.T) {
			src := build()
			defer src.Release()

			b, err := NewColumnBuilder(arrow.Field{Name: name, Type: src.DataType(), Nullable: true}, 0)
			require.NoError(t, err)
			for i := 0; i < src.Len(); i++ {
				require.NoError(t, b.AppendFrom(src, i))
			}
			require.Equal(t, src.Len(), b.Len())
			require.Equal(t, src.NullN(), b.NullN())

			got, err := b.Freeze()
			require.NoError(t, err)
			defer got.Release()
			require.True(t, array.Equal(src, got), "want %v, got %v", src, got)
		})
	}
}

func TestAppendFromSlice(t *testing.T) {
	b := array.NewStringBuilder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues([]string{"a", "b", "c", "d"}, nil)
	arr := b.NewArray()
	defer arr.Release()

	sliced := array.NewSlice(arr, 2, 4)
	defer sliced.Release()

	cb := NewBinaryBuilder[int32](arrow.Field{Name: "s", Type: arrow.BinaryTypes.String}, 0)
	require.NoError(t, cb.AppendFrom(sliced, 0))
	require.NoError(t, cb.AppendFrom(sliced, 1))
	got, err := cb.Freeze()
	require.NoError(t, err)
	defer got.Release()
	require.Equal(t, "c", got.(*array.String).Value(0))
	require.Equal(t, "d", got.(*array.String).Value(1))
}

func TestDictionaryReencodes(t *testing.T) {
	dt := &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int16, ValueType: arrow.BinaryTypes.String}

	build := func(values ...string) *array.Dictionary {
		b := array.NewDictionaryBuilder(memory.DefaultAllocator, dt).(*array.BinaryDictionaryBuilder)
		defer b.Release()
		for _, v := range values {
			if v == "" {
				b.AppendNull()
				continue
			}
			require.NoError(t, b.AppendString(v))
		}
		return b.NewArray().(*array.Dictionary)
	}
	a := build("x", "y", "")
	defer a.Release()
	c := build("y", "z")
	defer c.Release()

	b, err := NewColumnBuilder(arrow.Field{Name: "d", Type: dt, Nullable: true}, 0)
	require.NoError(t, err)
	for i := 0; i < a.Len(); i++ {
		require.NoError(t, b.AppendFrom(a, i))
	}
	for i := 0; i < c.Len(); i++ {
		require.NoError(t, b.AppendFrom(c, i))
	}
	require.Equal(t, 3, b.(*DictionaryBuilder).DictionaryLen())
	require.Equal(t, 1, b.NullN())

	arr, err := b.Freeze()
	require.NoError(t, err)
	defer arr.Release()

	dict := arr.(*array.Dictionary)
	require.Equal(t, 5, dict.Len())
	values := dict.Dictionary().(*array.String)
	got := make([]string, 0, dict.Len())
	for i := 0; i < dict.Len(); i++ {
		if dict.IsNull(i) {
			got = append(got, "<null>")
			continue
		}
		got = append(got, values.Value(dict.GetValueIndex(i)))
	}
	require.Equal(t, []string{"x", "y", "<null>", "y", "z"}, got)
}

func TestUnionBuilders(t *testing.T) {
	fields := []arrow.Field{
		{Name: "i", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "s", Type: arrow.BinaryTypes.String, Nullable: true},
	}
	codes := []arrow.UnionTypeCode{0, 1}

	for _, dt := range []arrow.UnionType{
		arrow.SparseUnionOf(fields, codes),
		arrow.DenseUnionOf(fields, codes),
	} {
		t.Run(dt.Name(), func(t *testing.T) {
			b, err := NewColumnBuilder(arrow.Field{Name: "u", Type: dt, Nullable: true}, 0)
			require.NoError(t, err)
			ub := b.(*UnionBuilder)

			require.NoError(t, ub.appendChild(0, func(cb ColumnBuilder) error {
				return cb.(*FixedWidthBuilder[int32]).Append(42)
			}))
			require.NoError(t, ub.appendChild(1, func(cb ColumnBuilder) error {
				return cb.(*BinaryBuilder[int32]).AppendString("hi")
			}))
			require.NoError(t, ub.AppendNull())
			require.Equal(t, 1, ub.NullN())

			src, err := ub.Freeze()
			require.NoError(t, err)
			defer src.Release()
			require.Equal(t, 3, src.Len())
			// The null lives in the child, unions carry no validity bitmap.
			require.Equal(t, 0, src.NullN())
			require.Equal(t, 1, src.(array.Union).Field(0).NullN())

			// Copy the union through a second builder.
			copied, err := NewColumnBuilder(arrow.Field{Name: "u", Type: dt, Nullable: true}, 0)
			require.NoError(t, err)
			for i := 0; i < src.Len(); i++ {
				require.NoError(t, copied.AppendFrom(src, i))
			}
			got, err := copied.Freeze()
			require.NoError(t, err)
			defer got.Release()
			require.True(t, array.Equal(src, got), "want %v, got %v", src, got)

			u := got.(array.Union)
			require.Equal(t, arrow.UnionTypeCode(0), u.TypeCode(0))
			require.Equal(t, arrow.UnionTypeCode(1), u.TypeCode(1))
			require.Equal(t, arrow.UnionTypeCode(0), u.TypeCode(2))
		})
	}
}

func TestStructNullKeepsChildrenAligned(t *testing.T) {
	dt := arrow.StructOf(
		arrow.Field{Name: "required", Type: arrow.PrimitiveTypes.Int64},
		arrow.Field{Name: "optional", Type: arrow.BinaryTypes.String, Nullable: true},
	)
	b, err := NewStructBuilder(arrow.Field{Name: "s", Type: dt, Nullable: true}, 0)
	require.NoError(t, err)

	require.NoError(t, b.FieldBuilder(0).(*FixedWidthBuilder[int64]).Append(1))
	require.NoError(t, b.FieldBuilder(1).(*BinaryBuilder[int32]).AppendString("a"))
	require.NoError(t, b.Append())
	require.NoError(t, b.AppendNull())

	require.Equal(t, 2, b.FieldBuilder(0).Len())
	require.Equal(t, 0, b.FieldBuilder(0).NullN())
	require.Equal(t, 1, b.FieldBuilder(1).NullN())

	arr, err := b.Freeze()
	require.NoError(t, err)
	defer arr.Release()
	require.Equal(t, 2, arr.Len())
	require.True(t, arr.IsNull(1))
}

func TestNullBuilder(t *testing.T) {
	b, err := NewColumnBuilder(arrow.Field{Name: "n", Type: arrow.Null}, 0)
	require.NoError(t, err)
	require.NoError(t, b.AppendNull())
	require.NoError(t, b.AppendNull())

	arr, err := b.Freeze()
	require.NoError(t, err)
	defer arr.Release()
	require.Equal(t, 2, arr.Len())
	require.Equal(t, 2, arr.NullN())
}

func TestUnsupportedType(t *testing.T) {
	_, err := NewColumnBuilder(arrow.Field{Name: "rle", Type: arrow.RunEndEncodedOf(arrow.PrimitiveTypes.Int32, arrow.PrimitiveTypes.Int64)}, 0)
	require.True(t, errors.Is(err, ioerr.ErrSchema))
}

func TestAppendFromWrongType(t *testing.T) {
	src := array.NewInt32Builder(memory.DefaultAllocator)
	defer src.Release()
	src.AppendValues([]int32{1, 2}, nil)
	arr := src.NewArray()
	defer arr.Release()

	b, err := NewColumnBuilder(arrow.Field{Name: "x", Type: arrow.PrimitiveTypes.Int64}, 0)
	require.NoError(t, err)
	require.True(t, errors.Is(b.AppendFrom(arr, 1), ioerr.ErrInvariantViolation))
	require.Equal(t, 0, b.Len())
}

func TestDictionaryMixedSources(t *testing.T) {
	dt := &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int8, ValueType: arrow.PrimitiveTypes.Int64}

	db := array.NewDictionaryBuilder(memory.DefaultAllocator, dt).(*array.Int64DictionaryBuilder)
	defer db.Release()
	for _, v := range []int64{7, 9, 7, 7} {
		require.NoError(t, db.Append(v))
	}
	dict := db.NewArray()
	defer dict.Release()

	pb := array.NewInt64Builder(memory.DefaultAllocator)
	defer pb.Release()
	pb.AppendValues([]int64{9, 11}, nil)
	plain := pb.NewArray()
	defer plain.Release()

	b, err := NewColumnBuilder(arrow.Field{Name: "d", Type: dt}, 0)
	require.NoError(t, err)
	for i := 0; i < dict.Len(); i++ {
		require.NoError(t, b.AppendFrom(dict, i))
	}
	for i := 0; i < plain.Len(); i++ {
		require.NoError(t, b.AppendFrom(plain, i))
	}
	require.Equal(t, 3, b.(*DictionaryBuilder).DictionaryLen())

	ib := array.NewInt32Builder(memory.DefaultAllocator)
	defer ib.Release()
	ib.Append(9)
	wrong := ib.NewArray()
	defer wrong.Release()
	require.True(t, errors.Is(b.AppendFrom(wrong, 0), ioerr.ErrInvariantViolation))

	arr, err := b.Freeze()
	require.NoError(t, err)
	defer arr.Release()
	got := arr.(*array.Dictionary)
	values := got.Dictionary().(*array.Int64)
	out := make([]int64, 0, got.Len())
	for i := 0; i < got.Len(); i++ {
		out = append(out, values.Value(got.GetValueIndex(i)))
	}
	require.Equal(t, []int64{7, 9, 7, 7, 9, 11}, out)
}
