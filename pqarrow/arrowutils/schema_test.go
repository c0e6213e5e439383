package arrowutils_test

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/lakesoul-io/nativeio/ioerr"
	"github.com/lakesoul-io/nativeio/pqarrow/arrowutils"
)

func TestUnifySchemas(t *testing.T) {
	s1 := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "a", Type: arrow.BinaryTypes.String},
	}, nil)
	s2 := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "b", Type: arrow.PrimitiveTypes.Float64},
	}, nil)

	unified, err := arrowutils.UnifySchemas([]*arrow.Schema{s1, s2})
	require.NoError(t, err)
	require.Equal(t, 3, unified.NumFields())
	require.Equal(t, "id", unified.Field(0).Name)
	require.False(t, unified.Field(0).Nullable)
	require.Equal(t, "a", unified.Field(1).Name)
	require.True(t, unified.Field(1).Nullable)
	require.Equal(t, "b", unified.Field(2).Name)
	require.True(t, unified.Field(2).Nullable)

	conflict := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.BinaryTypes.String}}, nil)
	_, err = arrowutils.UnifySchemas([]*arrow.Schema{s1, conflict})
	require.True(t, errors.Is(err, ioerr.ErrSchema))
}

func TestAlignRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	src := arrow.NewSchema([]arrow.Field{
		{Name: "extra", Type: arrow.BinaryTypes.String},
		{Name: "id", Type: arrow.PrimitiveTypes.Int32},
	}, nil)
	b := array.NewRecordBuilder(mem, src)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).AppendValues([]string{"x", "y"}, nil)
	b.Field(1).(*array.Int32Builder).AppendValues([]int32{1, 2}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	target := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "missing", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "region", Type: arrow.BinaryTypes.String},
	}, nil)

	aligned, err := arrowutils.AlignRecord(context.Background(), mem, rec, target, map[string]string{"region": "eu"})
	require.NoError(t, err)
	defer aligned.Release()

	require.True(t, aligned.Schema().Equal(target))
	require.Equal(t, int64(2), aligned.NumRows())
	require.Equal(t, []int64{1, 2}, aligned.Column(0).(*array.Int64).Int64Values())
	require.Equal(t, 2, aligned.Column(1).NullN())
	require.Equal(t, "eu", aligned.Column(2).(*array.String).Value(1))

	_, err = arrowutils.AlignRecord(context.Background(), mem, rec, arrow.NewSchema([]arrow.Field{
		{Name: "required", Type: arrow.PrimitiveTypes.Int64},
	}, nil), nil)
	require.True(t, errors.Is(err, ioerr.ErrSchema))
}

func TestAlignRecordSameSchema(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).Append(1)
	rec := b.NewRecord()
	defer rec.Release()

	aligned, err := arrowutils.AlignRecord(context.Background(), memory.DefaultAllocator, rec, schema, nil)
	require.NoError(t, err)
	defer aligned.Release()
	require.Equal(t, rec, aligned)
}
